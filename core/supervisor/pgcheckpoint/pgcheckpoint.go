package pgcheckpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leofalp/aigo/core/supervisor"
)

// defaultTableName is the PostgreSQL table used when no custom name is provided.
const defaultTableName = "supervisor_checkpoints"

// Querier abstracts the pgx query methods needed by Store. Both
// *pgxpool.Pool and pgx.Tx satisfy this interface, following
// providers/memory/pgmemory's Querier shape.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements supervisor.CheckpointStore with PostgreSQL persistence.
// Unlike FileCheckpointStore it does not debounce Update calls in memory —
// every call is a direct write, since the caller (typically a connection
// pool) already amortizes round trips. Thread safety comes from the
// underlying pgx connection pool; no application-level mutex is needed.
type Store struct {
	db        Querier
	tableName string
}

var _ supervisor.CheckpointStore = (*Store)(nil)

// Option configures optional Store behavior.
type Option func(*Store)

// WithTableName overrides the default table name ("supervisor_checkpoints").
// The name is sanitized via pgx.Identifier before being interpolated into
// queries, since it cannot be passed as a bind parameter.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.tableName = pgx.Identifier{name}.Sanitize()
	}
}

// New creates a PostgreSQL-backed checkpoint store. db is typically
// *pgxpool.Pool but any Querier works.
func New(db Querier, opts ...Option) *Store {
	s := &Store{db: db, tableName: defaultTableName}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a new checkpoint row with status=streaming, attempts=1.
func (s *Store) Create(ctx context.Context, requestFingerprint, prompt, model string) (*supervisor.Checkpoint, error) {
	id := uuid.New()
	now := time.Now().UTC()

	query := fmt.Sprintf(`INSERT INTO %s
		(id, request_fingerprint, prompt, model, partial_response, tokens_received, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '', 0, $5, 1, $6, $6)`, s.tableName)

	if _, err := s.db.Exec(ctx, query, id, requestFingerprint, prompt, model, string(supervisor.CheckpointStreaming), now); err != nil {
		return nil, fmt.Errorf("pgcheckpoint: create: %w", err)
	}

	return &supervisor.Checkpoint{
		ID:                 id,
		RequestFingerprint: requestFingerprint,
		Prompt:             prompt,
		Model:              model,
		Status:             supervisor.CheckpointStreaming,
		Attempts:           1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Update writes the latest partial response and token count immediately.
func (s *Store) Update(ctx context.Context, id uuid.UUID, partialResponse string, tokensReceived uint64) error {
	query := fmt.Sprintf(`UPDATE %s SET partial_response = $2, tokens_received = $3, updated_at = $4 WHERE id = $1`, s.tableName)

	tag, err := s.db.Exec(ctx, query, id, partialResponse, tokensReceived, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pgcheckpoint: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgcheckpoint: unknown checkpoint %s", id)
	}
	return nil
}

// MarkFailed bumps attempts, records cause, and sets status=failed.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	var causeText string
	if cause != nil {
		causeText = cause.Error()
	}

	query := fmt.Sprintf(`UPDATE %s SET status = $2, attempts = attempts + 1, error = $3, updated_at = $4 WHERE id = $1`, s.tableName)

	tag, err := s.db.Exec(ctx, query, id, string(supervisor.CheckpointFailed), causeText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pgcheckpoint: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgcheckpoint: unknown checkpoint %s", id)
	}
	return nil
}

// Complete deletes the checkpoint row. Per the same invariant the file store
// follows, a checkpoint is never persisted with status=completed — finishing
// a call always deletes its checkpoint.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName)
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("pgcheckpoint: complete: %w", err)
	}
	return nil
}

// GetIncomplete returns every checkpoint not in CheckpointCompleted status
// whose age is within maxAge. A non-positive maxAge disables the age filter.
func (s *Store) GetIncomplete(ctx context.Context, maxAge time.Duration) ([]*supervisor.Checkpoint, error) {
	var (
		rows pgx.Rows
		err  error
	)

	selectCols := `id, request_fingerprint, prompt, model, partial_response, tokens_received, status, attempts, error, created_at, updated_at`

	if maxAge > 0 {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE status <> $1 AND updated_at >= $2 ORDER BY updated_at ASC`, selectCols, s.tableName)
		rows, err = s.db.Query(ctx, query, string(supervisor.CheckpointCompleted), time.Now().UTC().Add(-maxAge))
	} else {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE status <> $1 ORDER BY updated_at ASC`, selectCols, s.tableName)
		rows, err = s.db.Query(ctx, query, string(supervisor.CheckpointCompleted))
	}
	if err != nil {
		return nil, fmt.Errorf("pgcheckpoint: get incomplete: %w", err)
	}
	defer rows.Close()

	return scanCheckpoints(rows)
}

// FindByFingerprint looks up the most recently updated checkpoint for a
// request fingerprint. Returns (nil, nil) when none exists.
func (s *Store) FindByFingerprint(ctx context.Context, requestFingerprint string) (*supervisor.Checkpoint, error) {
	selectCols := `id, request_fingerprint, prompt, model, partial_response, tokens_received, status, attempts, error, created_at, updated_at`
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE request_fingerprint = $1 ORDER BY updated_at DESC LIMIT 1`, selectCols, s.tableName)

	cp, err := scanCheckpointRow(s.db.QueryRow(ctx, query, requestFingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgcheckpoint: find by fingerprint: %w", err)
	}
	return cp, nil
}

// Cleanup deletes completed checkpoints and any non-completed checkpoint
// older than maxAge. A non-positive maxAge only deletes completed rows.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) error {
	if maxAge > 0 {
		query := fmt.Sprintf(`DELETE FROM %s WHERE status = $1 OR updated_at < $2`, s.tableName)
		_, err := s.db.Exec(ctx, query, string(supervisor.CheckpointCompleted), time.Now().UTC().Add(-maxAge))
		if err != nil {
			return fmt.Errorf("pgcheckpoint: cleanup: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE status = $1`, s.tableName)
	if _, err := s.db.Exec(ctx, query, string(supervisor.CheckpointCompleted)); err != nil {
		return fmt.Errorf("pgcheckpoint: cleanup: %w", err)
	}
	return nil
}

// Shutdown is a no-op: every write above is already committed to the
// database synchronously, so there is nothing buffered to flush.
func (s *Store) Shutdown(ctx context.Context) error {
	return nil
}

func scanCheckpoints(rows pgx.Rows) ([]*supervisor.Checkpoint, error) {
	var out []*supervisor.Checkpoint
	for rows.Next() {
		cp, err := scanInto(rows)
		if err != nil {
			return nil, fmt.Errorf("pgcheckpoint: scan row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgcheckpoint: iterate rows: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both pgx.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpointRow(row pgx.Row) (*supervisor.Checkpoint, error) {
	return scanInto(row)
}

func scanInto(row rowScanner) (*supervisor.Checkpoint, error) {
	var (
		cp         supervisor.Checkpoint
		status     string
		errText    *string
		tokenCount uint64
	)

	if err := row.Scan(
		&cp.ID, &cp.RequestFingerprint, &cp.Prompt, &cp.Model, &cp.PartialResponse,
		&tokenCount, &status, &cp.Attempts, &errText, &cp.CreatedAt, &cp.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cp.TokensReceived = tokenCount
	cp.Status = supervisor.CheckpointStatus(status)
	if errText != nil {
		cp.Error = *errText
	}
	return &cp, nil
}
