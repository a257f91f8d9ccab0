package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointStatus is the closed set of Checkpoint lifecycle states.
type CheckpointStatus string

const (
	CheckpointStreaming CheckpointStatus = "streaming"
	CheckpointPaused    CheckpointStatus = "paused"
	CheckpointFailed    CheckpointStatus = "failed"
	CheckpointCompleted CheckpointStatus = "completed"
)

// Checkpoint is the persisted record backing resumable continuation.
type Checkpoint struct {
	ID                 uuid.UUID        `json:"id"`
	RequestFingerprint string           `json:"requestFingerprint"`
	Prompt             string           `json:"prompt"`
	Model              string           `json:"model"`
	PartialResponse    string           `json:"partialResponse"`
	TokensReceived     uint64           `json:"tokensReceived"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	Status             CheckpointStatus `json:"status"`
	Attempts           uint32           `json:"attempts"`
	Error              string           `json:"error,omitempty"`
}

// CheckpointStore is the interface the spec's Checkpoint Manager exposes.
// core/supervisor/pgcheckpoint implements the same interface against
// Postgres for callers that want durability beyond the local filesystem.
type CheckpointStore interface {
	Create(ctx context.Context, requestFingerprint, prompt, model string) (*Checkpoint, error)
	Update(ctx context.Context, id uuid.UUID, partialResponse string, tokensReceived uint64) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	Complete(ctx context.Context, id uuid.UUID) error
	GetIncomplete(ctx context.Context, maxAge time.Duration) ([]*Checkpoint, error)
	FindByFingerprint(ctx context.Context, requestFingerprint string) (*Checkpoint, error)
	Cleanup(ctx context.Context, maxAge time.Duration) error
	Shutdown(ctx context.Context) error
}

// CheckpointManagerConfig tunes FileCheckpointStore. Defaults match spec §6.
type CheckpointManagerConfig struct {
	Dir             string
	SaveInterval    time.Duration
	MaxAge          time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

func (c *CheckpointManagerConfig) applyDefaults() {
	if c.SaveInterval == 0 {
		c.SaveInterval = time.Second
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type pendingSave struct {
	timer *time.Timer
	mu    sync.Mutex
}

// FileCheckpointStore is the spec's default Checkpoint Manager: one JSON
// file per checkpoint id, pretty-printed, debounced updates, atomic
// write-temp-then-rename persistence.
type FileCheckpointStore struct {
	cfg CheckpointManagerConfig

	mu            sync.Mutex
	byID          map[uuid.UUID]*Checkpoint
	byFingerprint map[string]uuid.UUID
	pending       map[uuid.UUID]*pendingSave
}

// NewFileCheckpointStore constructs a store rooted at cfg.Dir, creating the
// directory if necessary.
func NewFileCheckpointStore(cfg CheckpointManagerConfig) (*FileCheckpointStore, error) {
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("supervisor: checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{
		cfg:           cfg,
		byID:          make(map[uuid.UUID]*Checkpoint),
		byFingerprint: make(map[string]uuid.UUID),
		pending:       make(map[uuid.UUID]*pendingSave),
	}, nil
}

// Create starts tracking a new checkpoint with status=streaming, attempts=1,
// and persists it immediately.
func (s *FileCheckpointStore) Create(ctx context.Context, requestFingerprint, prompt, model string) (*Checkpoint, error) {
	now := time.Now()
	cp := &Checkpoint{
		ID:                 uuid.New(),
		RequestFingerprint: requestFingerprint,
		Prompt:             prompt,
		Model:              model,
		Status:             CheckpointStreaming,
		Attempts:           1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	s.mu.Lock()
	s.byID[cp.ID] = cp
	s.byFingerprint[requestFingerprint] = cp.ID
	s.mu.Unlock()

	if err := s.persist(cp); err != nil {
		return nil, err
	}
	s.cfg.Logger.InfoContext(ctx, "checkpoint created", slog.String("id", cp.ID.String()), slog.String("fingerprint", requestFingerprint))
	return cp, nil
}

// Update debounces a save of the latest partial response, coalescing bursts
// within cfg.SaveInterval.
func (s *FileCheckpointStore) Update(ctx context.Context, id uuid.UUID, partialResponse string, tokensReceived uint64) error {
	s.mu.Lock()
	cp, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: unknown checkpoint %s", id)
	}
	cp.PartialResponse = partialResponse
	cp.TokensReceived = tokensReceived
	cp.UpdatedAt = time.Now()

	ps, ok := s.pending[id]
	if !ok {
		ps = &pendingSave{}
		s.pending[id] = ps
	}
	s.mu.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.timer != nil {
		ps.timer.Stop()
	}
	ps.timer = time.AfterFunc(s.cfg.SaveInterval, func() {
		s.mu.Lock()
		current, ok := s.byID[id]
		s.mu.Unlock()
		if !ok {
			return
		}
		if err := s.persist(current); err != nil {
			s.cfg.Logger.ErrorContext(context.Background(), "checkpoint debounced save failed", slog.String("id", id.String()), slog.Any("error", err))
		}
	})
	return nil
}

// MarkFailed flushes immediately, bumping attempts and recording cause.
func (s *FileCheckpointStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	s.mu.Lock()
	cp, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: unknown checkpoint %s", id)
	}
	cp.Status = CheckpointFailed
	cp.Attempts++
	cp.UpdatedAt = time.Now()
	if cause != nil {
		cp.Error = cause.Error()
	}
	s.mu.Unlock()

	s.cancelPending(id)
	if err := s.persist(cp); err != nil {
		return err
	}
	s.cfg.Logger.ErrorContext(ctx, "checkpoint marked failed", slog.String("id", id.String()), slog.Any("error", cause))
	return nil
}

// Complete cancels any pending save and deletes the checkpoint from memory
// and disk. Per the invariant in spec §3, a checkpoint is never written with
// status=completed — completion always deletes it.
func (s *FileCheckpointStore) Complete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	cp, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.byFingerprint, cp.RequestFingerprint)
	}
	s.mu.Unlock()

	s.cancelPending(id)

	path := s.pathFor(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("supervisor: remove checkpoint file: %w", err)
	}
	s.cfg.Logger.InfoContext(ctx, "checkpoint completed", slog.String("id", id.String()))
	return nil
}

// GetIncomplete returns every tracked checkpoint not in CheckpointCompleted
// status whose age is within maxAge.
func (s *FileCheckpointStore) GetIncomplete(ctx context.Context, maxAge time.Duration) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []*Checkpoint
	for _, cp := range s.byID {
		if cp.Status == CheckpointCompleted {
			continue
		}
		if maxAge > 0 && now.Sub(cp.UpdatedAt) > maxAge {
			continue
		}
		clone := *cp
		out = append(out, &clone)
	}
	return out, nil
}

// FindByFingerprint looks up the checkpoint for a request fingerprint, used
// to support continueFromLastKnownGoodToken resume.
func (s *FileCheckpointStore) FindByFingerprint(ctx context.Context, requestFingerprint string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byFingerprint[requestFingerprint]
	if !ok {
		return nil, nil
	}
	cp, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	clone := *cp
	return &clone, nil
}

// Cleanup evicts completed or aged-out entries from memory, and deletes
// orphaned or corrupt files from disk.
func (s *FileCheckpointStore) Cleanup(ctx context.Context, maxAge time.Duration) error {
	s.mu.Lock()
	now := time.Now()
	for id, cp := range s.byID {
		if cp.Status == CheckpointCompleted || (maxAge > 0 && now.Sub(cp.UpdatedAt) > maxAge) {
			delete(s.byID, id)
			delete(s.byFingerprint, cp.RequestFingerprint)
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("supervisor: read checkpoint directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			s.cfg.Logger.WarnContext(ctx, "deleting corrupt checkpoint file", slog.String("path", path))
			_ = os.Remove(path)
			continue
		}
		if cp.Status == CheckpointCompleted {
			_ = os.Remove(path)
			continue
		}
		if maxAge > 0 && now.Sub(cp.UpdatedAt) > maxAge {
			_ = os.Remove(path)
		}
	}
	return nil
}

// Shutdown cancels every pending debounced save and writes each tracked
// checkpoint to disk once. It does not close the store: Create, Update and
// MarkFailed still work after it returns.
func (s *FileCheckpointStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		s.cancelPending(id)
		s.mu.Lock()
		cp, ok := s.byID[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.persist(cp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FileCheckpointStore) cancelPending(id uuid.UUID) {
	s.mu.Lock()
	ps, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	if ps.timer != nil {
		ps.timer.Stop()
	}
	ps.mu.Unlock()
}

func (s *FileCheckpointStore) pathFor(id uuid.UUID) string {
	return filepath.Join(s.cfg.Dir, id.String()+".json")
}

// persist writes cp to disk atomically: write to a temp file in the same
// directory, then rename over the final path.
func (s *FileCheckpointStore) persist(cp *Checkpoint) error {
	s.mu.Lock()
	snapshot := *cp
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("supervisor: marshal checkpoint: %w", err)
	}

	final := s.pathFor(cp.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("supervisor: write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("supervisor: rename checkpoint file: %w", err)
	}
	return nil
}
