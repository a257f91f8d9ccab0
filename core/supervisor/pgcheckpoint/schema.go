package pgcheckpoint

import (
	"context"
	"fmt"
)

// createTableSQL is the DDL statement that creates the checkpoint table.
const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
    id                  UUID PRIMARY KEY,
    request_fingerprint TEXT NOT NULL,
    prompt              TEXT NOT NULL DEFAULT '',
    model               TEXT NOT NULL DEFAULT '',
    partial_response    TEXT NOT NULL DEFAULT '',
    tokens_received     BIGINT NOT NULL DEFAULT 0,
    status              TEXT NOT NULL,
    attempts            INT NOT NULL DEFAULT 1,
    error               TEXT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// createFingerprintIndexSQL speeds up FindByFingerprint, the lookup used on
// resume to find the checkpoint for an incoming request.
const createFingerprintIndexSQL = `CREATE INDEX IF NOT EXISTS idx_%s_fingerprint
    ON %s (request_fingerprint, updated_at DESC)`

// createStatusIndexSQL speeds up GetIncomplete and Cleanup, both of which
// filter on status.
const createStatusIndexSQL = `CREATE INDEX IF NOT EXISTS idx_%s_status
    ON %s (status, updated_at)`

// EnsureSchema creates the checkpoint table and its indexes if they do not
// already exist. Production deployments should prefer migration tooling
// (goose, golang-migrate) over calling this at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tableSQL := fmt.Sprintf(createTableSQL, s.tableName)
	if _, err := s.db.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("pgcheckpoint: create table: %w", err)
	}

	fpIdxSQL := fmt.Sprintf(createFingerprintIndexSQL, s.tableName, s.tableName)
	if _, err := s.db.Exec(ctx, fpIdxSQL); err != nil {
		return fmt.Errorf("pgcheckpoint: create fingerprint index: %w", err)
	}

	statusIdxSQL := fmt.Sprintf(createStatusIndexSQL, s.tableName, s.tableName)
	if _, err := s.db.Exec(ctx, statusIdxSQL); err != nil {
		return fmt.Errorf("pgcheckpoint: create status index: %w", err)
	}

	return nil
}
