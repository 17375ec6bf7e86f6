package eventstore

import (
	"context"
	"fmt"
	"log/slog"
)

// migrations are applied in order; the index+1 of the last one applied is
// kept in PRAGMA user_version. Append only.
var migrations = []string{
	`CREATE TABLE jobs (
    job_id     TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    voice      TEXT NOT NULL DEFAULT '',
    chunks     INTEGER NOT NULL DEFAULT 0,
    characters INTEGER NOT NULL DEFAULT 0,
    reason     TEXT NOT NULL DEFAULT '',
    created_ms INTEGER NOT NULL,
    updated_ms INTEGER NOT NULL
);
CREATE TABLE events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    payload    BLOB,
    created_ms INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_events_job_seq ON events(job_id, seq);`,
	`CREATE INDEX idx_jobs_created ON jobs(created_ms);`,
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	if version < len(migrations) {
		s.log.Debug("event store schema migrated", slog.Int("from", version), slog.Int("to", len(migrations)))
	}
	return nil
}
