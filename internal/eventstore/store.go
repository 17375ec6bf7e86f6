// Package eventstore keeps a sqlite history of jobs and their events so
// timelines survive past the in-memory job retention.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

const (
	modeEphemeral = "ephemeral"
	modeSession   = "session"

	defaultEventLimit = 1000
)

type Event struct {
	ID        int64
	JobID     string
	Seq       int
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// JobRecord is the persisted summary of a job.
type JobRecord struct {
	JobID      string
	Status     string
	Voice      string
	Chunks     int
	Characters int
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is a sqlite-backed job history. In ephemeral mode it has no database
// and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the store. Session mode starts from an empty history;
// persistent mode keeps what earlier runs recorded, subject to retention.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == modeEphemeral {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := "file:" + cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the recorder and housekeeping.
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	if s.cfg.RetentionMode == modeSession {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("reset session history: %w", err)
		}
	}
	if s.cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			s.log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

// UpsertJob inserts a job summary or refreshes its status and reason. Voice,
// chunk and character counts are only overwritten when set.
func (s *Store) UpsertJob(ctx context.Context, job JobRecord) error {
	if !s.enabled() {
		return nil
	}
	now := s.nowMillis()
	created := now
	if !job.CreatedAt.IsZero() {
		created = job.CreatedAt.UTC().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(job_id, status, voice, chunks, characters, reason, created_ms, updated_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
    status     = excluded.status,
    reason     = excluded.reason,
    voice      = CASE WHEN excluded.voice != '' THEN excluded.voice ELSE jobs.voice END,
    chunks     = CASE WHEN excluded.chunks > 0 THEN excluded.chunks ELSE jobs.chunks END,
    characters = CASE WHEN excluded.characters > 0 THEN excluded.characters ELSE jobs.characters END,
    updated_ms = excluded.updated_ms`,
		job.JobID, job.Status, job.Voice, job.Chunks, job.Characters, job.Reason, created, now)
	return err
}

// AppendEvent records evt. A placeholder job row is created when the job has
// not been upserted yet; a repeated (job, seq) pair is ignored.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	now := s.nowMillis()
	created := now
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().UnixMilli()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, status, created_ms, updated_ms) VALUES(?, 'pending', ?, ?) ON CONFLICT(job_id) DO NOTHING`,
		evt.JobID, created, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(job_id, seq, event_type, payload, created_ms) VALUES(?, ?, ?, ?, ?) ON CONFLICT(job_id, seq) DO NOTHING`,
		evt.JobID, evt.Seq, evt.Type, evt.Payload, created); err != nil {
		return err
	}
	return tx.Commit()
}

// ListJobEvents returns up to limit events for a job ordered by seq.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, event_type, payload, created_ms FROM events WHERE job_id = ? ORDER BY seq LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Type, &e.Payload, &ms); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetJob returns the stored summary of a job and whether it exists.
func (s *Store) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	if !s.enabled() {
		return JobRecord{}, false, nil
	}
	var (
		rec              JobRecord
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, voice, chunks, characters, reason, created_ms, updated_ms FROM jobs WHERE job_id = ?`, jobID).
		Scan(&rec.JobID, &rec.Status, &rec.Voice, &rec.Chunks, &rec.Characters, &rec.Reason, &created, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return JobRecord{}, false, nil
	case err != nil:
		return JobRecord{}, false, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, true, nil
}

// Prune drops jobs older than retention_days and all but the newest
// max_jobs. Events go with their job.
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if days := s.cfg.RetentionDays; days > 0 {
		cutoff := s.clock().Add(-time.Duration(days) * 24 * time.Hour).UTC().UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_ms < ?`, cutoff); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}
	if s.cfg.MaxJobs > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE job_id IN (SELECT job_id FROM jobs ORDER BY created_ms DESC LIMIT -1 OFFSET ?)`,
			s.cfg.MaxJobs); err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
	}
	return tx.Commit()
}
