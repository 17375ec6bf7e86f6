package voiceref

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps references on disk so they survive restarts. The
// conditioned clip is stored as 16-bit WAV next to the original payload.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS voice_references (
    id TEXT PRIMARY KEY,
    format TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    duration_seconds REAL NOT NULL,
    size_bytes INTEGER NOT NULL,
    ref_text TEXT,
    payload BLOB,
    clip BLOB,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voice_references_expires ON voice_references(expires_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init reference schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, ref Reference) error {
	if ref.ID == "" {
		return fmt.Errorf("reference id is empty: %w", errs.ErrInvalidInput)
	}
	clip, err := audio.EncodeWAV(ref.Clip)
	if err != nil {
		return fmt.Errorf("encode reference clip: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voice_references(id, format, sample_rate, channels, duration_seconds, size_bytes, ref_text, payload, clip, created_at, expires_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.Format, ref.SampleRate, ref.Channels, ref.DurationSeconds, ref.SizeBytes, ref.RefText,
		ref.Samples, clip, ref.CreatedAt.UnixMilli(), ref.ExpiresAt.UnixMilli())
	return err
}

const referenceColumns = `id, format, sample_rate, channels, duration_seconds, size_bytes, ref_text, payload, clip, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReference(row rowScanner) (Reference, error) {
	var (
		ref              Reference
		refText          sql.NullString
		clip             []byte
		created, expires int64
	)
	if err := row.Scan(&ref.ID, &ref.Format, &ref.SampleRate, &ref.Channels, &ref.DurationSeconds, &ref.SizeBytes,
		&refText, &ref.Samples, &clip, &created, &expires); err != nil {
		return Reference{}, err
	}
	ref.RefText = refText.String
	ref.CreatedAt = time.UnixMilli(created).UTC()
	ref.ExpiresAt = time.UnixMilli(expires).UTC()
	if len(clip) > 0 {
		buf, err := audio.DecodeWAV(clip)
		if err != nil {
			return Reference{}, fmt.Errorf("decode stored clip %s: %w", ref.ID, err)
		}
		ref.Clip = buf
	}
	return ref, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Reference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM voice_references WHERE id = ?`, id)
	ref, err := scanReference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reference{}, fmt.Errorf("reference %q: %w", id, errs.ErrNotFound)
	}
	return ref, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM voice_references WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("reference %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Reference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+referenceColumns+` FROM voice_references ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (removed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM voice_references WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
