// Package outputs keeps rendered job audio on disk until it ages out.
package outputs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store writes one WAV file per job into a directory.
type Store struct {
	dir       string
	retention time.Duration
	log       *slog.Logger
	clock     func() time.Time
}

func New(cfg config.OutputsConfig, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create outputs dir: %w", err)
	}
	return &Store{
		dir:       cfg.Dir,
		retention: time.Duration(cfg.RetentionMinutes) * time.Minute,
		log:       log.With(slog.String("component", "outputs")),
		clock:     time.Now,
	}, nil
}

func (s *Store) file(jobID string) (string, error) {
	if !validID.MatchString(jobID) {
		return "", fmt.Errorf("job id %q: %w", jobID, errs.ErrInvalidInput)
	}
	return filepath.Join(s.dir, jobID+".wav"), nil
}

// Save encodes buf as WAV and writes it atomically.
func (s *Store) Save(jobID string, buf audio.Buffer) (string, error) {
	path, err := s.file(jobID)
	if err != nil {
		return "", err
	}
	data, err := audio.EncodeWAV(buf)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, "."+jobID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish output: %w", err)
	}
	s.log.Info("output saved",
		slog.String("job_id", jobID),
		slog.String("size", humanize.IBytes(uint64(len(data)))),
		slog.Duration("audio", buf.Duration()),
	)
	return path, nil
}

// Path returns the file of a saved job, or ErrNotFound.
func (s *Store) Path(jobID string) (string, error) {
	path, err := s.file(jobID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("output for job %q: %w", jobID, errs.ErrNotFound)
		}
		return "", err
	}
	return path, nil
}

// Remove deletes a job's file. Missing files are not an error.
func (s *Store) Remove(jobID string) error {
	path, err := s.file(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup deletes WAV files older than the retention and returns how many
// were removed.
func (s *Store) Cleanup() (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
				s.log.Warn("failed to remove output", slog.String("file", entry.Name()), slog.String("error", err.Error()))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("outputs cleaned", slog.Int("removed", removed))
	}
	return removed, nil
}
