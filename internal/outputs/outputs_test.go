package outputs

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.OutputsConfig{Dir: t.TempDir(), RetentionMinutes: 60}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveAndPath(t *testing.T) {
	s := newStore(t)
	buf := audio.Tone(audio.Layout{SampleRate: 24000, Channels: 1, Format: audio.Int16}, 220, 0.5, 250*time.Millisecond)

	path, err := s.Save("job-1", buf)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Path("job-1")
	if err != nil || got != path {
		t.Fatalf("path: %q %v", got, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	decoded, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Frames() != buf.Frames() {
		t.Fatalf("expected %d frames, got %d", buf.Frames(), decoded.Frames())
	}

	if _, err := s.Path("job-2"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Path("../etc/passwd"); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input for traversal, got %v", err)
	}
	if err := s.Remove("job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove("job-1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestCleanupByAge(t *testing.T) {
	s := newStore(t)
	buf := audio.Silence(audio.Layout{SampleRate: 8000, Channels: 1, Format: audio.Int16}, 10*time.Millisecond)
	oldPath, err := s.Save("old", buf)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Save("new", buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := s.Cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := s.Path("old"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected old output removed, got %v", err)
	}
	if _, err := s.Path("new"); err != nil {
		t.Fatalf("expected new output kept: %v", err)
	}
}
