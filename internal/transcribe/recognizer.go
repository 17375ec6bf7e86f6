// Package transcribe produces reference transcripts for voice cloning.
package transcribe

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Result captures recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, clip audio.Buffer) (Result, error)
}

// New builds the recognizer selected by cfg, or nil when transcription is disabled.
func New(cfg config.TranscribeConfig) (Recognizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock", "":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown transcribe mode %q", cfg.Mode)
	}
}
