// Package voiceref validates, registers and resolves reference clips used for
// voice cloning.
package voiceref

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/errs"
)

// Reference is a registered reference clip.
type Reference struct {
	ID              string    `json:"id"`
	Format          string    `json:"format"`
	SampleRate      int       `json:"sample_rate"`
	Channels        int       `json:"channels"`
	DurationSeconds float64   `json:"duration_seconds"`
	SizeBytes       int       `json:"size_bytes"`
	RefText         string    `json:"ref_text,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`

	// Samples holds the payload exactly as registered.
	Samples []byte `json:"-"`
	// Clip is the decoded, conditioned PCM handed to engines.
	Clip audio.Buffer `json:"-"`
}

// Store persists references. Get returns errs.ErrNotFound for unknown ids.
type Store interface {
	Put(ctx context.Context, ref Reference) error
	Get(ctx context.Context, id string) (Reference, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Reference, error)
	// Prune drops references that expired before now and reports how many.
	Prune(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Supported declared formats.
const (
	FormatWAV  = "wav"
	FormatPCM  = "pcm_s16le"
	FormatUlaw = "ulaw"
	FormatAlaw = "alaw"
)

var formatAliases = map[string]string{
	"wav":       FormatWAV,
	"wave":      FormatWAV,
	"x-wav":     FormatWAV,
	"vnd.wave":  FormatWAV,
	"pcm":       FormatPCM,
	"raw":       FormatPCM,
	"s16le":     FormatPCM,
	"pcm_s16le": FormatPCM,
	"l16":       FormatPCM,
	"ulaw":      FormatUlaw,
	"mulaw":     FormatUlaw,
	"pcmu":      FormatUlaw,
	"basic":     FormatUlaw,
	"alaw":      FormatAlaw,
	"pcma":      FormatAlaw,
}

// NormalizeFormat maps a declared format, MIME type or file name onto one of
// the supported format names.
func NormalizeFormat(declared string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = strings.TrimSpace(f[:i])
	}
	if i := strings.LastIndexByte(f, '/'); i >= 0 {
		f = f[i+1:]
	}
	if ext := filepath.Ext(f); ext != "" {
		f = ext
	}
	f = strings.TrimPrefix(f, ".")
	if f == "" {
		return "", fmt.Errorf("no format declared: %w", errs.ErrUnsupportedFormat)
	}
	if name, ok := formatAliases[f]; ok {
		return name, nil
	}
	return "", fmt.Errorf("format %q is not supported (wav, pcm_s16le, ulaw, alaw): %w", f, errs.ErrUnsupportedFormat)
}

// decode turns a payload of a normalized format into PCM.
func decode(data []byte, format string, pcm audio.Layout) (audio.Buffer, error) {
	switch format {
	case FormatWAV:
		if !audio.IsWAV(data) {
			return audio.Buffer{}, fmt.Errorf("payload declared as wav has no RIFF/WAVE header: %w", errs.ErrInvalidAudio)
		}
		return audio.DecodeWAV(data)
	case FormatPCM:
		buf := audio.Buffer{SampleRate: pcm.SampleRate, Channels: pcm.Channels, Format: audio.Int16, Samples: data}
		if err := buf.Validate(); err != nil {
			return audio.Buffer{}, err
		}
		return buf, nil
	case FormatUlaw:
		return audio.DecodeUlaw(data), nil
	case FormatAlaw:
		return audio.DecodeAlaw(data), nil
	default:
		return audio.Buffer{}, fmt.Errorf("format %q: %w", format, errs.ErrUnsupportedFormat)
	}
}
