package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

// SynthRequest contains parameters to synthesize one text chunk.
type SynthRequest struct {
	JobID       string
	ChunkIndex  int
	Text        string
	Voice       string
	Reference   *voiceref.Reference
	Speed       float64
	Temperature float64
}

// SynthChunk contains 16-bit little-endian PCM.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Cloner is implemented by synthesizers that can speak in a reference voice.
type Cloner interface {
	SupportsCloning() bool
}

type VoiceKind string

const (
	VoicePreset VoiceKind = "preset"
	VoiceCloned VoiceKind = "clone"
)

// Voice selects a built-in preset or a registered reference clip.
type Voice struct {
	Kind        VoiceKind `json:"mode"`
	PresetID    string    `json:"voice,omitempty"`
	ReferenceID string    `json:"ref_audio_id,omitempty"`
}

func PresetVoice(id string) Voice {
	return Voice{Kind: VoicePreset, PresetID: id}
}

func ClonedVoice(referenceID string) Voice {
	return Voice{Kind: VoiceCloned, ReferenceID: referenceID}
}

func (v Voice) Validate() error {
	switch v.Kind {
	case VoicePreset:
		if strings.TrimSpace(v.PresetID) == "" {
			return fmt.Errorf("preset voice id is empty: %w", errs.ErrInvalidParameter)
		}
		if _, ok := LookupPreset(v.PresetID); !ok {
			return fmt.Errorf("unknown preset voice %q: %w", v.PresetID, errs.ErrInvalidParameter)
		}
	case VoiceCloned:
		if strings.TrimSpace(v.ReferenceID) == "" {
			return fmt.Errorf("cloned voice needs a reference id: %w", errs.ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("voice mode %q must be preset or clone: %w", v.Kind, errs.ErrInvalidParameter)
	}
	return nil
}

func (v Voice) String() string {
	if v.Kind == VoiceCloned {
		return "clone:" + v.ReferenceID
	}
	return v.PresetID
}
