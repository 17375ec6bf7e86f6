package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

const (
	MinSpeed       = 0.5
	MaxSpeed       = 2.0
	MinTemperature = 0.0
	MaxTemperature = 1.0
)

// NewSynthesizer builds the engine selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "openai":
		return NewOpenAISynth(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// Adapter validates parameters, invokes a Synthesizer for a single chunk and
// hands back audio in one fixed layout. It never retries.
type Adapter struct {
	synth   Synthesizer
	name    string
	model   string
	layout  audio.Layout
	timeout time.Duration
	logger  *slog.Logger
}

func NewAdapter(cfg config.TTSConfig, synth Synthesizer, log *slog.Logger) *Adapter {
	name := cfg.Mode
	if name == "" {
		name = "mock"
	}
	return &Adapter{
		synth:   synth,
		name:    name,
		model:   cfg.Model,
		layout:  audio.Layout{SampleRate: cfg.SampleRate, Channels: cfg.Channels, Format: audio.Int16},
		timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		logger:  log.With(slog.String("component", "tts-adapter")),
	}
}

// Layout is the format of every buffer the adapter returns.
func (a *Adapter) Layout() audio.Layout { return a.layout }

func (a *Adapter) Name() string { return a.name }

// SupportsCloning reports whether the engine accepts reference voices.
func (a *Adapter) SupportsCloning() bool {
	c, ok := a.synth.(Cloner)
	return ok && c.SupportsCloning()
}

// Model describes the active engine.
func (a *Adapter) Model() Model {
	id := a.model
	if a.name != "openai" || id == "" {
		id = a.name
	}
	return Model{
		ID:          id,
		Name:        a.name,
		Description: fmt.Sprintf("%s engine at %d Hz", a.name, a.layout.SampleRate),
		Cloning:     a.SupportsCloning(),
	}
}

// Validate checks voice and parameters without touching the engine.
func (a *Adapter) Validate(voice Voice, speed, temperature float64) error {
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("speed %v outside [%.1f, %.1f]: %w", speed, MinSpeed, MaxSpeed, errs.ErrInvalidParameter)
	}
	if math.IsNaN(temperature) || temperature < MinTemperature || temperature > MaxTemperature {
		return fmt.Errorf("temperature %v outside [%.1f, %.1f]: %w", temperature, MinTemperature, MaxTemperature, errs.ErrInvalidParameter)
	}
	if err := voice.Validate(); err != nil {
		return err
	}
	if voice.Kind == VoiceCloned && !a.SupportsCloning() {
		return fmt.Errorf("%s engine cannot clone voices: %w", a.name, errs.ErrInvalidParameter)
	}
	return nil
}

// Synthesize renders text in voice. ref must be the resolved reference when
// voice is cloned. Engine failures are reported as errs.ErrSynthesisEngine.
func (a *Adapter) Synthesize(ctx context.Context, jobID string, index int, text string, voice Voice, ref *voiceref.Reference, speed, temperature float64) (audio.Buffer, error) {
	if strings.TrimSpace(text) == "" {
		return audio.Buffer{}, fmt.Errorf("chunk text is empty: %w", errs.ErrInvalidInput)
	}
	if err := a.Validate(voice, speed, temperature); err != nil {
		return audio.Buffer{}, err
	}
	req := SynthRequest{
		JobID:       jobID,
		ChunkIndex:  index,
		Text:        text,
		Speed:       speed,
		Temperature: temperature,
	}
	switch voice.Kind {
	case VoicePreset:
		req.Voice = voice.PresetID
	case VoiceCloned:
		if ref == nil || ref.ID != voice.ReferenceID {
			return audio.Buffer{}, fmt.Errorf("reference %q was not resolved: %w", voice.ReferenceID, errs.ErrInvalidParameter)
		}
		req.Reference = ref
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	buf, err := a.collect(ctx, req)
	if err != nil {
		a.logger.Debug("synthesis failed",
			slog.String("job_id", jobID),
			slog.Int("chunk", index),
			slogError(err),
		)
		return audio.Buffer{}, fmt.Errorf("%s engine: %w: %w", a.name, errs.ErrSynthesisEngine, err)
	}
	a.logger.Debug("chunk synthesized",
		slog.String("job_id", jobID),
		slog.Int("chunk", index),
		slog.Duration("audio", buf.Duration()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return audio.Convert(buf, a.layout), nil
}

func (a *Adapter) collect(ctx context.Context, req SynthRequest) (audio.Buffer, error) {
	chunks, errCh := a.synth.Synthesize(ctx, req)
	var out audio.Buffer
	for chunks != nil || errCh != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if out.SampleRate == 0 {
				out = audio.Buffer{SampleRate: chunk.SampleRate, Channels: chunk.Channels, Format: audio.Int16}
			} else if chunk.SampleRate != out.SampleRate || chunk.Channels != out.Channels {
				drain(chunks, errCh)
				return audio.Buffer{}, fmt.Errorf("engine changed layout mid-stream (%d/%d to %d/%d)",
					out.SampleRate, out.Channels, chunk.SampleRate, chunk.Channels)
			}
			out.Samples = append(out.Samples, chunk.PCM...)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				drain(chunks, errCh)
				return audio.Buffer{}, err
			}
		case <-ctx.Done():
			drain(chunks, errCh)
			return audio.Buffer{}, ctx.Err()
		}
	}
	if out.SampleRate == 0 || len(out.Samples) == 0 {
		return audio.Buffer{}, errors.New("engine returned no audio")
	}
	if err := out.Validate(); err != nil {
		return audio.Buffer{}, err
	}
	return out, nil
}

// drain lets a producer goroutine finish after the consumer gave up.
func drain(chunks <-chan SynthChunk, errCh <-chan error) {
	go func() {
		if chunks != nil {
			for range chunks {
			}
		}
		if errCh != nil {
			for range errCh {
			}
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
