package voiceref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/transcribe"
)

const (
	silenceThreshold = 0.01
	normalizePeak    = 0.95
)

// OpenStore builds the store selected by cfg.Store.
func OpenStore(ctx context.Context, cfg config.ReferencesConfig) (Store, error) {
	switch cfg.Store {
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "memory", "":
		return NewMemoryStore(cfg.MaxEntries, retention(cfg)), nil
	default:
		return nil, fmt.Errorf("unknown reference store %q", cfg.Store)
	}
}

func retention(cfg config.ReferencesConfig) time.Duration {
	return time.Duration(cfg.RetentionHours) * time.Hour
}

// Manager registers and resolves reference clips.
type Manager struct {
	store      Store
	cfg        config.ReferencesConfig
	recognizer transcribe.Recognizer
	log        *slog.Logger
	clock      func() time.Time
	newID      func() string

	mu     sync.Mutex
	issued map[string]struct{}
}

// NewManager wires a manager over store. recognizer may be nil, in which case
// references keep whatever transcript the caller supplied.
func NewManager(cfg config.ReferencesConfig, store Store, recognizer transcribe.Recognizer, log *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		cfg:        cfg,
		recognizer: recognizer,
		log:        log.With(slog.String("component", "voiceref")),
		clock:      time.Now,
		newID:      uuid.NewString,
		issued:     make(map[string]struct{}),
	}
}

type registerOptions struct {
	refText string
}

// RegisterOption customises a single registration.
type RegisterOption func(*registerOptions)

// WithRefText records the transcript of the clip. When empty and a recognizer
// is configured, the transcript is produced automatically.
func WithRefText(text string) RegisterOption {
	return func(o *registerOptions) { o.refText = text }
}

// Register validates a clip and stores it under a fresh id.
func (m *Manager) Register(ctx context.Context, data []byte, declaredFormat string, opts ...RegisterOption) (Reference, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	format, err := NormalizeFormat(declaredFormat)
	if err != nil {
		return Reference{}, err
	}
	if m.cfg.MaxBytes > 0 && len(data) > m.cfg.MaxBytes {
		return Reference{}, fmt.Errorf("clip is %s, limit is %s: %w",
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(m.cfg.MaxBytes)), errs.ErrFileTooLarge)
	}
	if len(data) == 0 {
		return Reference{}, fmt.Errorf("clip is empty: %w", errs.ErrInvalidAudio)
	}

	pcm := audio.Layout{SampleRate: m.cfg.PCMSampleRate, Channels: m.cfg.PCMChannels, Format: audio.Int16}
	decoded, err := decode(data, format, pcm)
	if err != nil {
		if errors.Is(err, errs.ErrUnsupportedFormat) {
			return Reference{}, err
		}
		if !errors.Is(err, errs.ErrInvalidAudio) {
			err = fmt.Errorf("%v: %w", err, errs.ErrInvalidAudio)
		}
		return Reference{}, err
	}

	minDuration := time.Duration(m.cfg.MinDurationMS) * time.Millisecond
	if decoded.Duration() < minDuration {
		return Reference{}, fmt.Errorf("clip lasts %.2fs, minimum is %.2fs: %w",
			decoded.Seconds(), minDuration.Seconds(), errs.ErrInvalidAudio)
	}

	clip, err := m.condition(decoded)
	if err != nil {
		return Reference{}, err
	}

	id, err := m.uniqueID(ctx)
	if err != nil {
		return Reference{}, err
	}

	refText := o.refText
	if refText == "" && m.recognizer != nil {
		res, err := m.recognizer.Transcribe(ctx, clip)
		if err != nil {
			m.log.Warn("reference transcription failed", slog.String("reference_id", id), slog.String("error", err.Error()))
		} else {
			refText = res.Text
		}
	}

	now := m.clock().UTC()
	ref := Reference{
		ID:              id,
		Format:          format,
		SampleRate:      decoded.SampleRate,
		Channels:        decoded.Channels,
		DurationSeconds: decoded.Seconds(),
		SizeBytes:       len(data),
		RefText:         refText,
		CreatedAt:       now,
		ExpiresAt:       now.Add(retention(m.cfg)),
		Samples:         bytes.Clone(data),
		Clip:            clip,
	}
	if err := m.store.Put(ctx, ref); err != nil {
		return Reference{}, fmt.Errorf("store reference: %w", err)
	}
	m.log.Info("reference registered",
		slog.String("reference_id", id),
		slog.String("format", format),
		slog.Float64("duration_seconds", ref.DurationSeconds),
		slog.String("size", humanize.IBytes(uint64(len(data)))),
	)
	return ref, nil
}

// condition applies the configured trim and loudness normalisation and
// returns the clip as 16-bit PCM.
func (m *Manager) condition(b audio.Buffer) (audio.Buffer, error) {
	if m.cfg.TrimSilence {
		b = audio.TrimSilence(b, silenceThreshold)
		if b.Frames() == 0 {
			return audio.Buffer{}, fmt.Errorf("clip contains only silence: %w", errs.ErrInvalidAudio)
		}
	}
	if m.cfg.Normalize {
		if audio.Peak(b) == 0 {
			return audio.Buffer{}, fmt.Errorf("clip contains only silence: %w", errs.ErrInvalidAudio)
		}
		b = audio.Normalize(b, normalizePeak)
	}
	return audio.Convert(b, audio.Layout{SampleRate: b.SampleRate, Channels: b.Channels, Format: audio.Int16}), nil
}

// uniqueID returns an id never issued by this manager and absent from the
// store, so deleted or expired ids are not handed out again.
func (m *Manager) uniqueID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attempt := 0; attempt < 8; attempt++ {
		id := m.newID()
		if _, seen := m.issued[id]; seen {
			continue
		}
		_, err := m.store.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			m.issued[id] = struct{}{}
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check reference id: %w", err)
		}
	}
	return "", errors.New("could not allocate a unique reference id")
}

// Resolve returns the reference registered under id. Unknown and expired ids
// both report errs.ErrNotFound.
func (m *Manager) Resolve(ctx context.Context, id string) (Reference, error) {
	if id == "" {
		return Reference{}, fmt.Errorf("reference id is empty: %w", errs.ErrNotFound)
	}
	ref, err := m.store.Get(ctx, id)
	if err != nil {
		return Reference{}, err
	}
	if !m.clock().Before(ref.ExpiresAt) {
		if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			m.log.Warn("drop expired reference failed", slog.String("reference_id", id), slog.String("error", err.Error()))
		}
		return Reference{}, fmt.Errorf("reference %q expired: %w", id, errs.ErrNotFound)
	}
	return ref, nil
}

// Delete removes a reference before it expires.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// List returns the live references, oldest first.
func (m *Manager) List(ctx context.Context) ([]Reference, error) {
	refs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	live := refs[:0]
	for _, ref := range refs {
		if now.Before(ref.ExpiresAt) {
			live = append(live, ref)
		}
	}
	return live, nil
}

// Prune drops expired references from the store.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	n, err := m.store.Prune(ctx, m.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("expired references pruned", slog.Int("count", n))
	}
	return n, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
