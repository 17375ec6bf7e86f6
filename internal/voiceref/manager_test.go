package voiceref

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.ReferencesConfig {
	return config.Default().References
}

func wavClip(t *testing.T, d time.Duration) []byte {
	t.Helper()
	tone := audio.Tone(audio.Layout{SampleRate: 16000, Channels: 1, Format: audio.Int16}, 220, 0.4, d)
	data, err := audio.EncodeWAV(tone)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

func newManager(t *testing.T, cfg config.ReferencesConfig, rec transcribe.Recognizer) *Manager {
	t.Helper()
	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m := NewManager(cfg, store, rec, newLogger())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRegisterTwoSecondClip(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	ref, err := m.Register(context.Background(), wavClip(t, 2*time.Second), "wav", WithRefText("hello"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref.ID == "" {
		t.Fatal("expected an id")
	}
	if ref.DurationSeconds != 2 {
		t.Fatalf("expected 2s, got %v", ref.DurationSeconds)
	}
	if ref.SampleRate != 16000 || ref.Channels != 1 {
		t.Fatalf("unexpected layout %d/%d", ref.SampleRate, ref.Channels)
	}

	got, err := m.Resolve(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.RefText != "hello" {
		t.Fatalf("unexpected ref text %q", got.RefText)
	}
	if got.Clip.Format != audio.Int16 || got.Clip.Frames() == 0 {
		t.Fatalf("unexpected clip %+v", got.Clip.Layout())
	}
	if peak := audio.Peak(got.Clip); peak < 0.9 {
		t.Fatalf("expected normalized clip, peak %v", peak)
	}
}

func TestRegisterShortClip(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	_, err := m.Register(context.Background(), wavClip(t, 300*time.Millisecond), "audio/wav")
	if !errors.Is(err, errs.ErrInvalidAudio) {
		t.Fatalf("expected invalid audio, got %v", err)
	}
}

func TestRegisterUnsupportedFormat(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	_, err := m.Register(context.Background(), []byte("ID3...."), "mp3")
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestRegisterTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytes = 1024
	m := newManager(t, cfg, nil)
	_, err := m.Register(context.Background(), wavClip(t, 2*time.Second), "wav")
	if !errors.Is(err, errs.ErrFileTooLarge) {
		t.Fatalf("expected file too large, got %v", err)
	}
}

func TestRegisterGarbageWAV(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	_, err := m.Register(context.Background(), []byte("definitely not a wave file"), "wav")
	if !errors.Is(err, errs.ErrInvalidAudio) {
		t.Fatalf("expected invalid audio, got %v", err)
	}
}

func TestRegisterSilentClip(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	silent, err := audio.EncodeWAV(audio.Silence(audio.Layout{SampleRate: 16000, Channels: 1, Format: audio.Int16}, 2*time.Second))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := m.Register(context.Background(), silent, "wav"); !errors.Is(err, errs.ErrInvalidAudio) {
		t.Fatalf("expected invalid audio, got %v", err)
	}
}

func TestRegisterRawPCMAndG711(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	tone := audio.Tone(audio.Layout{SampleRate: 24000, Channels: 1, Format: audio.Int16}, 300, 0.5, 1500*time.Millisecond)

	ref, err := m.Register(context.Background(), tone.Samples, "pcm")
	if err != nil {
		t.Fatalf("register pcm: %v", err)
	}
	if ref.Format != FormatPCM || ref.SampleRate != 24000 {
		t.Fatalf("unexpected pcm reference %+v", ref)
	}

	ulaw := audio.EncodeUlaw(tone)
	ref, err = m.Register(context.Background(), ulaw, "audio/PCMU")
	if err != nil {
		t.Fatalf("register ulaw: %v", err)
	}
	if ref.Format != FormatUlaw || ref.SampleRate != audio.G711Rate {
		t.Fatalf("unexpected ulaw reference %+v", ref)
	}
}

func TestIDsAreUnique(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	ids := []string{"dup", "dup", "fresh"}
	m.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	first, err := m.Register(context.Background(), wavClip(t, time.Second), "wav")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := m.Register(context.Background(), wavClip(t, time.Second), "wav")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.ID != "dup" || second.ID != "fresh" {
		t.Fatalf("unexpected ids %q %q", first.ID, second.ID)
	}
}

func TestResolveUnknownAndExpired(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	if _, err := m.Resolve(context.Background(), "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return base }
	ref, err := m.Register(context.Background(), wavClip(t, 2*time.Second), "wav")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	m.clock = func() time.Time { return base.Add(25 * time.Hour) }
	if _, err := m.Resolve(context.Background(), ref.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected expired reference to be not found, got %v", err)
	}
}

func TestTranscriptFilledByRecognizer(t *testing.T) {
	rec, err := transcribe.New(config.TranscribeConfig{Enabled: true, Mode: "mock"})
	if err != nil {
		t.Fatalf("recognizer: %v", err)
	}
	cfg := testConfig()
	cfg.TrimSilence = false
	m := newManager(t, cfg, rec)
	ref, err := m.Register(context.Background(), wavClip(t, 2*time.Second), "wav")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ref.RefText != "[transcript 2.0s]" {
		t.Fatalf("unexpected transcript %q", ref.RefText)
	}
}

func TestSQLiteStorePersistsAndPrunes(t *testing.T) {
	cfg := testConfig()
	cfg.Store = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "refs.db")
	m := newManager(t, cfg, nil)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return base }
	ref, err := m.Register(context.Background(), wavClip(t, 2*time.Second), "wav", WithRefText("stored"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := m.Resolve(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.RefText != "stored" || got.Clip.Frames() != ref.Clip.Frames() {
		t.Fatalf("unexpected stored reference %+v", got)
	}
	if len(got.Samples) != ref.SizeBytes {
		t.Fatalf("expected original payload of %d bytes, got %d", ref.SizeBytes, len(got.Samples))
	}

	refs, err := m.List(context.Background())
	if err != nil || len(refs) != 1 {
		t.Fatalf("expected one listed reference, got %d (%v)", len(refs), err)
	}

	m.clock = func() time.Time { return base.Add(48 * time.Hour) }
	n, err := m.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned reference, got %d", n)
	}
	if err := m.Delete(context.Background(), ref.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found after prune, got %v", err)
	}
}

func TestNormalizeFormat(t *testing.T) {
	cases := map[string]string{
		"WAV":               FormatWAV,
		"audio/x-wav":       FormatWAV,
		"clip.wav":          FormatWAV,
		"audio/L16; rate=8": FormatPCM,
		"mulaw":             FormatUlaw,
		"PCMA":              FormatAlaw,
	}
	for in, want := range cases {
		got, err := NormalizeFormat(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := NormalizeFormat("ogg"); !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestResolveReturnsOriginalBytes(t *testing.T) {
	for _, store := range []string{"memory", "sqlite"} {
		t.Run(store, func(t *testing.T) {
			cfg := testConfig()
			cfg.Store = store
			cfg.Path = filepath.Join(t.TempDir(), "refs.db")
			m := newManager(t, cfg, nil)
			ctx := context.Background()

			upload := wavClip(t, 2*time.Second)
			original := bytes.Clone(upload)
			ref, err := m.Register(ctx, upload, "wav")
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			// The caller reuses its buffer after registering.
			upload[100] ^= 0xff

			got, err := m.Resolve(ctx, ref.ID)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if !bytes.Equal(got.Samples, original) {
				t.Fatal("resolved samples differ from the registered payload")
			}

			got.Samples[100] ^= 0xff
			again, err := m.Resolve(ctx, ref.ID)
			if err != nil {
				t.Fatalf("resolve again: %v", err)
			}
			if !bytes.Equal(again.Samples, original) {
				t.Fatal("mutating a resolved reference changed the stored payload")
			}
		})
	}
}

func TestDeletedIDsAreNotReissued(t *testing.T) {
	m := newManager(t, testConfig(), nil)
	ids := []string{"ref-a", "ref-a", "ref-b"}
	m.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	ctx := context.Background()

	first, err := m.Register(ctx, wavClip(t, 2*time.Second), "wav")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := m.Register(ctx, wavClip(t, 2*time.Second), "wav")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if first.ID != "ref-a" || second.ID != "ref-b" {
		t.Fatalf("expected ref-a then ref-b, got %q then %q", first.ID, second.ID)
	}
}
