package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/api"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.RetryDelayMS = 0
	cfg.Segmenter.MaxChars = 100
	cfg.Segmenter.MinChars = 0

	synth := tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels)
	refs := voiceref.NewManager(cfg.References, voiceref.NewMemoryStore(16, time.Hour), nil, newLogger())
	orch := pipeline.New(cfg, tts.NewAdapter(cfg.TTS, synth, newLogger()), refs, newLogger())
	hub := api.NewHub(newLogger())
	orch.AddObserver(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(api.New(ctx, cfg, api.Deps{Orchestrator: orch, Hub: hub, References: refs}, newLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(url, 10*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com", time.Second); err == nil {
		t.Fatal("expected error for non-http url")
	}
}

func TestWaitHealthyRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	if err := c.WaitHealthy(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("wait healthy: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected retries, got %d calls", calls.Load())
	}
}

func TestCatalogAndGenerate(t *testing.T) {
	c := newClient(t, newServer(t).URL)
	ctx := context.Background()

	voices, err := c.Voices(ctx)
	if err != nil || len(voices) != 7 {
		t.Fatalf("voices: %v %v", voices, err)
	}
	models, err := c.Models(ctx)
	if err != nil || len(models) != 1 {
		t.Fatalf("models: %v %v", models, err)
	}

	gen, err := c.Generate(ctx, pipeline.Options{Text: "A short line to narrate."})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var wav bytes.Buffer
	if _, err := c.Download(ctx, gen.JobID, &wav); err != nil {
		t.Fatalf("download: %v", err)
	}
	buf, err := audio.DecodeWAV(wav.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.Seconds() <= 0 {
		t.Fatal("expected audio")
	}

	speed := 3.0
	_, err = c.Generate(ctx, pipeline.Options{Text: "Too fast.", Speed: &speed})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid_parameter" {
		t.Fatalf("expected invalid_parameter API error, got %v", err)
	}

	if _, err := c.Job(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJobStream(t *testing.T) {
	c := newClient(t, newServer(t).URL)
	ctx := context.Background()

	job, err := c.CreateJob(ctx, pipeline.Options{Text: "First part of the story. Second part of the story."})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	var events []pipeline.Event
	if err := c.Stream(ctx, job.ID, func(evt pipeline.Event) { events = append(events, evt) }); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != pipeline.EventComplete {
		t.Fatalf("unexpected events %+v", events)
	}

	final, err := c.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if final.Status != pipeline.StatusCompleted || final.AudioURL == "" {
		t.Fatalf("unexpected final job %+v", final)
	}
}

func TestUploadReference(t *testing.T) {
	c := newClient(t, newServer(t).URL)
	clip, err := audio.EncodeWAV(audio.Tone(audio.Layout{SampleRate: 16000, Channels: 1, Format: audio.Int16}, 200, 0.5, 2*time.Second))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "me.wav")
	if err := os.WriteFile(path, clip, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	ref, err := c.UploadReference(context.Background(), path, "", "testing one two")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.ID == "" || ref.RefText != "testing one two" {
		t.Fatalf("unexpected reference %+v", ref)
	}
	got, err := c.Reference(context.Background(), ref.ID)
	if err != nil || got.ID != ref.ID {
		t.Fatalf("reference lookup: %+v %v", got, err)
	}
}

func TestStreamResumesAfterServerDrop(t *testing.T) {
	events := []pipeline.Event{
		{JobID: "j", Seq: 1, Type: pipeline.EventSegmentInfo},
		{JobID: "j", Seq: 2, Type: pipeline.EventChunkDone},
		{JobID: "j", Seq: 3, Type: pipeline.EventComplete, Status: pipeline.StatusCompleted},
	}
	var (
		upgrader websocket.Upgrader
		conns    atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		deadline := time.Now().Add(time.Second)
		if conns.Add(1) == 1 {
			// First session falls behind after two events.
			for _, evt := range events[:2] {
				_ = conn.WriteJSON(evt)
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"), deadline)
			return
		}
		// The resumed session replays everything.
		for _, evt := range events {
			_ = conn.WriteJSON(evt)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"), deadline)
	}))
	defer srv.Close()

	var seqs []int
	if err := newClient(t, srv.URL).Stream(context.Background(), "j", func(evt pipeline.Event) {
		seqs = append(seqs, evt.Seq)
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("expected each event once in order, got %v", seqs)
	}
	if conns.Load() != 2 {
		t.Fatalf("expected one reconnect, got %d connections", conns.Load())
	}
}
