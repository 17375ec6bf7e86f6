package busbridge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBridge(t *testing.T) (*Service, *bus.Client) {
	t.Helper()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.Default()
	cfg.Pipeline.RetryDelayMS = 0
	cfg.Segmenter.MaxChars = 100
	cfg.Segmenter.MinChars = 0
	synth := tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels)
	orch := pipeline.New(cfg, tts.NewAdapter(cfg.TTS, synth, newLogger()), nil, newLogger())

	svc := NewService(context.Background(), client, orch, newLogger())
	orch.AddObserver(svc)
	if err := svc.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, client
}

func TestRequestRunsJobAndPublishesProgress(t *testing.T) {
	svc, client := startBridge(t)
	if !svc.Healthy() {
		t.Fatal("expected bridge to be healthy")
	}

	progress := make(chan *nats.Msg, 64)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectJobProgressPrefix+".>", progress); err != nil {
		t.Fatalf("subscribe progress: %v", err)
	}
	done := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe(protocol.SubjectJobDone, done); err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, _ := sonic.Marshal(protocol.JobRequest{Text: "First sentence here. Second sentence follows.", Voice: "am_adam"})
	msg, err := client.Conn().Request(protocol.SubjectJobRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var accepted protocol.JobAccepted
	if err := sonic.Unmarshal(msg.Data, &accepted); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if accepted.JobID == "" || accepted.Error != "" {
		t.Fatalf("unexpected reply %+v", accepted)
	}

	select {
	case m := <-done:
		var d protocol.JobDone
		if err := sonic.Unmarshal(m.Data, &d); err != nil {
			t.Fatalf("decode done: %v", err)
		}
		if d.JobID != accepted.JobID || d.Status != string(pipeline.StatusCompleted) {
			t.Fatalf("unexpected done message %+v", d)
		}
		if d.DurationSeconds <= 0 {
			t.Fatalf("expected audio duration, got %v", d.DurationSeconds)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job done")
	}

	var seqs []int
	wantSubject := protocol.ProgressSubject(accepted.JobID)
	timeout := time.After(5 * time.Second)
	for len(seqs) < 3 {
		select {
		case m := <-progress:
			if m.Subject != wantSubject {
				t.Fatalf("progress on unexpected subject %q", m.Subject)
			}
			var p protocol.JobProgress
			if err := sonic.Unmarshal(m.Data, &p); err != nil {
				t.Fatalf("decode progress: %v", err)
			}
			seqs = append(seqs, p.Seq)
		case <-timeout:
			t.Fatalf("expected at least 3 progress messages, got %v", seqs)
		}
	}
	for i, s := range seqs {
		if s != i+1 {
			t.Fatalf("progress out of order: %v", seqs)
		}
	}
}

func TestRequestRejected(t *testing.T) {
	_, client := startBridge(t)

	speed := 3.0
	data, _ := sonic.Marshal(protocol.JobRequest{Text: "Too fast.", Speed: &speed})
	msg, err := client.Conn().Request(protocol.SubjectJobRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var accepted protocol.JobAccepted
	if err := sonic.Unmarshal(msg.Data, &accepted); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if accepted.JobID != "" || accepted.Code != "invalid_parameter" {
		t.Fatalf("expected invalid_parameter rejection, got %+v", accepted)
	}

	msg, err = client.Conn().Request(protocol.SubjectJobRequest, []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := sonic.Unmarshal(msg.Data, &accepted); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if accepted.Code != "invalid_input" {
		t.Fatalf("expected invalid_input for malformed payload, got %+v", accepted)
	}
}

func TestProgressCarriesChunk(t *testing.T) {
	p := Progress(pipeline.Event{
		Seq:   2,
		Type:  pipeline.EventChunkFailed,
		JobID: "job",
		Chunk: &pipeline.ChunkReport{Index: 0, Attempts: 3, Error: "boom"},
	})
	if p.ChunkIndex == nil || *p.ChunkIndex != 0 || p.Attempts != 3 || p.Reason != "boom" {
		t.Fatalf("unexpected progress %+v", p)
	}
	if p.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled")
	}
}
