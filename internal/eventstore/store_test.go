package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendEvent(ctx, Event{JobID: "job", Type: "chunk_done"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	events, err := es.ListJobEvents(ctx, "job", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	jobID := "job-123"
	if err := es.UpsertJob(ctx, JobRecord{JobID: jobID, Status: "running", Voice: "af_heart", Chunks: 2, Characters: 120}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	// Inserted out of order; the query sorts by seq.
	for _, seq := range []int{2, 1, 3} {
		if err := es.AppendEvent(ctx, Event{JobID: jobID, Seq: seq, Type: "chunk_done", Payload: []byte{byte('0' + seq)}}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListJobEvents(ctx, jobID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != i+1 || string(e.Payload) != string(rune('1'+i)) {
			t.Fatalf("unexpected event %d: seq=%d payload=%s", i, e.Seq, e.Payload)
		}
		if e.CreatedAt.IsZero() {
			t.Fatalf("event %d lost its timestamp", i)
		}
	}

	if err := es.UpsertJob(ctx, JobRecord{JobID: jobID, Status: "completed"}); err != nil {
		t.Fatalf("update job: %v", err)
	}
	rec, ok, err := es.GetJob(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("get job: %v %v", ok, err)
	}
	if rec.Status != "completed" || rec.Voice != "af_heart" || rec.Chunks != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, ok, _ := es.GetJob(ctx, "missing"); ok {
		t.Fatal("expected unknown job to be absent")
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.UpsertJob(ctx, JobRecord{JobID: "old-job", Status: "completed"}); err != nil {
		t.Fatalf("upsert job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "old-job", Seq: 1, Type: "complete"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"new-job", "newer-job"} {
		if err := es.UpsertJob(ctx, JobRecord{JobID: id, Status: "completed"}); err != nil {
			t.Fatalf("upsert job: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListJobEvents(ctx, "old-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old events pruned, got %d", len(events))
	}
	if _, ok, _ := es.GetJob(ctx, "new-job"); ok {
		t.Fatal("expected max_jobs to drop the older of the recent jobs")
	}
	if _, ok, _ := es.GetJob(ctx, "newer-job"); !ok {
		t.Fatal("expected newest job to survive")
	}
}

func TestSessionModeStartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	persistent, err := Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "persistent"}, newLogger())
	if err != nil {
		t.Fatalf("open persistent: %v", err)
	}
	if err := persistent.AppendEvent(ctx, Event{JobID: "earlier", Seq: 0, Type: "segment_info"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = persistent.Close()

	reopened, err := Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "persistent"}, newLogger())
	if err != nil {
		t.Fatalf("reopen persistent: %v", err)
	}
	if _, ok, _ := reopened.GetJob(ctx, "earlier"); !ok {
		t.Fatal("persistent mode should keep history across restarts")
	}
	_ = reopened.Close()

	session, err := Open(ctx, config.EventStoreConfig{Path: path, RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	if _, ok, _ := session.GetJob(ctx, "earlier"); ok {
		t.Fatal("session mode should start from an empty history")
	}
}

func TestAppendEventCreatesPlaceholderJob(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	for i := 0; i < 2; i++ {
		if err := es.AppendEvent(ctx, Event{JobID: "early", Seq: 0, Type: "segment_info"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	rec, ok, err := es.GetJob(ctx, "early")
	if err != nil || !ok || rec.Status != "pending" {
		t.Fatalf("expected placeholder job, got %+v %v %v", rec, ok, err)
	}
	events, _ := es.ListJobEvents(ctx, "early", 0)
	if len(events) != 1 {
		t.Fatalf("duplicate seq should be ignored, got %d events", len(events))
	}

	if err := es.UpsertJob(ctx, JobRecord{JobID: "early", Status: "running", Voice: "af_heart", Chunks: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := es.UpsertJob(ctx, JobRecord{JobID: "early", Status: "failed", Reason: "engine down"}); err != nil {
		t.Fatalf("upsert terminal: %v", err)
	}
	rec, _, _ = es.GetJob(ctx, "early")
	if rec.Voice != "af_heart" || rec.Chunks != 3 || rec.Reason != "engine down" {
		t.Fatalf("terminal upsert should keep earlier details: %+v", rec)
	}
}
