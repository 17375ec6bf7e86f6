package runtime

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/outputs"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

const recorderQueue = 1024

// recorder persists job timelines and saves finished audio. Events are queued
// so the pipeline never waits on disk.
type recorder struct {
	events  *eventstore.Store
	outputs *outputs.Store
	lookup  func(id string) (pipeline.Job, error)
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan pipeline.Event
	done   chan struct{}
}

func newRecorder(events *eventstore.Store, out *outputs.Store, lookup func(string) (pipeline.Job, error), log *slog.Logger) *recorder {
	r := &recorder{
		events:  events,
		outputs: out,
		lookup:  lookup,
		log:     log.With(slog.String("component", "recorder")),
		queue:   make(chan pipeline.Event, recorderQueue),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *recorder) ObserveEvent(evt pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- evt:
	default:
		r.log.Warn("recorder queue full, dropping event", slog.String("job_id", evt.JobID), slog.Int("seq", evt.Seq))
	}
}

// Close flushes queued events and stops the recorder.
func (r *recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *recorder) loop() {
	defer close(r.done)
	ctx := context.Background()
	for evt := range r.queue {
		r.record(ctx, evt)
	}
}

func (r *recorder) record(ctx context.Context, evt pipeline.Event) {
	if evt.Type == pipeline.EventSegmentInfo || evt.Type.Terminal() {
		rec := eventstore.JobRecord{JobID: evt.JobID, Status: string(evt.Status), Chunks: evt.Total, Reason: evt.Reason}
		if job, err := r.lookup(evt.JobID); err == nil {
			rec.Voice = job.Voice.String()
			rec.Characters = utf8.RuneCountInString(job.Text)
			rec.CreatedAt = job.CreatedAt
		}
		if err := r.events.UpsertJob(ctx, rec); err != nil {
			r.log.Warn("failed to record job", slog.String("job_id", evt.JobID), slogError(err))
		}
	}

	payload, err := sonic.Marshal(evt)
	if err != nil {
		r.log.Warn("failed to encode event", slog.String("job_id", evt.JobID), slogError(err))
		return
	}
	if err := r.events.AppendEvent(ctx, eventstore.Event{
		JobID:     evt.JobID,
		Seq:       evt.Seq,
		Type:      string(evt.Type),
		Payload:   payload,
		CreatedAt: evt.Time,
	}); err != nil {
		r.log.Warn("failed to record event", slog.String("job_id", evt.JobID), slogError(err))
	}

	if evt.Type.Terminal() && evt.Result != nil && r.outputs != nil {
		if _, err := r.outputs.Save(evt.JobID, evt.Result.Audio); err != nil {
			r.log.Warn("failed to save output", slog.String("job_id", evt.JobID), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
