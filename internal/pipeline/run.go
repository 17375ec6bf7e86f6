package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/stitch"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type chunkResult struct {
	index    int
	chars    int
	buf      audio.Buffer
	attempts int
	err      error
	// skipped marks chunks that were never sent to the engine because the
	// job stopped first.
	skipped bool
}

type collection struct {
	stitched  []int
	durations []float64
	failed    []ChunkFailure
	stitchErr error
	// result is the stitched audio; finish decides whether the job keeps it.
	result *Result
}

func (o *Orchestrator) emit(st *jobState, out chan<- Event, evt Event, update func(*Job)) {
	st.mu.Lock()
	if update != nil {
		update(&st.job)
	}
	st.seq++
	evt.Seq = st.seq
	evt.JobID = st.job.ID
	evt.Total = len(st.job.Chunks)
	evt.Completed = st.job.CompletedChunks
	evt.Time = o.clock().UTC()
	st.mu.Unlock()

	for _, obs := range o.observerList() {
		obs.ObserveEvent(evt)
	}
	out <- evt
}

func (o *Orchestrator) run(ctx context.Context, st *jobState, out chan<- Event) {
	defer close(out)

	job := st.snapshot()
	ctx, span := o.tracer.Start(ctx, "pipeline.run_job", trace.WithAttributes(
		attribute.String("narrator.job_id", job.ID),
		attribute.Int("narrator.chunks", len(job.Chunks)),
		attribute.String("narrator.voice", job.Voice.String()),
	))
	defer span.End()
	start := time.Now()

	if o.lease != nil {
		if err := o.lease.Acquire(ctx, 1); err != nil {
			o.finish(ctx, st, out, collection{}, start)
			return
		}
		defer o.lease.Release(1)
	}
	if ctx.Err() != nil {
		o.finish(ctx, st, out, collection{}, start)
		return
	}

	o.emit(st, out, Event{Type: EventSegmentInfo, Chunks: job.Chunks, Status: StatusRunning}, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = o.clock().UTC()
	})
	o.logger.Info("job started", slog.String("job_id", job.ID), slog.Int("chunks", len(job.Chunks)), slog.Int("workers", o.workers))

	stitcher, err := stitch.New(o.adapter.Layout(), job.BoundaryGapMS)
	if err != nil {
		o.finish(ctx, st, out, collection{stitchErr: err}, start)
		return
	}

	results := make(chan chunkResult, len(job.Chunks))
	collected := make(chan collection, 1)
	go func() {
		collected <- o.collect(st, out, results, stitcher)
	}()

	var halt atomic.Bool
	stopped := func() bool { return halt.Load() || ctx.Err() != nil }

	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for _, chunk := range job.Chunks {
		if stopped() {
			break
		}
		g.Go(func() error {
			if stopped() {
				results <- chunkResult{index: chunk.Index, skipped: true}
				return nil
			}
			res := o.synthesizeChunk(ctx, st, job, chunk)
			if res.err != nil && !res.skipped && (!job.AllowPartial || chunk.Index == 0) {
				halt.Store(true)
			}
			results <- res
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	c := <-collected
	// Audio is only assembled when the job can end up holding it.
	keep := len(c.stitched) == len(job.Chunks) || job.AllowPartial
	if c.stitchErr == nil && len(c.stitched) > 0 && keep {
		buf, err := stitcher.Result()
		if err != nil {
			c.stitchErr = err
		} else {
			c.result = &Result{
				Audio:           buf,
				DurationSeconds: buf.Seconds(),
				Format:          "wav",
				SampleRate:      buf.SampleRate,
				Channels:        buf.Channels,
				Chunks:          c.stitched,
				ChunkDurations:  c.durations,
			}
		}
	}
	o.finish(ctx, st, out, c, start)
}

// collect consumes chunk results, emits their events in index order and feeds
// successful buffers to the stitcher in that same order.
func (o *Orchestrator) collect(st *jobState, out chan<- Event, results <-chan chunkResult, stitcher *stitch.Stitcher) collection {
	var c collection
	pending := make(map[int]chunkResult)
	next := 0

	handle := func(res chunkResult) {
		switch {
		case res.skipped:
		case res.err == nil:
			if c.stitchErr == nil {
				if err := stitcher.Append(res.buf); err != nil {
					c.stitchErr = err
				}
			}
			c.stitched = append(c.stitched, res.index)
			c.durations = append(c.durations, res.buf.Seconds())
			o.emit(st, out, Event{
				Type: EventChunkDone,
				Chunk: &ChunkReport{
					Index:           res.index,
					CharCount:       res.chars,
					Attempts:        res.attempts,
					DurationSeconds: res.buf.Seconds(),
				},
			}, func(j *Job) { j.CompletedChunks++ })
		default:
			failure := ChunkFailure{
				Index:    res.index,
				Attempts: res.attempts,
				Code:     errs.Code(res.err),
				Error:    res.err.Error(),
			}
			c.failed = append(c.failed, failure)
			o.emit(st, out, Event{
				Type: EventChunkFailed,
				Chunk: &ChunkReport{
					Index:     res.index,
					CharCount: res.chars,
					Attempts:  res.attempts,
					Code:      failure.Code,
					Error:     failure.Error,
				},
			}, func(j *Job) { j.Failed = append(j.Failed, failure) })
		}
	}

	for res := range results {
		pending[res.index] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			handle(r)
			next++
		}
	}

	// Whatever is left sits behind a chunk that was never dispatched.
	rest := make([]int, 0, len(pending))
	for idx := range pending {
		rest = append(rest, idx)
	}
	sort.Ints(rest)
	for _, idx := range rest {
		handle(pending[idx])
	}
	return c
}

func (o *Orchestrator) synthesizeChunk(ctx context.Context, st *jobState, job Job, chunk segment.TextChunk) chunkResult {
	ctx, span := o.tracer.Start(ctx, "pipeline.synthesize_chunk", trace.WithAttributes(
		attribute.String("narrator.job_id", job.ID),
		attribute.Int("narrator.chunk.index", chunk.Index),
		attribute.Int("narrator.chunk.chars", chunk.CharCount),
	))
	defer span.End()

	attempts := 0
	operation := func() (audio.Buffer, error) {
		attempts++
		// In-flight calls are not preempted by cancellation.
		buf, err := o.adapter.Synthesize(context.WithoutCancel(ctx), job.ID, chunk.Index, chunk.Content,
			job.Voice, st.ref, job.Speed, job.Temperature)
		if err != nil && !errors.Is(err, errs.ErrSynthesisEngine) {
			return audio.Buffer{}, backoff.Permanent(err)
		}
		return buf, err
	}
	notify := func(err error, next time.Duration) {
		o.metrics.chunkRetried(ctx)
		o.logger.Warn("chunk synthesis failed, retrying",
			slog.String("job_id", job.ID),
			slog.Int("chunk", chunk.Index),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", next),
			slogError(err),
		)
	}

	buf, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(o.retryDelay)),
		backoff.WithMaxTries(uint(o.retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	res := chunkResult{index: chunk.Index, chars: chunk.CharCount, attempts: attempts}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, errs.ErrSynthesisEngine) {
			// Cancelled while waiting to retry.
			res.skipped = true
			span.SetStatus(codes.Error, "cancelled")
			return res
		}
		res.err = &errs.ChunkError{Index: chunk.Index, Attempts: attempts, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk failed")
		o.metrics.chunkFailed(ctx)
		o.logger.Error("chunk synthesis failed",
			slog.String("job_id", job.ID),
			slog.Int("chunk", chunk.Index),
			slog.Int("attempts", attempts),
			slogError(err),
		)
		return res
	}
	o.metrics.chunkSynthesized(ctx, buf.Seconds())
	res.buf = buf
	return res
}

// finish decides the terminal status and emits the terminal event.
func (o *Orchestrator) finish(ctx context.Context, st *jobState, out chan<- Event, c collection, start time.Time) {
	job := st.snapshot()
	total := len(job.Chunks)
	failedFirst := false
	for _, f := range c.failed {
		if f.Index == 0 {
			failedFirst = true
		}
	}

	var (
		status Status
		reason string
		result = c.result
	)
	switch {
	case c.stitchErr != nil:
		status = StatusFailed
		reason = c.stitchErr.Error()
	case len(c.stitched) == total && total > 0:
		status = StatusCompleted
	case ctx.Err() != nil:
		status = StatusFailed
		reason = ReasonCancelled
	case failedFirst || len(c.stitched) == 0:
		status = StatusFailed
		reason = failureReason(c.failed)
	default:
		status = StatusPartialFailure
		reason = failureReason(c.failed)
	}

	switch {
	case status == StatusCompleted:
	case status == StatusPartialFailure && job.AllowPartial && result != nil:
		partial := *result
		partial.Partial = true
		result = &partial
	default:
		result = nil
	}

	evtType := EventFailed
	switch status {
	case StatusCompleted:
		evtType = EventComplete
	case StatusPartialFailure:
		evtType = EventPartialFailure
	}
	evt := Event{
		Type:   evtType,
		Status: status,
		Failed: c.failed,
		Reason: reason,
		Result: result,
	}
	if result != nil {
		evt.DurationSeconds = result.DurationSeconds
	}
	o.emit(st, out, evt, func(j *Job) {
		j.Status = status
		j.Reason = reason
		j.Result = result
		j.FinishedAt = o.clock().UTC()
	})

	elapsed := time.Since(start)
	o.metrics.jobFinished(ctx, status, elapsed)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("narrator.status", string(status)))
	if status != StatusCompleted {
		span.SetStatus(codes.Error, reason)
	}
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Int("chunks", total),
		slog.Int("stitched", len(c.stitched)),
		slog.Duration("elapsed", elapsed),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	if result != nil {
		attrs = append(attrs, slog.Float64("audio_seconds", result.DurationSeconds))
	}
	o.logger.Info("job finished", attrs...)
}

func failureReason(failed []ChunkFailure) string {
	if len(failed) == 0 {
		return "no chunk was synthesized"
	}
	if len(failed) == 1 {
		return failed[0].Error
	}
	return fmt.Sprintf("%d chunks failed; %s", len(failed), failed[0].Error)
}
