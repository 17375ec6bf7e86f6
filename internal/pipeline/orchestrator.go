// Package pipeline turns text into stitched speech: it segments the text,
// synthesizes each chunk with bounded retries and concurrency, and reports
// progress as an ordered stream of events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/pipeline"

// References is the subset of the reference manager the orchestrator needs.
type References interface {
	Register(ctx context.Context, data []byte, format string, opts ...voiceref.RegisterOption) (voiceref.Reference, error)
	Resolve(ctx context.Context, id string) (voiceref.Reference, error)
}

type jobState struct {
	mu      sync.Mutex
	job     Job
	ref     *voiceref.Reference
	started bool
	// cancelRequested is set when Cancel arrives before the job runs.
	cancelRequested bool
	cancel          context.CancelCauseFunc
	seq             int
}

func (st *jobState) snapshot() Job {
	st.mu.Lock()
	defer st.mu.Unlock()
	job := st.job
	job.Failed = append([]ChunkFailure(nil), st.job.Failed...)
	return job
}

// Orchestrator owns jobs from creation to a terminal status.
type Orchestrator struct {
	cfg          config.PipelineConfig
	defaultVoice string
	segmenter    segment.Options
	adapter      *tts.Adapter
	refs         References
	workers      int
	retries      int
	retryDelay   time.Duration
	retention    time.Duration
	// lease serializes whole jobs on engines that are not reentrant.
	lease *semaphore.Weighted

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	clock   func() time.Time
	newID   func() string

	mu        sync.RWMutex
	jobs      map[string]*jobState
	observers []Observer
}

// New builds an orchestrator. refs may be nil when voice cloning is not offered.
func New(cfg config.Config, adapter *tts.Adapter, refs References, log *slog.Logger) *Orchestrator {
	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}
	o := &Orchestrator{
		cfg:          cfg.Pipeline,
		defaultVoice: cfg.TTS.Voice,
		segmenter:    segment.Options{MaxChars: cfg.Segmenter.MaxChars, MinChars: cfg.Segmenter.MinChars},
		adapter:      adapter,
		refs:         refs,
		workers:      workers,
		retries:      cfg.Pipeline.Retries,
		retryDelay:   time.Duration(cfg.Pipeline.RetryDelayMS) * time.Millisecond,
		retention:    time.Duration(cfg.Pipeline.JobRetentionMinutes) * time.Minute,
		logger:       log.With(slog.String("component", "pipeline")),
		tracer:       otel.Tracer(instrumentationName),
		clock:        time.Now,
		newID:        uuid.NewString,
		jobs:         make(map[string]*jobState),
	}
	if !cfg.TTS.Reentrant {
		o.workers = 1
		o.lease = semaphore.NewWeighted(1)
	}
	m, err := newMetrics(otel.Meter(instrumentationName), o.activeJobs)
	if err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	}
	o.metrics = m
	return o
}

// AddObserver registers o to receive every future event.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

func (o *Orchestrator) observerList() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.observers
}

// CreateJob validates req, segments its text and records a pending job.
func (o *Orchestrator) CreateJob(ctx context.Context, req Request) (Job, error) {
	text := strings.TrimSpace(norm.NFC.String(req.Text))
	if text == "" {
		return Job{}, fmt.Errorf("text is empty: %w", errs.ErrInvalidInput)
	}
	if limit := o.cfg.MaxTextChars; limit > 0 {
		if n := utf8.RuneCountInString(text); n > limit {
			return Job{}, fmt.Errorf("text has %d characters, limit is %d: %w", n, limit, errs.ErrInvalidInput)
		}
	}
	if req.BoundaryGapMS < 0 {
		return Job{}, fmt.Errorf("boundary gap %dms is negative: %w", req.BoundaryGapMS, errs.ErrInvalidInput)
	}
	if err := o.adapter.Validate(req.Voice, req.Speed, req.Temperature); err != nil {
		return Job{}, err
	}

	var ref *voiceref.Reference
	if req.Voice.Kind == tts.VoiceCloned {
		if o.refs == nil {
			return Job{}, fmt.Errorf("voice cloning is not configured: %w", errs.ErrInvalidParameter)
		}
		resolved, err := o.refs.Resolve(ctx, req.Voice.ReferenceID)
		if err != nil {
			return Job{}, err
		}
		ref = &resolved
	}

	chunks, err := segment.Split(text, o.segmenter)
	if err != nil {
		return Job{}, err
	}

	st := &jobState{
		ref: ref,
		job: Job{
			ID:            o.newID(),
			Text:          text,
			Chunks:        chunks,
			Voice:         req.Voice,
			Speed:         req.Speed,
			Temperature:   req.Temperature,
			BoundaryGapMS: req.BoundaryGapMS,
			AllowPartial:  req.AllowPartial,
			Status:        StatusPending,
			CreatedAt:     o.clock().UTC(),
		},
	}

	o.mu.Lock()
	o.jobs[st.job.ID] = st
	o.mu.Unlock()

	o.logger.Info("job created",
		slog.String("job_id", st.job.ID),
		slog.Int("chunks", len(chunks)),
		slog.Int("characters", utf8.RuneCountInString(text)),
		slog.String("voice", req.Voice.String()),
	)
	return st.snapshot(), nil
}

func (o *Orchestrator) lookup(id string) (*jobState, error) {
	o.mu.RLock()
	st, ok := o.jobs[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %q: %w", id, errs.ErrNotFound)
	}
	return st, nil
}

// RunJob starts a pending job and returns its event stream. The stream is
// one-shot: it ends after the terminal event and a job can be run only once.
// Cancelling ctx cancels the job.
func (o *Orchestrator) RunJob(ctx context.Context, id string) (<-chan Event, error) {
	st, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.started {
		st.mu.Unlock()
		return nil, fmt.Errorf("job %q already started: %w", id, errs.ErrInvalidInput)
	}
	st.started = true
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	st.cancel = cancel
	if st.cancelRequested {
		cancel(errs.ErrCancelled)
	}
	total := len(st.job.Chunks)
	st.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { cancel(errs.ErrCancelled) })

	// segment_info, one event per chunk and the terminal event.
	out := make(chan Event, total+2)
	go func() {
		defer stop()
		defer cancel(nil)
		o.run(runCtx, st, out)
	}()
	return out, nil
}

// Cancel stops dispatching further chunks of a job. In-flight synthesis is
// allowed to finish; the job then fails with reason "cancelled". Cancelling a
// finished job is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	st, err := o.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.job.Status.Terminal() {
		return nil
	}
	if st.cancel != nil {
		st.cancel(errs.ErrCancelled)
	} else {
		st.cancelRequested = true
	}
	o.logger.Info("job cancellation requested", slog.String("job_id", id))
	return nil
}

// Job returns a snapshot of the job.
func (o *Orchestrator) Job(id string) (Job, error) {
	st, err := o.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return st.snapshot(), nil
}

// Jobs returns snapshots of every known job, oldest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.RLock()
	states := make([]*jobState, 0, len(o.jobs))
	for _, st := range o.jobs {
		states = append(states, st)
	}
	o.mu.RUnlock()

	jobs := make([]Job, 0, len(states))
	for _, st := range states {
		jobs = append(jobs, st.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// Forget drops a finished job and its audio.
func (o *Orchestrator) Forget(id string) error {
	st, err := o.lookup(id)
	if err != nil {
		return err
	}
	if status := st.snapshot().Status; !status.Terminal() {
		return fmt.Errorf("job %q is %s: %w", id, status, errs.ErrInvalidInput)
	}
	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()
	return nil
}

// Prune forgets finished jobs older than the configured retention and
// returns their ids.
func (o *Orchestrator) Prune() []string {
	if o.retention <= 0 {
		return nil
	}
	cutoff := o.clock().Add(-o.retention)
	var removed []string
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, st := range o.jobs {
		job := st.snapshot()
		if job.Status.Terminal() && job.FinishedAt.Before(cutoff) {
			delete(o.jobs, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (o *Orchestrator) activeJobs() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var n int64
	for _, st := range o.jobs {
		st.mu.Lock()
		if st.job.Status == StatusRunning {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// ListPresets returns the built-in voices.
func (o *Orchestrator) ListPresets() []tts.Preset {
	return tts.Presets()
}

// Models describes the active engine.
func (o *Orchestrator) Models() []tts.Model {
	return []tts.Model{o.adapter.Model()}
}

// RegisterReference stores a reference clip for later cloned-voice jobs.
func (o *Orchestrator) RegisterReference(ctx context.Context, data []byte, format, refText string) (voiceref.Reference, error) {
	if o.refs == nil {
		return voiceref.Reference{}, fmt.Errorf("voice cloning is not configured: %w", errs.ErrInvalidParameter)
	}
	return o.refs.Register(ctx, data, format, voiceref.WithRefText(refText))
}

// ResolveReference returns a registered reference.
func (o *Orchestrator) ResolveReference(ctx context.Context, id string) (voiceref.Reference, error) {
	if o.refs == nil {
		return voiceref.Reference{}, fmt.Errorf("reference %q: %w", id, errs.ErrNotFound)
	}
	return o.refs.Resolve(ctx, id)
}

// Generate creates and runs a job, draining its events, and returns the final
// snapshot. It is the synchronous form of CreateJob followed by RunJob.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Job, error) {
	job, err := o.CreateJob(ctx, req)
	if err != nil {
		return Job{}, err
	}
	events, err := o.RunJob(ctx, job.ID)
	if err != nil {
		return Job{}, err
	}
	for range events {
	}
	return o.Job(job.ID)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
