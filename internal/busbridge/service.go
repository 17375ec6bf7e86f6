// Package busbridge exposes the orchestrator on NATS: jobs are requested on
// narrator.job.request and every job's progress is published per job.
package busbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Jobs is the orchestrator surface the bridge drives.
type Jobs interface {
	BuildRequest(opts pipeline.Options) (pipeline.Request, error)
	CreateJob(ctx context.Context, req pipeline.Request) (pipeline.Job, error)
	RunJob(ctx context.Context, id string) (<-chan pipeline.Event, error)
}

type Service struct {
	bus    *bus.Client
	jobs   Jobs
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, jobs Jobs, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		jobs:   jobs,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "busbridge")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(protocol.SubjectJobRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for job requests", slog.String("subject", protocol.SubjectJobRequest))
	return nil
}

// Close stops accepting requests and cancels jobs started from the bus.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := sonic.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode job request", slogError(err))
		s.reply(msg, protocol.JobAccepted{Error: err.Error(), Code: errs.Code(errs.ErrInvalidInput)})
		return
	}

	pr, err := s.jobs.BuildRequest(pipeline.Options{
		Text:          req.Text,
		Mode:          req.Mode,
		Voice:         req.Voice,
		RefAudioID:    req.RefAudioID,
		Speed:         req.Speed,
		Temperature:   req.Temperature,
		BoundaryGapMS: req.BoundaryGapMS,
		AllowPartial:  req.AllowPartial,
	})
	if err != nil {
		s.reject(msg, err)
		return
	}
	job, err := s.jobs.CreateJob(s.ctx, pr)
	if err != nil {
		s.reject(msg, err)
		return
	}
	events, err := s.jobs.RunJob(s.ctx, job.ID)
	if err != nil {
		s.reject(msg, err)
		return
	}
	s.reply(msg, protocol.JobAccepted{JobID: job.ID, Chunks: len(job.Chunks)})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for range events {
		}
	}()
}

func (s *Service) reject(msg *nats.Msg, err error) {
	s.logger.Warn("job request rejected", slogError(err))
	s.reply(msg, protocol.JobAccepted{Error: err.Error(), Code: errs.Code(err)})
}

func (s *Service) reply(msg *nats.Msg, resp protocol.JobAccepted) {
	if msg.Reply == "" {
		return
	}
	data, err := sonic.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal job reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send job reply", slogError(err))
	}
}

// ObserveEvent publishes progress for every job, whether it was requested
// over the bus or over HTTP.
func (s *Service) ObserveEvent(evt pipeline.Event) {
	if err := s.bus.PublishJSON(protocol.ProgressSubject(evt.JobID), Progress(evt)); err != nil {
		s.logger.Debug("job progress not published", slogError(err))
	}

	if !evt.Type.Terminal() {
		return
	}
	done := protocol.JobDone{
		JobID:           evt.JobID,
		Status:          string(evt.Status),
		Failed:          failedIndices(evt.Failed),
		Reason:          evt.Reason,
		DurationSeconds: evt.DurationSeconds,
		Timestamp:       evt.Time,
	}
	if err := s.bus.PublishJSON(protocol.SubjectJobDone, done); err != nil {
		s.logger.Debug("job done not published", slogError(err))
	}
}

// Progress converts a pipeline event to its bus form.
func Progress(evt pipeline.Event) protocol.JobProgress {
	p := protocol.JobProgress{
		JobID:           evt.JobID,
		Seq:             evt.Seq,
		Type:            string(evt.Type),
		Total:           evt.Total,
		Completed:       evt.Completed,
		Status:          string(evt.Status),
		Failed:          failedIndices(evt.Failed),
		Reason:          evt.Reason,
		DurationSeconds: evt.DurationSeconds,
		Timestamp:       evt.Time,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if evt.Chunk != nil {
		idx := evt.Chunk.Index
		p.ChunkIndex = &idx
		p.Attempts = evt.Chunk.Attempts
		if p.DurationSeconds == 0 {
			p.DurationSeconds = evt.Chunk.DurationSeconds
		}
		if evt.Chunk.Error != "" {
			p.Reason = evt.Chunk.Error
		}
	}
	return p
}

func failedIndices(failed []pipeline.ChunkFailure) []int {
	if len(failed) == 0 {
		return nil
	}
	out := make([]int, len(failed))
	for i, f := range failed {
		out[i] = f.Index
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
