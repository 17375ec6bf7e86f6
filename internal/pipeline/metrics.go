package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	synthesized metric.Int64Counter
	retried     metric.Int64Counter
	failed      metric.Int64Counter
	audio       metric.Float64Counter
	jobs        metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics(meter metric.Meter, active func() int64) (*metrics, error) {
	synthesized, err := meter.Int64Counter("narrator.chunks.synthesized", metric.WithDescription("Chunks synthesized successfully"))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("narrator.chunks.retried", metric.WithDescription("Chunk synthesis retries"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("narrator.chunks.failed", metric.WithDescription("Chunks that exhausted their retries"))
	if err != nil {
		return nil, err
	}
	audioSeconds, err := meter.Float64Counter("narrator.audio.seconds", metric.WithDescription("Seconds of audio synthesized"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	jobs, err := meter.Int64Counter("narrator.jobs.finished", metric.WithDescription("Jobs that reached a terminal status"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("narrator.job.duration", metric.WithDescription("Wall time from start to terminal status"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("narrator.jobs.running", metric.WithDescription("Jobs currently running"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, active())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &metrics{
		synthesized: synthesized,
		retried:     retried,
		failed:      failed,
		audio:       audioSeconds,
		jobs:        jobs,
		duration:    duration,
	}, nil
}

func (m *metrics) chunkSynthesized(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.synthesized.Add(ctx, 1)
	m.audio.Add(ctx, seconds)
}

func (m *metrics) chunkRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.retried.Add(ctx, 1)
}

func (m *metrics) chunkFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1)
}

func (m *metrics) jobFinished(ctx context.Context, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.jobs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
