package runtime

import (
	"context"
	"log/slog"
	"time"
)

// housekeeping runs the retention sweeps once at startup and then on every
// tick until ctx ends.
func (r *Runtime) housekeeping(ctx context.Context) {
	interval := time.Duration(r.cfg.Housekeeping.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runtime) sweep(ctx context.Context) {
	jobs := r.orch.Prune()
	r.hub.Forget(jobs...)

	refs, err := r.refs.Prune(ctx)
	if err != nil {
		r.logger.Warn("reference prune failed", slogError(err))
	}
	files, err := r.outputs.Cleanup()
	if err != nil {
		r.logger.Warn("output cleanup failed", slogError(err))
	}
	if err := r.events.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slogError(err))
	}
	if len(jobs) > 0 || refs > 0 || files > 0 {
		r.logger.Info("housekeeping finished",
			slog.Int("jobs", len(jobs)),
			slog.Int("references", refs),
			slog.Int("outputs", files),
		)
	}
}
