// Package scheduler provides the adapter that drives the periodic task scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/observability/metrics"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// ScheduleSyncer writes the periodic schedule before the first tick.
type ScheduleSyncer interface {
	Sync(ctx context.Context, periodic []tasks.PeriodicTask) error
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Scheduler core.JobScheduler // Required
	Syncer    ScheduleSyncer    // Optional: syncs Periodic on start
	Periodic  []tasks.PeriodicTask
	Interval  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Scheduler
}

// Runner ticks the scheduler at a fixed interval.
type Runner struct {
	scheduler core.JobScheduler
	syncer    ScheduleSyncer
	periodic  []tasks.PeriodicTask
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Scheduler
	now       func() time.Time
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		scheduler: opts.Scheduler,
		syncer:    opts.Syncer,
		periodic:  opts.Periodic,
		interval:  opts.Interval,
		logger:    opts.Logger.With("component", "scheduler_runner"),
		metrics:   opts.Metrics,
		now:       time.Now,
	}, nil
}

// Run syncs the schedule, then calls Tick at the configured interval until
// the context is cancelled. Tick errors are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval, "periodic_tasks", len(r.periodic))

	if r.syncer != nil {
		if err := r.syncer.Sync(ctx, r.periodic); err != nil {
			return fmt.Errorf("sync periodic schedule: %w", err)
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	processed, err := r.scheduler.Tick(ctx, r.now())
	r.metrics.ObserveTick(processed, time.Since(start), err)

	switch {
	case err != nil && ctx.Err() != nil:
		r.logger.DebugContext(ctx, "scheduler tick interrupted", "error", err)
	case err != nil:
		r.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
	case processed > 0:
		r.logger.InfoContext(ctx, "scheduler enqueued tasks", "count", processed)
	}
}
