// Package jobrunner runs cloudigrade task jobs: it reserves jobs from the
// queue, dispatches them to the handler registered for their task and
// records the outcome.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/observability/metrics"
	"github.com/cloudigrade/cloudigrade/internal/service"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs     *service.JobService // Required
	Registry *tasks.Registry     // Required: task handlers
	Logger   *slog.Logger
	Metrics  *metrics.Jobs

	Lease       time.Duration   // per-job lease; defaults to 60s, heartbeats every third of it
	Timeout     time.Duration   // bound on a single execution; defaults to 15m
	Concurrency int             // number of worker goroutines; defaults to 1
	Tasks       []model.JobType // tasks to process; empty means every registered task
}

// Runner pulls jobs and executes them using registered handlers.
type Runner struct {
	jobs     *service.JobService
	registry *tasks.Registry
	logger   *slog.Logger
	metrics  *metrics.Jobs
	lease    time.Duration
	timeout  time.Duration
	workers  int
	types    []model.JobType
}

// NewRunner validates opts and constructs a runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 60 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	types := opts.Tasks
	if len(types) == 0 {
		types = opts.Registry.Registered()
	}
	for _, t := range types {
		if _, ok := opts.Registry.Handler(t); !ok {
			return nil, fmt.Errorf("no handler registered for task %s", t)
		}
	}
	if len(types) == 0 {
		return nil, errors.New("no tasks to run")
	}

	return &Runner{
		jobs:     opts.Jobs,
		registry: opts.Registry,
		logger:   logger.With("component", "job_runner"),
		metrics:  opts.Metrics,
		lease:    lease,
		timeout:  timeout,
		workers:  workers,
		types:    types,
	}, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "tasks", len(r.types), "workers", r.workers, "lease", r.lease)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, ch := r.jobs.Subscribe(r.types)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.types, r.lease)
		switch {
		case err == nil:
			r.processJob(ctx, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-notify:
		return ok
	}
}

// processJob runs one reserved job and marks it completed or failed.
// Failed jobs are retried by the queue until their retry budget is spent.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	logger := r.logger.With("job_id", job.ID, "task", job.Type, "attempt", job.RetryCount+1)
	emit := func(transition, result string, err error) {
		r.metrics.EmitJobLifecycle(metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	err := r.execute(ctx, job)
	if err != nil {
		logger.ErrorContext(ctx, "task failed", "error", err)
		if _, ferr := r.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			logger.ErrorContext(ctx, "fail job error", "error", ferr, "original_error", err)
		}
		emit(metrics.TransitionFail, metrics.ResultError, err)
		return
	}

	completed, err := r.jobs.Complete(ctx, job.ID)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "complete job error", "error", err)
		emit(metrics.TransitionComplete, metrics.ResultError, err)
	case completed:
		logger.DebugContext(ctx, "task completed", "duration", time.Since(start))
		emit(metrics.TransitionComplete, metrics.ResultSuccess, nil)
	default:
		// The lease expired and another worker owns the job now.
		logger.WarnContext(ctx, "job no longer running; result discarded")
		emit(metrics.TransitionComplete, metrics.ResultNoop, nil)
	}
}

// execute runs the task handler under the job timeout while heartbeating
// the lease. A panicking handler fails the job instead of the worker.
func (r *Runner) execute(ctx context.Context, job *model.Job) (err error) {
	h, ok := r.registry.Handler(job.Type)
	if !ok {
		return fmt.Errorf("no handler for task %s", job.Type)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stopHB := r.startHeartbeat(runCtx, job.ID)
	defer stopHB()

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "task panicked", "job_id", job.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", job.Type, p)
		}
	}()
	return h(runCtx, job)
}

// startHeartbeat extends the job lease every third of the lease until the
// returned stop function is called.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := r.lease / 3
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease); err != nil {
					r.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				} else if !ok {
					r.logger.WarnContext(ctx, "heartbeat not applied (job may be lost)", "job_id", jobID)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}
