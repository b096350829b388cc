// Package service implements cloudigrade's task handlers and the queue-facing
// services (jobs, scheduler, reaper) that run them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	domainjob "github.com/cloudigrade/cloudigrade/internal/domain/job"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	Registry        *tasks.Registry           // Required: payload validation
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	Logger          *slog.Logger              // Optional: structured logger
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService wraps the job repository with payload validation, lease
// resolution and enqueue notifications for workers.
type JobService struct {
	repo     core.JobRepository
	registry *tasks.Registry
	lease    time.Duration
	notifier domainjob.Notifier
	logger   *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task registry is required")
	}
	if opts.DefaultLease <= 0 {
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_service")

	return &JobService{
		repo:     opts.Repo,
		registry: opts.Registry,
		lease:    opts.DefaultLease,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Create validates the payload against the task schema and enqueues the job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := s.registry.Validate(req.Type, req.Payload); err != nil {
		return nil, err
	}
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.DebugContext(ctx, "job created", "job_id", job.ID, "task", job.Type)
	return job, nil
}

// Enqueue satisfies core.JobEnqueuer.
func (s *JobService) Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	return s.Create(ctx, req)
}

// leaseSeconds clamps sub-second leases to one second.
func leaseSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ReserveNext reserves the next available job of one of the given types.
func (s *JobService) ReserveNext(ctx context.Context, types []model.JobType, lease time.Duration) (*model.Job, error) {
	if lease <= 0 {
		lease = s.lease
	}
	job, err := s.repo.ReserveNext(ctx, types, leaseSeconds(lease))
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}
	s.logger.DebugContext(ctx, "job reserved", "job_id", job.ID, "task", job.Type)
	return job, nil
}

// Subscribe returns an unsubscribe function and a channel signalled when a
// job of one of types may be available.
func (s *JobService) Subscribe(types []model.JobType) (func(), <-chan struct{}) {
	return s.notifier.Subscribe(types)
}

// Heartbeat extends the lease on a running job.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	updated, err := s.repo.Heartbeat(ctx, id, leaseSeconds(extend))
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return updated, nil
}

// Complete marks a job as completed successfully.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	if completed {
		s.logger.DebugContext(ctx, "job completed", "job_id", id)
	}
	return completed, nil
}

// Fail records errMsg and retries the job until its retry budget is spent.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}
	failed, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	if failed {
		s.logger.DebugContext(ctx, "job failed", "job_id", id, "error", errMsg)
	}
	return failed, nil
}

// Stats returns job counts by status; an empty type counts every task.
func (s *JobService) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// GetByID returns a job.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns jobs filtered by opts. Limits are clamped to [1, 100].
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.List(ctx, opts)
}

// Delete removes a job that is not running.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// StopAllListeners stops the notification loop.
func (s *JobService) StopAllListeners() {
	s.notifier.StopAll()
}
