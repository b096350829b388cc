package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/adapters/jobrunner"
	"github.com/cloudigrade/cloudigrade/internal/adapters/kafka"
	"github.com/cloudigrade/cloudigrade/internal/adapters/reaper"
	schedrunner "github.com/cloudigrade/cloudigrade/internal/adapters/scheduler"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// RunWorker executes queued tasks until ctx is cancelled.
func RunWorker(ctx context.Context, cfg config.WorkerConfig, services ServiceContainer, logger *slog.Logger) error {
	taskNames := make([]model.JobType, 0, len(cfg.Tasks))
	for _, name := range cfg.Tasks {
		jobType := model.JobType(name)
		if !jobType.Valid() {
			return fmt.Errorf("WORKER_TASKS: unknown task %q", name)
		}
		taskNames = append(taskNames, jobType)
	}

	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:        services.Jobs,
		Registry:    services.Registry,
		Logger:      logger,
		Metrics:     services.Metrics.Jobs,
		Lease:       cfg.JobLease,
		Timeout:     cfg.JobTimeout,
		Concurrency: cfg.Concurrency,
		Tasks:       taskNames,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return runner.Run(ctx)
}

// RunScheduler enqueues periodic tasks until ctx is cancelled.
func RunScheduler(ctx context.Context, cfg config.SchedulerConfig, services ServiceContainer, logger *slog.Logger) error {
	periodic, err := services.Registry.Periodic(cfg.Schedules.ByTask())
	if err != nil {
		return fmt.Errorf("load periodic schedule: %w", err)
	}

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		Scheduler: services.Scheduler,
		Syncer:    services.Scheduler,
		Periodic:  periodic,
		Interval:  cfg.Interval,
		Logger:    logger,
		Metrics:   services.Metrics.Scheduler,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}
	return runner.Run(ctx)
}

// RunReaper fails stale jobs and prunes finished ones until ctx is cancelled.
func RunReaper(ctx context.Context, cfg config.ReaperConfig, services ServiceContainer, logger *slog.Logger) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      services.Store.DB,
		Repo:    services.Store.Jobs,
		Config:  cfg,
		Logger:  logger,
		Metrics: services.Metrics.Jobs,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}

// RunSourcesListener consumes the sources event stream until ctx is cancelled.
func RunSourcesListener(ctx context.Context, cfg config.KafkaConfig, services ServiceContainer, logger *slog.Logger) error {
	if services.Sources == nil {
		return errors.New("sources listener requires the sources API client")
	}
	reader, err := kafka.NewReader(cfg)
	if err != nil {
		return fmt.Errorf("create kafka reader: %w", err)
	}

	listener, err := kafka.NewListener(kafka.ListenerOptions{
		Reader:     reader,
		Dispatcher: services.Sources,
		Logger:     logger,
	})
	if err != nil {
		if cerr := reader.Close(); cerr != nil {
			logger.WarnContext(ctx, "close kafka reader", "error", cerr)
		}
		return fmt.Errorf("create sources listener: %w", err)
	}
	return listener.Run(ctx)
}
