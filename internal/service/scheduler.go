package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// tickLockName serializes Tick across scheduler replicas.
const tickLockName = "scheduler:tick"

// fireDedupeTTL bounds how long a fire key claim lives in the cache.
const fireDedupeTTL = 10 * time.Minute

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Repo            core.ScheduledTasksRepository
	Jobs            core.JobRepository
	JobIntrospector core.JobIntrospector
	Registry        *tasks.Registry
	Config          *core.SchedulerConfig
	TimeProvider    data.TimeProvider
	Cache           core.CacheRepository // Optional: cross-replica fire dedupe
	Logger          *slog.Logger
}

// SchedulerService implements core.JobScheduler. It enqueues the periodic
// tasks that are due, applies the overrun policy and records each firing.
// Safe under concurrent replicas through database-level concurrency controls.
type SchedulerService struct {
	repo         core.ScheduledTasksRepository
	jobs         core.JobRepository
	jobq         core.JobIntrospector
	registry     *tasks.Registry
	cfg          core.SchedulerConfig
	timeProvider data.TimeProvider
	cache        core.CacheRepository
	logger       *slog.Logger
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = data.RealTimeProvider{}
	}
	if opts.Config == nil {
		defaultCfg := core.DefaultSchedulerConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SchedulerService{
		repo:         opts.Repo,
		jobs:         opts.Jobs,
		jobq:         opts.JobIntrospector,
		registry:     opts.Registry,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		cache:        opts.Cache,
		logger:       opts.Logger.With("component", "scheduler_service"),
	}
}

// Sync writes the periodic schedule to the scheduled_tasks table and removes
// tasks that are no longer scheduled. last_queued_at survives restarts.
func (s *SchedulerService) Sync(ctx context.Context, periodic []tasks.PeriodicTask) error {
	names := make([]string, 0, len(periodic))
	for _, p := range periodic {
		policy, err := p.OverrunPolicy()
		if err != nil {
			return fmt.Errorf("task %s: %w", p.Task, err)
		}
		if err := s.repo.UpsertByTaskName(ctx, domain.UpsertTaskParams{
			TaskName:      string(p.Task),
			Payload:       json.RawMessage(`{}`),
			Schedule:      p.Schedule,
			OverrunPolicy: policy,
		}); err != nil {
			return err
		}
		names = append(names, string(p.Task))
	}
	removed, err := s.repo.DeleteExcept(ctx, names)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "periodic schedule synced", "tasks", len(names), "removed", removed)
	return nil
}

// Tick enqueues the tasks due at now and returns how many jobs were created.
//
// Concurrency safety:
//   - the tick runs under an advisory lock so only one replica schedules at a time
//   - FindDueTx locks the selected rows with FOR UPDATE SKIP LOCKED
//   - each firing carries a fire key that is claimed once in the cache
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	processed := 0
	_, err := s.repo.TryWithTaskLock(ctx, tickLockName, func(ctx context.Context, tx *sql.Tx) error {
		due, err := s.repo.FindDueTx(ctx, tx, now, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find due tasks: %w", err)
		}
		for _, task := range due {
			created, err := s.processTask(ctx, tx, task, now)
			if err != nil {
				return fmt.Errorf("process task %s: %w", task.TaskName, err)
			}
			if created {
				processed++
			}
		}
		return nil
	})
	return processed, err
}

func (s *SchedulerService) overrunPolicy(task domain.ScheduledTask) domain.OverrunPolicy {
	if task.OverrunPolicy != nil && *task.OverrunPolicy != "" {
		return *task.OverrunPolicy
	}
	if s.cfg.Overrun == "" {
		return domain.OverrunPolicySkip
	}
	return s.cfg.Overrun
}

// processTask handles one due task inside the tick transaction. It reports
// whether a job was created.
func (s *SchedulerService) processTask(ctx context.Context, tx *sql.Tx, task domain.ScheduledTask, now time.Time) (bool, error) {
	fireKey := task.FireKey(now)
	logger := s.logger.With("task", task.TaskName, "fire_key", fireKey)

	if task.ActiveFireKey != nil && *task.ActiveFireKey == fireKey {
		logger.DebugContext(ctx, "fire key already enqueued")
		return false, nil
	}

	if s.overrunPolicy(task) == domain.OverrunPolicySkip && s.jobq != nil {
		mask, err := s.jobq.JobStatesByTaskName(ctx, task.TaskName, now)
		if err != nil {
			return false, err
		}
		if mask.Has(domain.OverrunStateRunning) || mask.Has(domain.OverrunStatePending) {
			logger.InfoContext(ctx, "skipping firing; previous job outstanding",
				"running", mask.Has(domain.OverrunStateRunning),
				"pending", mask.Has(domain.OverrunStatePending))
			return false, s.markQueued(ctx, tx, task, now, task.ActiveFireKey)
		}
	}

	claimed, err := s.claimFireKey(ctx, fireKey, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		logger.DebugContext(ctx, "fire key claimed by another scheduler")
		return false, s.markQueued(ctx, tx, task, now, &fireKey)
	}

	req, err := s.buildJobRequest(task, fireKey)
	if err != nil {
		return false, err
	}
	created, err := s.createJob(ctx, tx, req)
	if err != nil {
		return false, err
	}
	if err := s.markQueued(ctx, tx, task, now, &fireKey); err != nil {
		return false, err
	}
	if created {
		logger.InfoContext(ctx, "scheduled task enqueued")
	}
	return created, nil
}

func (s *SchedulerService) claimFireKey(ctx context.Context, fireKey string, now time.Time) (bool, error) {
	if s.cache == nil {
		return true, nil
	}
	ok, err := s.cache.SetIfNotExists(ctx, "scheduler:fire:"+fireKey, []byte(now.UTC().Format(time.RFC3339)), fireDedupeTTL)
	if err != nil {
		// The advisory lock still serializes replicas; the cache only narrows races.
		s.logger.WarnContext(ctx, "claim fire key failed", "fire_key", fireKey, "error", err)
		return true, nil
	}
	return ok, nil
}

func (s *SchedulerService) markQueued(
	ctx context.Context,
	tx *sql.Tx,
	task domain.ScheduledTask,
	now time.Time,
	fireKey *string,
) error {
	if _, err := s.repo.MarkQueuedTx(ctx, tx, domain.MarkQueuedParams{
		ID:            task.ID,
		Now:           now,
		ActiveFireKey: fireKey,
	}); err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	return nil
}

// buildJobRequest creates the job for a firing with scheduler metadata.
func (s *SchedulerService) buildJobRequest(task domain.ScheduledTask, fireKey string) (*model.CreateJobRequest, error) {
	jobType := model.JobType(task.TaskName)
	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if s.registry != nil {
		if err := s.registry.Validate(jobType, payload); err != nil {
			return nil, err
		}
	}
	meta, err := json.Marshal(map[string]string{
		"scheduler.task_name": task.TaskName,
		"scheduler.schedule":  task.Schedule,
		"scheduler.fire_key":  fireKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return &model.CreateJobRequest{
		Type:       jobType,
		Payload:    payload,
		Metadata:   meta,
		Priority:   s.cfg.DefaultPriority,
		MaxRetries: s.cfg.MaxRetries,
	}, nil
}

// createJob inserts the job. A unique violation means another scheduler
// already enqueued this firing and is reported as created=false.
func (s *SchedulerService) createJob(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (bool, error) {
	creator, txOK := s.jobs.(core.JobRepositoryTx)
	if tx == nil || !txOK {
		_, err := s.jobs.Create(ctx, req)
		return s.duplicateOK(err)
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT scheduler_enqueue"); err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}
	_, err := creator.CreateInTx(ctx, tx, req)
	if err != nil && isUniqueViolation(err) {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT scheduler_enqueue"); rbErr != nil {
			return false, fmt.Errorf("rollback savepoint: %w", rbErr)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT scheduler_enqueue"); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return true, nil
}

func (s *SchedulerService) duplicateOK(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("create job: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
