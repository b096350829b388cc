package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain"
)

// ScheduledTasksRepository defines concurrency-safe access to the periodic task table.
type ScheduledTasksRepository interface {
	List(ctx context.Context) ([]domain.ScheduledTask, error)
	// FindDueTx locks and returns due tasks; rows stay locked until tx ends.
	FindDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.ScheduledTask, error)
	MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error)
	UpsertByTaskName(ctx context.Context, p domain.UpsertTaskParams) error
	DeleteExcept(ctx context.Context, keep []string) (int64, error)
	// TryWithTaskLock runs fn under a per-task advisory lock.
	//   - (false, nil): lock not acquired; fn was not executed
	//   - (true, nil): lock acquired; fn succeeded
	//   - (true, err): lock acquired; fn failed with err
	TryWithTaskLock(ctx context.Context, taskName string, fn func(context.Context, *sql.Tx) error) (bool, error)
}

// JobIntrospector inspects outstanding jobs created by the scheduler.
type JobIntrospector interface {
	JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error)
}

// JobScheduler enqueues due periodic tasks.
type JobScheduler interface {
	// Tick processes due tasks and returns how many were enqueued.
	Tick(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig holds configuration for the job scheduler.
type SchedulerConfig struct {
	BatchSize       int                  `json:"batch_size"`
	DefaultPriority int                  `json:"default_priority"`
	MaxRetries      int                  `json:"max_retries"`
	Overrun         domain.OverrunPolicy `json:"overrun"`
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:  25,
		MaxRetries: 3,
		Overrun:    domain.OverrunPolicySkip,
	}
}
