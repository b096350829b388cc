package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudigrade/cloudigrade/internal/data/pgxutil"
	"github.com/cloudigrade/cloudigrade/internal/domain"
)

// ScheduledTasksRepo stores the periodic task table driven by the scheduler.
type ScheduledTasksRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduledTasksRepo creates a ScheduledTasksRepo. A nil TimeProvider uses the wall clock.
func NewScheduledTasksRepo(db *sql.DB, tp TimeProvider) *ScheduledTasksRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &ScheduledTasksRepo{DB: db, timeProvider: tp}
}

// fnvHash computes the FNV-1a 64-bit hash of s for use as an advisory lock key.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- bounded to MaxInt64 above.
}

const scheduledTaskColumns = `
  id,
  task_name,
  payload,
  schedule,
  last_queued_at,
  updated_at,
  overrun_policy,
  active_fire_key
`

func scanScheduledTask(scanner rowScanner) (domain.ScheduledTask, error) {
	var (
		task          domain.ScheduledTask
		payload       []byte
		lastQueuedAt  sql.NullTime
		overrunPolicy sql.NullString
		activeFireKey sql.NullString
	)
	if err := scanner.Scan(
		&task.ID,
		&task.TaskName,
		&payload,
		&task.Schedule,
		&lastQueuedAt,
		&task.UpdatedAt,
		&overrunPolicy,
		&activeFireKey,
	); err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("scan scheduled task row: %w", err)
	}
	task.Payload = cloneJSON(payload)
	task.LastQueuedAt = nullTime(lastQueuedAt)
	if overrunPolicy.Valid {
		p := domain.OverrunPolicy(overrunPolicy.String)
		task.OverrunPolicy = &p
	}
	if activeFireKey.Valid {
		if key := strings.TrimSpace(activeFireKey.String); key != "" {
			task.ActiveFireKey = &key
		}
	}
	return task, nil
}

// List returns every scheduled task ordered by name.
func (r *ScheduledTasksRepo) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks ORDER BY task_name`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// FindDueTx locks unclaimed scheduled tasks with FOR UPDATE SKIP LOCKED and
// returns at most limit of them that are due at now. Rows stay locked until tx ends.
func (r *ScheduledTasksRepo) FindDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+scheduledTaskColumns+`
		FROM scheduled_tasks
		ORDER BY
			CASE WHEN last_queued_at IS NULL THEN 0 ELSE 1 END,
			last_queued_at ASC,
			created_at ASC
		FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var due []domain.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		ok, err := task.Due(now)
		if err != nil {
			return nil, err
		}
		if ok && len(due) < limit {
			due = append(due, task)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", err)
	}
	return due, nil
}

// MarkQueuedTx records a firing within the transaction that selected the task.
func (r *ScheduledTasksRepo) MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error) {
	var fireKey any
	if p.ActiveFireKey != nil && strings.TrimSpace(*p.ActiveFireKey) != "" {
		fireKey = strings.TrimSpace(*p.ActiveFireKey)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_queued_at = $2, active_fire_key = $3, updated_at = $4
		WHERE id = $1
	`, p.ID, p.Now.UTC(), fireKey, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update scheduled task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertByTaskName creates or updates a scheduled task, preserving last_queued_at.
func (r *ScheduledTasksRepo) UpsertByTaskName(ctx context.Context, p domain.UpsertTaskParams) error {
	if strings.TrimSpace(p.TaskName) == "" {
		return fmt.Errorf("task name is required")
	}
	if _, err := domain.ParseSchedule(p.Schedule); err != nil {
		return err
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var policy any
	if p.OverrunPolicy != nil {
		policy = string(*p.OverrunPolicy)
	}
	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, task_name, payload, schedule, overrun_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (task_name) DO UPDATE
		SET payload = EXCLUDED.payload,
		    schedule = EXCLUDED.schedule,
		    overrun_policy = EXCLUDED.overrun_policy,
		    updated_at = EXCLUDED.updated_at
	`, uuid.NewString(), p.TaskName, []byte(payload), strings.TrimSpace(p.Schedule), policy, now)
	if err != nil {
		return fmt.Errorf("upsert scheduled task %s: %w", p.TaskName, err)
	}
	return nil
}

// DeleteExcept removes scheduled tasks whose names are not in keep.
func (r *ScheduledTasksRepo) DeleteExcept(ctx context.Context, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE NOT (task_name = ANY($1))`, keep)
	if err != nil {
		return 0, fmt.Errorf("delete stale scheduled tasks: %w", err)
	}
	return res.RowsAffected()
}

// TryWithTaskLock runs fn under a per-task advisory lock.
//   - (false, nil): lock not acquired; fn was not executed
//   - (true, nil): lock acquired; fn succeeded
//   - (true, err): lock acquired; fn failed with err
//
// The transaction commits even when fn fails so partial bookkeeping persists.
func (r *ScheduledTasksRepo) TryWithTaskLock(
	ctx context.Context,
	taskName string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	var locked bool
	var fnErr error
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", fnvHash(taskName)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock for task %s: %w", taskName, err)
			}
			if !locked {
				return nil
			}
			fnErr = fn(ctx, tx)
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return locked, fnErr
}
