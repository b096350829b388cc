package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cloudigrade/cloudigrade/internal/data/pgxutil"
	"github.com/cloudigrade/cloudigrade/internal/domain"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

const defaultRetryDelaySeconds = 30

func (r *JobRepo) retryDelay() time.Duration {
	if r.cfg.RetryDelaySeconds > 0 {
		return time.Duration(r.cfg.RetryDelaySeconds) * time.Second
	}
	return defaultRetryDelaySeconds * time.Second
}

const insertJobSQL = `
  INSERT INTO jobs (id, type, status, priority, payload, metadata, scheduled_at, max_retries, created_at, updated_at)
  VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $8)
  RETURNING ` + jobColumns

// reserveNextSQL picks the next due job among the given task types.
const reserveNextSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE type = ANY($1) AND status = 'pending' AND scheduled_at <= $2
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.type, j.status, j.priority, j.payload, j.metadata, j.scheduled_at, j.started_at,
    j.completed_at, j.retry_count, j.max_retries, j.last_error, j.lease_expires_at, j.created_at, j.updated_at`

// Create enqueues a job and notifies listening workers.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var err error
			job, err = r.CreateInTx(ctx, tx, req)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateInTx enqueues a job within an existing transaction. The notification
// is delivered when the transaction commits.
func (r *JobRepo) CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	return r.insert(ctx, tx, req)
}

func (r *JobRepo) insert(ctx context.Context, q Querier, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	meta := []byte(`{}`)
	if len(req.Metadata) > 0 {
		if !json.Valid(req.Metadata) {
			return nil, errors.New("metadata must be valid JSON")
		}
		meta = req.Metadata
	}
	if !json.Valid(req.Payload) {
		return nil, errors.New("payload must be valid JSON")
	}

	maxRetries := DefaultMaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	now := r.timeProvider.Now().UTC()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	row := q.QueryRowContext(ctx, insertJobSQL,
		uuid.NewString(), req.Type, req.Priority, []byte(req.Payload), meta, scheduledAt, maxRetries, now)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if _, err := q.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, JobNotifyChannel, string(req.Type)); err != nil {
		return nil, fmt.Errorf("send job notification: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		payload, metadata                      []byte
		lastError                              sql.NullString
		startedAt, completedAt, leaseExpiresAt sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&payload,
		&metadata,
		&job.ScheduledAt,
		&startedAt,
		&completedAt,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = cloneJSON(payload)
	job.Metadata = cloneJSON(metadata)
	job.LastError = nullString(lastError)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	job.LeaseExpiresAt = nullTime(leaseExpiresAt)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock (major, minor) guarding the expired-lease sweep.
const (
	advisoryLockRequeueMajor = 1001
	advisoryLockRequeueMinor = 1
)

// requeueExpired returns running jobs with lapsed leases to pending.
func (r *JobRepo) requeueExpired(ctx context.Context) (int64, error) {
	var n int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockRequeueMajor, advisoryLockRequeueMinor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'pending', lease_expires_at = NULL, updated_at = $1
				WHERE status = 'running'
				  AND lease_expires_at IS NOT NULL
				  AND lease_expires_at < $1
			`, r.timeProvider.Now().UTC())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			n, err = res.RowsAffected()
			return err
		},
	})
	return n, err
}

// ReserveNext leases the next due job whose type is one of types.
func (r *JobRepo) ReserveNext(ctx context.Context, types []model.JobType, leaseSeconds int) (*model.Job, error) {
	if len(types) == 0 {
		return nil, errors.New("at least one job type is required")
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("invalid job type: %s", t)
		}
		names = append(names, string(t))
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	if requeued, err := r.requeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	} else if requeued > 0 {
		r.logger.InfoContext(ctx, "requeued jobs with expired leases", "count", requeued)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			lease := now.Add(time.Duration(leaseSeconds) * time.Second)
			j, err := scanJob(tx.QueryRow(ctx, reserveNextSQL, names, now, lease))
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if err != nil {
				return fmt.Errorf("reserve job: %w", err)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, now.Add(time.Duration(leaseSeconds)*time.Second), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

// Complete marks a running job as completed.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	var taskName, fireKey sql.NullString
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
		RETURNING metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'
	`, id, now).Scan(&taskName, &fireKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	r.clearActiveFireKey(ctx, taskName, fireKey)
	return true, nil
}

// Fail records an attempt failure. The job is rescheduled after the retry
// delay until retry_count reaches max_retries, then marked failed.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	var status string
	var taskName, fireKey sql.NullString
	err := r.DB.QueryRowContext(ctx, `
      UPDATE jobs
      SET
        last_error = $2,
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $4::timestamptz END,
        updated_at = $3
      WHERE id = $1 AND status = 'running'
      RETURNING status, metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'
    `, id, errMsg, now, now.Add(r.retryDelay())).Scan(&status, &taskName, &fireKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if status == string(model.JobStatusFailed) {
		r.clearActiveFireKey(ctx, taskName, fireKey)
	}
	return true, nil
}

func (r *JobRepo) clearActiveFireKey(ctx context.Context, taskName, fireKey sql.NullString) {
	if !taskName.Valid || !fireKey.Valid || strings.TrimSpace(fireKey.String) == "" {
		return
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET active_fire_key = NULL, updated_at = $3
		WHERE task_name = $1 AND active_fire_key = $2
	`, taskName.String, fireKey.String, r.timeProvider.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "clear active fire key failed",
			"task_name", taskName.String,
			"fire_key", fireKey.String,
			"error", err,
		)
	}
}

// Stats returns job counts by status for one task type, or all types when jobType is empty.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM jobs
  WHERE $1 = '' OR type = $1
  `, string(jobType)).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a job is enqueued and returns its type.
func (r *JobRepo) WaitForNotification(ctx context.Context) (model.JobType, error) {
	var jt model.JobType
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		channel := pgx.Identifier{JobNotifyChannel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("listen %s: %w", JobNotifyChannel, err)
		}
		defer func() { _, _ = conn.Exec(context.Background(), "UNLISTEN "+channel) }()

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		jt = model.JobType(n.Payload)
		return nil
	})
	return jt, err
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status and type.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var status, jobType string
	if opts.Status != nil {
		status = string(*opts.Status)
	}
	if opts.Type != nil {
		jobType = string(*opts.Type)
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, status, jobType, limit, max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// JobStatesByTaskName reports which outstanding states exist for a scheduled task's jobs.
func (r *JobRepo) JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error) {
	var hasRunning, hasPending bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			COALESCE(bool_or(status = 'running' AND lease_expires_at > $1), FALSE),
			COALESCE(bool_or(status = 'pending'), FALSE)
		FROM jobs
		WHERE metadata->>'scheduler.task_name' = $2
		  AND status IN ('running', 'pending')
	`, now.UTC(), taskName).Scan(&hasRunning, &hasPending)
	if err != nil {
		return 0, fmt.Errorf("check job states by task name: %w", err)
	}
	var mask domain.OverrunStateMask
	if hasRunning {
		mask |= domain.OverrunStateRunning
	}
	if hasPending {
		mask |= domain.OverrunStatePending
	}
	return mask, nil
}

// Delete removes a job that is not currently leased.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND status IN ('pending', 'completed', 'failed')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, now)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusRunning {
		if job.LeaseExpiresAt != nil && now.Before(*job.LeaseExpiresAt) {
			return ErrJobReserved
		}
		return ErrJobNotDeletable
	}
	return errors.New("unexpected state: job is in deletable state but delete failed")
}
