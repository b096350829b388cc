package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// RunRepo stores runs derived from instance events.
type RunRepo struct {
	q Querier
}

// NewRunRepo creates a RunRepo on q.
func NewRunRepo(q Querier) *RunRepo {
	return &RunRepo{q: q}
}

const runColumns = `rn.id, rn.instance_id, rn.machine_image_id, rn.start_time, rn.end_time, rn.instance_type, rn.memory, rn.vcpu`

func scanRun(s rowScanner, extra ...any) (model.Run, error) {
	var (
		run          model.Run
		imageID      sql.NullInt64
		endTime      sql.NullTime
		instanceType sql.NullString
		memory       sql.NullFloat64
		vcpu         sql.NullInt32
	)
	dest := append([]any{&run.ID, &run.InstanceID, &imageID, &run.StartTime, &endTime,
		&instanceType, &memory, &vcpu}, extra...)
	if err := s.Scan(dest...); err != nil {
		return model.Run{}, err
	}
	run.StartTime = run.StartTime.UTC()
	run.MachineImageID = nullInt64(imageID)
	run.EndTime = nullTime(endTime)
	run.InstanceType = nullString(instanceType)
	if memory.Valid {
		m := memory.Float64
		run.Memory = &m
	}
	if vcpu.Valid {
		v := int(vcpu.Int32)
		run.VCPU = &v
	}
	return run, nil
}

// ReplaceForInstance swaps an instance's runs for runs. Run it inside a
// transaction so readers never observe a partial set.
func (r *RunRepo) ReplaceForInstance(ctx context.Context, instanceID int64, runs []model.Run) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM runs WHERE instance_id = $1`, instanceID); err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	for _, run := range runs {
		var end any
		if run.EndTime != nil {
			end = run.EndTime.UTC()
		}
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO runs (instance_id, machine_image_id, start_time, end_time, instance_type, memory, vcpu)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, instanceID, run.MachineImageID, run.StartTime.UTC(), end, run.InstanceType, run.Memory, run.VCPU); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	}
	return nil
}

// ListForInstance returns an instance's runs ordered by start time.
func (r *RunRepo) ListForInstance(ctx context.Context, instanceID int64) ([]model.Run, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs rn WHERE rn.instance_id = $1 ORDER BY rn.start_time, rn.id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListOverlapping returns runs of the user's instances active at any point in [start, end).
func (r *RunRepo) ListOverlapping(ctx context.Context, userID int64, start, end time.Time) ([]model.RunWithContext, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+runColumns+`,
		  i.cloud_account_id,
		  COALESCE(mi.rhel_detected_by_tag OR COALESCE((mi.inspection_json->>'rhel_found')::boolean, false), false),
		  COALESCE(mi.openshift_detected, false)
		FROM runs rn
		JOIN instances i ON i.id = rn.instance_id
		JOIN cloud_accounts ca ON ca.id = i.cloud_account_id
		LEFT JOIN machine_images mi ON mi.id = rn.machine_image_id
		WHERE ca.user_id = $1
		  AND rn.start_time < $3
		  AND (rn.end_time IS NULL OR rn.end_time > $2)
		ORDER BY rn.start_time, rn.id
	`, userID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("list overlapping runs: %w", err)
	}
	defer rows.Close()
	var out []model.RunWithContext
	for rows.Next() {
		var rc model.RunWithContext
		run, err := scanRun(rows, &rc.CloudAccountID, &rc.RHEL, &rc.OpenShift)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rc.Run = run
		out = append(out, rc)
	}
	return out, rows.Err()
}

// CloseOpenForAccount ends every open run of the account's instances at at.
func (r *RunRepo) CloseOpenForAccount(ctx context.Context, cloudAccountID int64, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE runs SET end_time = $2
		WHERE end_time IS NULL
		  AND instance_id IN (SELECT id FROM instances WHERE cloud_account_id = $1)
	`, cloudAccountID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("close open runs: %w", err)
	}
	return res.RowsAffected()
}
