package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

// InstanceRepo stores instances and their power events.
type InstanceRepo struct {
	q  Querier
	tp TimeProvider
}

// NewInstanceRepo creates an InstanceRepo on q.
func NewInstanceRepo(q Querier, tp TimeProvider) *InstanceRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &InstanceRepo{q: q, tp: tp}
}

const instanceColumns = `i.id, i.cloud_account_id, i.ec2_instance_id, i.region, i.machine_image_id, i.created_at, i.updated_at`

func scanInstance(s rowScanner) (*model.Instance, error) {
	inst := &model.Instance{}
	var imageID sql.NullInt64
	if err := s.Scan(&inst.ID, &inst.CloudAccountID, &inst.EC2InstanceID, &inst.Region,
		&imageID, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.MachineImageID = nullInt64(imageID)
	return inst, nil
}

func (r *InstanceRepo) queryInstances(ctx context.Context, query string, args ...any) ([]*model.Instance, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()
	var out []*model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *InstanceRepo) getOne(ctx context.Context, where string, arg any) (*model.Instance, error) {
	inst, err := scanInstance(r.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances i WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// GetByID returns the instance with id.
func (r *InstanceRepo) GetByID(ctx context.Context, id int64) (*model.Instance, error) {
	return r.getOne(ctx, "i.id = $1", id)
}

// GetByEC2ID returns the instance for an EC2 instance id.
func (r *InstanceRepo) GetByEC2ID(ctx context.Context, ec2InstanceID string) (*model.Instance, error) {
	return r.getOne(ctx, "i.ec2_instance_id = $1", ec2InstanceID)
}

// Save upserts an instance by EC2 instance id. An existing image reference is
// kept when p.MachineImageID is nil.
func (r *InstanceRepo) Save(ctx context.Context, p model.SaveInstanceParams) (*model.Instance, error) {
	now := r.tp.Now()
	inst, err := scanInstance(r.q.QueryRowContext(ctx, `
		INSERT INTO instances AS i (cloud_account_id, ec2_instance_id, region, machine_image_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (ec2_instance_id) DO UPDATE
		SET cloud_account_id = EXCLUDED.cloud_account_id,
		    region = EXCLUDED.region,
		    machine_image_id = COALESCE(EXCLUDED.machine_image_id, i.machine_image_id),
		    updated_at = EXCLUDED.updated_at
		RETURNING `+instanceColumns,
		p.CloudAccountID, p.EC2InstanceID, p.Region, p.MachineImageID, now))
	if err != nil {
		return nil, fmt.Errorf("save instance: %w", apperrors.MapDBError(err))
	}
	return inst, nil
}

const eventColumns = `id, instance_id, event_type, occurred_at, instance_type, subnet, created_at`

func scanEvent(s rowScanner) (*model.InstanceEvent, error) {
	ev := &model.InstanceEvent{}
	var instanceType, subnet sql.NullString
	if err := s.Scan(&ev.ID, &ev.InstanceID, &ev.EventType, &ev.OccurredAt,
		&instanceType, &subnet, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.InstanceType = nullString(instanceType)
	ev.Subnet = nullString(subnet)
	return ev, nil
}

// AddEvent stores one event for an instance.
func (r *InstanceRepo) AddEvent(ctx context.Context, ev model.InstanceEvent) (*model.InstanceEvent, error) {
	if !ev.EventType.Valid() {
		return nil, apperrors.ValidationField("event_type", fmt.Sprintf("invalid event type %q", ev.EventType))
	}
	saved, err := scanEvent(r.q.QueryRowContext(ctx, `
		INSERT INTO instance_events (instance_id, event_type, occurred_at, instance_type, subnet, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+eventColumns,
		ev.InstanceID, ev.EventType, ev.OccurredAt.UTC(), ev.InstanceType, ev.Subnet, r.tp.Now()))
	if err != nil {
		return nil, fmt.Errorf("add instance event: %w", apperrors.MapDBError(err))
	}
	return saved, nil
}

// ListEvents returns an instance's events in occurrence order.
func (r *InstanceRepo) ListEvents(ctx context.Context, instanceID int64) ([]*model.InstanceEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM instance_events WHERE instance_id = $1 ORDER BY occurred_at, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list instance events: %w", err)
	}
	defer rows.Close()
	var out []*model.InstanceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// IsDefined reports whether the instance is stored with an image and has at
// least one event carrying an instance type.
func (r *InstanceRepo) IsDefined(ctx context.Context, ec2InstanceID string) (bool, error) {
	var ok bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS (
		  SELECT 1 FROM instances i
		  JOIN instance_events e ON e.instance_id = i.id
		  WHERE i.ec2_instance_id = $1
		    AND i.machine_image_id IS NOT NULL
		    AND e.instance_type IS NOT NULL
		)
	`, ec2InstanceID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check instance defined: %w", err)
	}
	return ok, nil
}

// List returns instances ordered by id.
func (r *InstanceRepo) List(ctx context.Context, opts model.InstanceListOptions) ([]*model.Instance, error) {
	clauses := []string{"TRUE"}
	var args []any
	if opts.UserID != nil {
		args = append(args, *opts.UserID)
		clauses = append(clauses, fmt.Sprintf("ca.user_id = $%d", len(args)))
	}
	if opts.CloudAccountID != nil {
		args = append(args, *opts.CloudAccountID)
		clauses = append(clauses, fmt.Sprintf("i.cloud_account_id = $%d", len(args)))
	}
	if opts.RunningSince != nil {
		args = append(args, opts.RunningSince.UTC())
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM runs rn WHERE rn.instance_id = i.id AND (rn.end_time IS NULL OR rn.end_time >= $%d))",
			len(args)))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, max(opts.Offset, 0))
	query := fmt.Sprintf(`
		SELECT %s FROM instances i
		JOIN cloud_accounts ca ON ca.id = i.cloud_account_id
		WHERE %s
		ORDER BY i.id
		LIMIT $%d OFFSET $%d`, instanceColumns, strings.Join(clauses, " AND "), len(args)-1, len(args))
	return r.queryInstances(ctx, query, args...)
}

// ListByAccount returns every instance of a cloud account.
func (r *InstanceRepo) ListByAccount(ctx context.Context, cloudAccountID int64) ([]*model.Instance, error) {
	return r.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances i WHERE i.cloud_account_id = $1 ORDER BY i.id`, cloudAccountID)
}
