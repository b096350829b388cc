package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// DefinitionRepo stores EC2 instance type definitions.
type DefinitionRepo struct {
	q Querier
}

// NewDefinitionRepo creates a DefinitionRepo on q.
func NewDefinitionRepo(q Querier) *DefinitionRepo {
	return &DefinitionRepo{q: q}
}

// Get returns the definition of instanceType.
func (r *DefinitionRepo) Get(ctx context.Context, instanceType string) (*model.InstanceDefinition, error) {
	d := &model.InstanceDefinition{}
	err := r.q.QueryRowContext(ctx, `
		SELECT instance_type, memory::float8, vcpu, cloud_type
		FROM instance_definitions WHERE instance_type = $1
	`, instanceType).Scan(&d.InstanceType, &d.Memory, &d.VCPU, &d.CloudType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance definition: %w", err)
	}
	return d, nil
}

// InsertIfMissing stores def unless its instance type exists and reports whether it inserted.
func (r *DefinitionRepo) InsertIfMissing(ctx context.Context, def model.InstanceDefinition) (bool, error) {
	cloudType := def.CloudType
	if cloudType == "" {
		cloudType = model.CloudTypeAWS
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO instance_definitions (instance_type, memory, vcpu, cloud_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instance_type) DO NOTHING
	`, def.InstanceType, def.Memory, def.VCPU, cloudType)
	if err != nil {
		return false, fmt.Errorf("insert instance definition: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
