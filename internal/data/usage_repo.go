package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// UsageRepo stores daily concurrent usage.
type UsageRepo struct {
	q  Querier
	tp TimeProvider
}

// NewUsageRepo creates a UsageRepo on q.
func NewUsageRepo(q Querier, tp TimeProvider) *UsageRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &UsageRepo{q: q, tp: tp}
}

// Upsert replaces the row for (date, user, account).
func (r *UsageRepo) Upsert(ctx context.Context, u model.ConcurrentUsage) error {
	list := u.InstancesList
	if list == nil {
		list = []int64{}
	}
	listJSON, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal instances list: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO concurrent_usage (date, user_id, cloud_account_id, instances, memory, vcpu, instances_list, created_at)
		VALUES ($1::date, $2, $3, $4, $5, $6,
		        ARRAY(SELECT jsonb_array_elements_text($7::jsonb)::bigint), $8)
		ON CONFLICT (date, user_id, COALESCE(cloud_account_id, 0)) DO UPDATE
		SET instances = EXCLUDED.instances,
		    memory = EXCLUDED.memory,
		    vcpu = EXCLUDED.vcpu,
		    instances_list = EXCLUDED.instances_list,
		    created_at = EXCLUDED.created_at
	`, u.Date.UTC().Format("2006-01-02"), u.UserID, u.CloudAccountID, u.Instances, u.Memory, u.VCPU, string(listJSON), r.tp.Now())
	if err != nil {
		return fmt.Errorf("upsert concurrent usage: %w", err)
	}
	return nil
}

// List returns usage rows for the user between Start (inclusive) and End
// (exclusive). Without CloudAccountID only user-wide rows are returned.
func (r *UsageRepo) List(ctx context.Context, q model.UsageQuery) ([]model.ConcurrentUsage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, date, user_id, cloud_account_id, instances, memory, vcpu,
		       array_to_json(instances_list)::text, created_at
		FROM concurrent_usage
		WHERE user_id = $1
		  AND date >= $2::date AND date < $3::date
		  AND cloud_account_id IS NOT DISTINCT FROM $4
		ORDER BY date
		LIMIT $5 OFFSET $6
	`, q.UserID, q.Start.UTC().Format("2006-01-02"), q.End.UTC().Format("2006-01-02"), q.CloudAccountID,
		limit, max(q.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list concurrent usage: %w", err)
	}
	defer rows.Close()
	var out []model.ConcurrentUsage
	for rows.Next() {
		var u model.ConcurrentUsage
		var accountID sql.NullInt64
		var listJSON string
		if err := rows.Scan(&u.ID, &u.Date, &u.UserID, &accountID, &u.Instances, &u.Memory, &u.VCPU,
			&listJSON, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan concurrent usage: %w", err)
		}
		if err := json.Unmarshal([]byte(listJSON), &u.InstancesList); err != nil {
			return nil, fmt.Errorf("decode instances list: %w", err)
		}
		u.CloudAccountID = nullInt64(accountID)
		u.Date = u.Date.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}
