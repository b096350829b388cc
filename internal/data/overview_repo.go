package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// OverviewRepo computes per-account activity summaries.
type OverviewRepo struct {
	q Querier
}

// NewOverviewRepo creates an OverviewRepo on q.
func NewOverviewRepo(q Querier) *OverviewRepo {
	return &OverviewRepo{q: q}
}

// Overviews summarizes each of the user's accounts created before q.End.
// Counts consider runs active at any point in [q.Start, q.End). NamePattern
// is split on whitespace and an account matches when its name contains any
// word, case-insensitively.
func (r *OverviewRepo) Overviews(ctx context.Context, q model.OverviewQuery) ([]model.CloudAccountOverview, error) {
	args := []any{q.UserID, q.Start.UTC(), q.End.UTC()}
	where := []string{"ca.user_id = $1", "ca.created_at < $3"}
	if q.AccountID != nil {
		args = append(args, *q.AccountID)
		where = append(where, fmt.Sprintf("ca.id = $%d", len(args)))
	}
	if words := strings.Fields(q.NamePattern); len(words) > 0 {
		var ors []string
		for _, w := range words {
			args = append(args, "%"+escapeLike(w)+"%")
			ors = append(ors, fmt.Sprintf("ca.name ILIKE $%d", len(args)))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	query := `
		WITH active AS (
		  SELECT i.cloud_account_id, rn.instance_id, rn.machine_image_id,
		         COALESCE(mi.rhel_detected_by_tag OR COALESCE((mi.inspection_json->>'rhel_found')::boolean, false), false) AS rhel,
		         COALESCE(mi.openshift_detected, false) AS openshift
		  FROM runs rn
		  JOIN instances i ON i.id = rn.instance_id
		  LEFT JOIN machine_images mi ON mi.id = rn.machine_image_id
		  WHERE rn.start_time < $3 AND (rn.end_time IS NULL OR rn.end_time > $2)
		)
		SELECT ca.id, aws.aws_account_id, ca.user_id, ca.cloud_type, aws.account_arn, ca.created_at, ca.name,
		       COUNT(DISTINCT a.machine_image_id),
		       COUNT(DISTINCT a.instance_id),
		       COUNT(DISTINCT a.instance_id) FILTER (WHERE a.rhel),
		       COUNT(DISTINCT a.instance_id) FILTER (WHERE a.openshift)
		FROM cloud_accounts ca
		JOIN aws_cloud_accounts aws ON aws.cloud_account_id = ca.id
		LEFT JOIN active a ON a.cloud_account_id = ca.id
		WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY ca.id, aws.aws_account_id, aws.account_arn
		ORDER BY ca.id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query overviews: %w", err)
	}
	defer rows.Close()
	out := []model.CloudAccountOverview{}
	for rows.Next() {
		var o model.CloudAccountOverview
		if err := rows.Scan(&o.ID, &o.CloudAccountID, &o.UserID, &o.Type, &o.ARN, &o.CreationDate, &o.Name,
			&o.Images, &o.Instances, &o.RHELInstances, &o.OpenShiftInstances); err != nil {
			return nil, fmt.Errorf("scan overview: %w", err)
		}
		o.CreationDate = o.CreationDate.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
