package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

// AccountRepo stores cloud accounts joined with their AWS details.
type AccountRepo struct {
	q  Querier
	tp TimeProvider
}

// NewAccountRepo creates an AccountRepo on q.
func NewAccountRepo(q Querier, tp TimeProvider) *AccountRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &AccountRepo{q: q, tp: tp}
}

const accountSelect = `
  SELECT
    ca.id, ca.user_id, ca.name, ca.cloud_type, ca.is_enabled, ca.is_paused, ca.enabled_at,
    ca.platform_authentication_id, ca.platform_application_id, ca.platform_source_id,
    ca.created_at, ca.updated_at,
    aws.id, aws.aws_account_id, aws.account_arn, aws.created_at
  FROM cloud_accounts ca
  JOIN aws_cloud_accounts aws ON aws.cloud_account_id = ca.id
`

func scanAccount(s rowScanner) (*model.CloudAccount, error) {
	a := &model.CloudAccount{AWS: &model.AwsCloudAccount{}}
	var enabledAt sql.NullTime
	var authID, appID, srcID sql.NullInt64
	if err := s.Scan(
		&a.ID, &a.UserID, &a.Name, &a.CloudType, &a.IsEnabled, &a.IsPaused, &enabledAt,
		&authID, &appID, &srcID,
		&a.CreatedAt, &a.UpdatedAt,
		&a.AWS.ID, &a.AWS.AWSAccountID, &a.AWS.AccountARN, &a.AWS.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.EnabledAt = nullTime(enabledAt)
	a.PlatformAuthenticationID = nullInt64(authID)
	a.PlatformApplicationID = nullInt64(appID)
	a.PlatformSourceID = nullInt64(srcID)
	return a, nil
}

func nullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func (r *AccountRepo) queryAccounts(ctx context.Context, query string, args ...any) ([]*model.CloudAccount, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cloud accounts: %w", err)
	}
	defer rows.Close()
	var out []*model.CloudAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cloud account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AccountRepo) getOne(ctx context.Context, where string, arg any) (*model.CloudAccount, error) {
	a, err := scanAccount(r.q.QueryRowContext(ctx, accountSelect+` WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cloud account: %w", err)
	}
	return a, nil
}

// Create inserts the cloud account and its AWS row. Callers that need both
// inserts to be atomic run it through Store.InTx.
func (r *AccountRepo) Create(ctx context.Context, p core.CreateCloudAccountParams) (*model.CloudAccount, error) {
	now := r.tp.Now()
	var id int64
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO cloud_accounts (
		  user_id, name, cloud_type, is_enabled, enabled_at,
		  platform_authentication_id, platform_application_id, platform_source_id,
		  created_at, updated_at
		) VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8, $8)
		RETURNING id
	`, p.UserID, p.Name, model.CloudTypeAWS, p.EnabledAt.UTC(),
		p.PlatformAuthenticationID, p.PlatformApplicationID, p.PlatformSourceID, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert cloud account: %w", apperrors.MapDBError(err))
	}
	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO aws_cloud_accounts (cloud_account_id, aws_account_id, account_arn, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, p.AWSAccountID, p.ARN, now); err != nil {
		return nil, fmt.Errorf("insert aws cloud account: %w", apperrors.MapDBError(err))
	}
	return r.GetByID(ctx, id)
}

// GetByID returns the account with id.
func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*model.CloudAccount, error) {
	return r.getOne(ctx, "ca.id = $1", id)
}

// GetByAWSAccountID returns the account registered for a 12-digit AWS account id.
func (r *AccountRepo) GetByAWSAccountID(ctx context.Context, awsAccountID string) (*model.CloudAccount, error) {
	return r.getOne(ctx, "aws.aws_account_id = $1", awsAccountID)
}

// GetByARN returns the account registered with a role ARN.
func (r *AccountRepo) GetByARN(ctx context.Context, arn string) (*model.CloudAccount, error) {
	return r.getOne(ctx, "aws.account_arn = $1", arn)
}

// FindByPlatform returns accounts matching every non-nil platform id.
func (r *AccountRepo) FindByPlatform(ctx context.Context, lookup core.PlatformLookup) ([]*model.CloudAccount, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, v *int64) {
		if v == nil {
			return
		}
		args = append(args, *v)
		clauses = append(clauses, fmt.Sprintf("ca.%s = $%d", column, len(args)))
	}
	add("platform_authentication_id", lookup.AuthenticationID)
	add("platform_application_id", lookup.ApplicationID)
	add("platform_source_id", lookup.SourceID)
	if len(clauses) == 0 {
		return nil, apperrors.Validation("at least one platform id is required")
	}
	return r.queryAccounts(ctx, accountSelect+` WHERE `+strings.Join(clauses, " AND ")+` ORDER BY ca.id`, args...)
}

func accountFilter(opts model.CloudAccountListOptions) (string, []any) {
	var (
		clauses = []string{"TRUE"}
		args    []any
	)
	if opts.UserID != nil {
		args = append(args, *opts.UserID)
		clauses = append(clauses, fmt.Sprintf("ca.user_id = $%d", len(args)))
	}
	if opts.AccountID != nil {
		args = append(args, *opts.AccountID)
		clauses = append(clauses, fmt.Sprintf("ca.id = $%d", len(args)))
	}
	if opts.Enabled != nil {
		args = append(args, *opts.Enabled)
		clauses = append(clauses, fmt.Sprintf("ca.is_enabled = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// List returns accounts ordered by id.
func (r *AccountRepo) List(ctx context.Context, opts model.CloudAccountListOptions) ([]*model.CloudAccount, error) {
	where, args := accountFilter(opts)
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, max(opts.Offset, 0))
	query := fmt.Sprintf(`%s WHERE %s ORDER BY ca.id LIMIT $%d OFFSET $%d`, accountSelect, where, len(args)-1, len(args))
	return r.queryAccounts(ctx, query, args...)
}

// Count returns the number of accounts matching opts, ignoring paging.
func (r *AccountRepo) Count(ctx context.Context, opts model.CloudAccountListOptions) (int, error) {
	where, args := accountFilter(opts)
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT count(*) FROM cloud_accounts ca WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cloud accounts: %w", err)
	}
	return n, nil
}

// SetEnabled flips is_enabled; enabling also stamps enabled_at.
func (r *AccountRepo) SetEnabled(ctx context.Context, id int64, enabled bool, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE cloud_accounts
		SET is_enabled = $2,
		    enabled_at = CASE WHEN $2 THEN $3::timestamptz ELSE enabled_at END,
		    updated_at = $4
		WHERE id = $1
	`, id, enabled, at.UTC(), r.tp.Now())
	return expectOne(res, err, ErrAccountNotFound)
}

// SetPaused flips is_paused.
func (r *AccountRepo) SetPaused(ctx context.Context, id int64, paused bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE cloud_accounts SET is_paused = $2, updated_at = $3 WHERE id = $1`,
		id, paused, r.tp.Now())
	return expectOne(res, err, ErrAccountNotFound)
}

// UpdateARN replaces the role ARN and AWS account id of an account.
func (r *AccountRepo) UpdateARN(ctx context.Context, id int64, arn, awsAccountID string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE aws_cloud_accounts SET account_arn = $2, aws_account_id = $3
		WHERE cloud_account_id = $1
	`, id, arn, awsAccountID)
	if err != nil {
		return fmt.Errorf("update arn: %w", apperrors.MapDBError(err))
	}
	return expectOne(res, nil, ErrAccountNotFound)
}

// Delete removes the account; instances, events and runs cascade.
func (r *AccountRepo) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM cloud_accounts WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete cloud account: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func expectOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
