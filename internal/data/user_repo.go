package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

// UserRepo stores platform users.
type UserRepo struct {
	q  Querier
	tp TimeProvider
}

// NewUserRepo creates a UserRepo on q, which may be a *sql.DB or *sql.Tx.
func NewUserRepo(q Querier, tp TimeProvider) *UserRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &UserRepo{q: q, tp: tp}
}

const userColumns = `id, account_number, org_id, is_org_admin, date_joined`

func scanUser(s rowScanner) (*model.User, error) {
	u := &model.User{}
	var orgID sql.NullString
	if err := s.Scan(&u.ID, &u.AccountNumber, &orgID, &u.IsOrgAdmin, &u.DateJoined); err != nil {
		return nil, err
	}
	u.OrgID = nullString(orgID)
	return u, nil
}

func (r *UserRepo) getOne(ctx context.Context, where string, arg any) (*model.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByID returns the user with id.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByAccountNumber returns the user owning accountNumber.
func (r *UserRepo) GetByAccountNumber(ctx context.Context, accountNumber string) (*model.User, error) {
	return r.getOne(ctx, "account_number = $1", accountNumber)
}

// GetOrCreate returns the user for req.AccountNumber, inserting it when absent.
// The org id is filled in on an existing user that has none.
func (r *UserRepo) GetOrCreate(ctx context.Context, req model.CreateUserRequest) (*model.User, bool, error) {
	if req.AccountNumber == "" {
		return nil, false, apperrors.ValidationField("account_number", "account number is required")
	}
	var orgID any
	if req.OrgID != nil && *req.OrgID != "" {
		orgID = *req.OrgID
	}
	u, err := scanUser(r.q.QueryRowContext(ctx, `
		INSERT INTO users (account_number, org_id, is_org_admin, date_joined)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_number) DO NOTHING
		RETURNING `+userColumns,
		req.AccountNumber, orgID, req.IsOrgAdmin, r.tp.Now()))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create user: %w", apperrors.MapDBError(err))
	}

	u, err = scanUser(r.q.QueryRowContext(ctx, `
		UPDATE users SET org_id = COALESCE(org_id, $2)
		WHERE account_number = $1
		RETURNING `+userColumns, req.AccountNumber, orgID))
	if err != nil {
		return nil, false, fmt.Errorf("get existing user: %w", err)
	}
	return u, false, nil
}

// List returns all users ordered by id.
func (r *UserRepo) List(ctx context.Context) ([]*model.User, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
