package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
	}{
		{name: "deadline", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: context.Canceled, wantCode: ErrCodeCanceled},
		{name: "no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{
			name: "unique violation from detail",
			err: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: `Key (account_arn)=(arn:aws:iam::123456789012:role/x) already exists.`,
			},
			wantCode:  ErrCodeConflict,
			wantField: "account_arn",
		},
		{
			name: "unique violation from constraint",
			err: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				TableName:      "aws_cloud_accounts",
				ConstraintName: "aws_cloud_accounts_aws_account_id_key",
			},
			wantCode:  ErrCodeConflict,
			wantField: "aws_account_id",
		},
		{
			name: "not null",
			err: &pgconn.PgError{
				Code:       pgerrcode.NotNullViolation,
				ColumnName: "ec2_ami_id",
			},
			wantCode:  ErrCodeValidation,
			wantField: "ec2_ami_id",
		},
		{
			name:     "other pg error",
			err:      &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			assert.Equal(t, tt.wantCode, GetCode(err))
			assert.Equal(t, tt.wantField, GetField(err))
		})
	}
}

func TestMapDBError_Passthrough(t *testing.T) {
	assert.NoError(t, MapDBError(nil))

	plain := errors.New("plain")
	assert.Same(t, plain, MapDBError(plain))
}

func TestMapDBError_ForeignKeyMessages(t *testing.T) {
	err := MapDBError(&pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (id)=(4) is still referenced from table "instances".`,
	})
	assert.True(t, IsForeignKey(err))
	assert.Contains(t, err.Error(), "in use by a instance")

	err = MapDBError(&pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (machine_image_id)=(9) is not present in table "machine_images".`,
	})
	assert.Contains(t, err.Error(), "referenced machine image does not exist")
}
