package devseed

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/testutil"
)

func TestRunIsIdempotent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		services, err := NewServices(db, nil)
		require.NoError(t, err)

		now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
		opts := Options{AccountNumber: "seed-1", AWSAccountID: "210987654321", Days: 3, Now: func() time.Time { return now }}
		require.NoError(t, Run(ctx, services, opts, nil))
		require.NoError(t, Run(ctx, services, opts, nil))

		repos := services.Store.Repos()
		user, err := repos.Users.GetByAccountNumber(ctx, "seed-1")
		require.NoError(t, err)

		instances, err := repos.Instances.List(ctx, model.InstanceListOptions{UserID: &user.ID, Limit: 50})
		require.NoError(t, err)
		assert.Len(t, instances, len(seedInstances))

		usage, err := repos.Usage.List(ctx, model.UsageQuery{
			UserID: user.ID,
			Start:  time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC),
			End:    time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, usage)
	})
}

func TestRunRequiresServices(t *testing.T) {
	err := Run(context.Background(), Services{}, Options{}, nil)
	assert.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultAccountNumber, opts.AccountNumber)
	assert.Equal(t, DefaultAWSAccountID, opts.AWSAccountID)
	assert.Equal(t, DefaultDays, opts.Days)
	assert.NotNil(t, opts.Now)
}
