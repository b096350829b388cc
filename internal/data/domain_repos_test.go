package data

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func TestUserRepo_GetOrCreate(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewUserRepo(db, nil)
		ctx := context.Background()

		u, created, err := repo.GetOrCreate(ctx, model.CreateUserRequest{AccountNumber: "1337"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Nil(t, u.OrgID)

		again, created, err := repo.GetOrCreate(ctx, model.CreateUserRequest{AccountNumber: "1337", OrgID: ptr("42")})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, u.ID, again.ID)
		require.NotNil(t, again.OrgID)
		assert.Equal(t, "42", *again.OrgID)

		_, _, err = repo.GetOrCreate(ctx, model.CreateUserRequest{})
		assert.Error(t, err)
	})
}

func TestAccountRepo_Lifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		userID := testutil.InsertUser(t, db, "1001")
		repo := NewAccountRepo(db, nil)
		enabledAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		acct, err := repo.Create(ctx, core.CreateCloudAccountParams{
			UserID:                   userID,
			Name:                     "aws-account-123456789012",
			AWSAccountID:             "123456789012",
			ARN:                      "arn:aws:iam::123456789012:role/cloudigrade",
			PlatformAuthenticationID: ptr(int64(7)),
			EnabledAt:                enabledAt,
		})
		require.NoError(t, err)
		assert.True(t, acct.IsEnabled)
		assert.Equal(t, "123456789012", acct.AWS.AWSAccountID)

		byARN, err := repo.GetByARN(ctx, acct.ARN())
		require.NoError(t, err)
		assert.Equal(t, acct.ID, byARN.ID)

		found, err := repo.FindByPlatform(ctx, core.PlatformLookup{AuthenticationID: ptr(int64(7))})
		require.NoError(t, err)
		require.Len(t, found, 1)

		require.NoError(t, repo.SetEnabled(ctx, acct.ID, false, enabledAt.Add(time.Hour)))
		got, err := repo.GetByID(ctx, acct.ID)
		require.NoError(t, err)
		assert.False(t, got.IsEnabled)

		deleted, err := repo.Delete(ctx, acct.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetByID(ctx, acct.ID)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestImageRepo_CreateAndUpdate(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewImageRepo(db, nil)

		img, created, err := repo.Create(ctx, model.NewMachineImage{
			EC2AMIID:          "ami-0abc",
			Name:              "RHEL-8.6_HVM-20220503-x86_64-2-Access2-GP2",
			OwnerAWSAccountID: "309956199498",
			Region:            "us-east-1",
		}, model.ImageStatusPending)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, img.IsCloudAccess)
		assert.False(t, img.IsMarketplace)

		_, created, err = repo.Create(ctx, model.NewMachineImage{EC2AMIID: "ami-0abc"}, model.ImageStatusPending)
		require.NoError(t, err)
		assert.False(t, created, "existing image must not be replaced")

		ok, err := repo.Update(ctx, "ami-0abc", core.UpdateImageParams{
			Status:         ptr(model.ImageStatusInspected),
			InspectionJSON: []byte(`{"rhel_found": true}`),
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByAMIID(ctx, "ami-0abc")
		require.NoError(t, err)
		assert.Equal(t, model.ImageStatusInspected, got.Status)
		assert.True(t, got.RHEL())

		ok, err = repo.Update(ctx, "ami-missing", core.UpdateImageParams{Status: ptr(model.ImageStatusError)})
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repo.SetTagFlags(ctx, []string{"ami-0abc"}, core.TagFlags{OpenShift: ptr(true)}))
		got, err = repo.GetByAMIID(ctx, "ami-0abc")
		require.NoError(t, err)
		assert.True(t, got.OpenShiftDetected)
	})
}

func TestRunRepo_ReplaceAndOverlap(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		userID := testutil.InsertUser(t, db, "2002")
		acctID := testutil.InsertAccount(t, db, userID, "210987654321", day.AddDate(0, -1, 0))
		imgID := testutil.InsertImage(t, db, testutil.ImageFixture{AMIID: "ami-rhel", RHELTag: true})
		instID := testutil.InsertInstance(t, db, acctID, "i-0001", &imgID)

		repo := NewRunRepo(db)
		end := day.Add(2 * time.Hour)
		require.NoError(t, repo.ReplaceForInstance(ctx, instID, []model.Run{
			{StartTime: day.Add(-time.Hour), EndTime: &end, MachineImageID: &imgID},
			{StartTime: day.Add(5 * time.Hour), MachineImageID: &imgID},
		}))

		runs, err := repo.ListForInstance(ctx, instID)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Nil(t, runs[1].EndTime)

		overlapping, err := repo.ListOverlapping(ctx, userID, day, day.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, overlapping, 1)
		assert.True(t, overlapping[0].RHEL)
		assert.Equal(t, acctID, overlapping[0].CloudAccountID)

		closed, err := repo.CloseOpenForAccount(ctx, acctID, day.Add(6*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), closed)
	})
}

func TestUsageRepo_UpsertReplaces(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		userID := testutil.InsertUser(t, db, "3003")
		repo := NewUsageRepo(db, nil)
		day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, repo.Upsert(ctx, model.ConcurrentUsage{Date: day, UserID: userID, Instances: 1, InstancesList: []int64{9}}))
		require.NoError(t, repo.Upsert(ctx, model.ConcurrentUsage{Date: day, UserID: userID, Instances: 2, InstancesList: []int64{9, 10}}))

		rows, err := repo.List(ctx, model.UsageQuery{UserID: userID, Start: day, End: day.AddDate(0, 0, 1)})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, 2, rows[0].Instances)
		assert.Equal(t, []int64{9, 10}, rows[0].InstancesList)
		assert.Nil(t, rows[0].CloudAccountID)
	})
}

func TestOverviewRepo_Overviews(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1)
		userID := testutil.InsertUser(t, db, "4004")
		acctID := testutil.InsertAccount(t, db, userID, "111122223333", start.AddDate(0, -1, 0))
		testutil.InsertAccount(t, db, userID, "444455556666", end.Add(time.Hour))

		rhel := testutil.InsertImage(t, db, testutil.ImageFixture{AMIID: "ami-r", RHELFound: true})
		plain := testutil.InsertImage(t, db, testutil.ImageFixture{AMIID: "ami-p"})
		i1 := testutil.InsertInstance(t, db, acctID, "i-1", &rhel)
		i2 := testutil.InsertInstance(t, db, acctID, "i-2", &plain)
		i3 := testutil.InsertInstance(t, db, acctID, "i-3", &plain)
		testutil.InsertRun(t, db, i1, &rhel, start.Add(time.Hour), nil)
		testutil.InsertRun(t, db, i2, &plain, start.Add(-time.Hour), ptr(start.Add(time.Hour)))
		testutil.InsertRun(t, db, i3, &plain, start.AddDate(0, 0, -3), ptr(start.AddDate(0, 0, -2)))

		got, err := NewOverviewRepo(db).Overviews(ctx, model.OverviewQuery{Start: start, End: end, UserID: userID})
		require.NoError(t, err)
		require.Len(t, got, 1, "accounts created after the period are excluded")
		o := got[0]
		assert.Equal(t, "111122223333", o.CloudAccountID)
		assert.Equal(t, "aws", o.Type)
		assert.Equal(t, 2, o.Images)
		assert.Equal(t, 2, o.Instances)
		assert.Equal(t, 1, o.RHELInstances)
		assert.Equal(t, 0, o.OpenShiftInstances)

		got, err = NewOverviewRepo(db).Overviews(ctx, model.OverviewQuery{
			Start: start, End: end, UserID: userID, NamePattern: "nothing matches",
		})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStore_InTxRollsBackJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		store := NewStore(db, nil, nil)
		errBoom := errors.New("boom")

		err := store.InTx(ctx, func(r core.Repos) error {
			if _, _, err := r.Users.GetOrCreate(ctx, model.CreateUserRequest{AccountNumber: "5005"}); err != nil {
				return err
			}
			if _, err := r.Jobs.Enqueue(ctx, testutil.NewJobRequest().Build()); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		_, err = store.Repos().Users.GetByAccountNumber(ctx, "5005")
		assert.ErrorIs(t, err, ErrUserNotFound)
		jobs, err := store.Jobs.List(ctx, model.JobListOptions{})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
}
