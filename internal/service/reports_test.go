package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

type recordingOverviews struct {
	queries []model.OverviewQuery
	rows    []model.CloudAccountOverview
}

func (r *recordingOverviews) Overviews(_ context.Context, q model.OverviewQuery) ([]model.CloudAccountOverview, error) {
	r.queries = append(r.queries, q)
	return r.rows, nil
}

func newReportFixture(t *testing.T) (*fakeStore, *recordingOverviews, *ReportService) {
	t.Helper()
	store := newFakeStore()
	overviews := &recordingOverviews{}
	svc, err := NewReportService(ReportServiceOptions{
		Store:     store,
		Overviews: overviews,
		Registry:  testRegistry(t),
		Logger:    discardLogger(),
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return store, overviews, svc
}

func TestNewReportService_RequiresDependencies(t *testing.T) {
	_, err := NewReportService(ReportServiceOptions{})
	require.Error(t, err)
}

func TestReportService_Accounts(t *testing.T) {
	store, _, svc := newReportFixture(t)
	ctx := context.Background()
	user := store.addUser("1234")
	other := store.addUser("5678")
	first := store.addAccount(user.ID, testARN, testAWSAccountID)
	store.addAccount(user.ID, "arn:aws:iam::222222222222:role/cloudigrade", "222222222222")
	foreign := store.addAccount(other.ID, "arn:aws:iam::333333333333:role/cloudigrade", "333333333333")

	page, err := svc.ListAccounts(ctx, user, 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.ID, page.Items[0].ID)
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.More)

	page, err = svc.ListAccounts(ctx, user, 10, 1)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.More)

	got, err := svc.GetAccount(ctx, user, first.ID)
	require.NoError(t, err)
	assert.Equal(t, testAWSAccountID, got.AWS.AWSAccountID)

	_, err = svc.GetAccount(ctx, user, foreign.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = svc.GetAccount(ctx, user, 999)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReportService_ImagesAndInstances(t *testing.T) {
	store, _, svc := newReportFixture(t)
	ctx := context.Background()
	user := store.addUser("1234")
	other := store.addUser("5678")
	mine := store.addAccount(user.ID, testARN, testAWSAccountID)
	theirs := store.addAccount(other.ID, "arn:aws:iam::333333333333:role/cloudigrade", "333333333333")
	used := store.addImage("ami-used", model.ImageStatusInspected)
	unused := store.addImage("ami-other", model.ImageStatusInspected)
	store.addInstance(mine.ID, "i-1", &used.ID)
	store.addInstance(mine.ID, "i-2", &used.ID)
	store.addInstance(theirs.ID, "i-3", &unused.ID)

	images, err := svc.ListImages(ctx, user, 10, 0)
	require.NoError(t, err)
	require.Len(t, images.Items, 1)
	assert.Equal(t, "ami-used", images.Items[0].EC2AMIID)
	assert.Equal(t, -1, images.Count)

	img, err := svc.GetImage(ctx, user, used.ID)
	require.NoError(t, err)
	assert.Equal(t, used.ID, img.ID)
	_, err = svc.GetImage(ctx, user, unused.ID)
	assert.True(t, apperrors.IsNotFound(err))

	instances, err := svc.ListInstances(ctx, user, model.InstanceListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, instances.Items, 1)
	assert.Equal(t, "i-1", instances.Items[0].EC2InstanceID)
	assert.True(t, instances.More)
}

func TestReportService_ConcurrentUsage_SchedulesMissingDays(t *testing.T) {
	store, _, svc := newReportFixture(t)
	user := store.addUser("1234")

	_, err := svc.ConcurrentUsage(context.Background(), user, ConcurrentQuery{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrResultsUnavailable)

	payloads := store.jobsOf(model.TaskCalculateMaxConcurrentUsage)
	require.Len(t, payloads, 1, "start clamps to the join date and end to tomorrow")
	var p tasks.CalculateUsage
	require.NoError(t, json.Unmarshal(payloads[0], &p))
	assert.Equal(t, "2024-03-15", p.Date)
	assert.Equal(t, user.ID, p.UserID)
}

func TestReportService_ConcurrentUsage_Stored(t *testing.T) {
	store, _, svc := newReportFixture(t)
	ctx := context.Background()
	user := store.addUser("1234")
	account := store.addAccount(user.ID, testARN, testAWSAccountID)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	store.usage = append(store.usage, model.ConcurrentUsage{
		Date: day, UserID: user.ID, Instances: 2, VCPU: 4, Memory: 8, InstancesList: []int64{1, 2},
	})

	page, err := svc.ConcurrentUsage(ctx, user, ConcurrentQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].Instances)
	assert.Equal(t, 1, page.Count)

	page, err = svc.ConcurrentUsage(ctx, user, ConcurrentQuery{CloudAccountID: &account.ID})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 0, page.Items[0].Instances, "accounts without activity report zero usage")
	assert.Equal(t, account.ID, *page.Items[0].CloudAccountID)
	assert.Empty(t, store.jobs)
}

func TestReportService_ConcurrentUsage_InvalidRange(t *testing.T) {
	store, _, svc := newReportFixture(t)
	user := store.addUser("1234")

	_, err := svc.ConcurrentUsage(context.Background(), user, ConcurrentQuery{
		Start: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC),
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestReportService_AccountOverviews(t *testing.T) {
	store, overviews, svc := newReportFixture(t)
	user := store.addUser("1234")
	overviews.rows = []model.CloudAccountOverview{{ID: 1, Name: "aws-account-123456789012"}}

	_, err := svc.AccountOverviews(context.Background(), user, model.OverviewQuery{})
	assert.True(t, apperrors.IsValidation(err))

	rows, err := svc.AccountOverviews(context.Background(), user, model.OverviewQuery{
		Start:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		NamePattern: "aws",
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	require.Len(t, overviews.queries, 1)
	assert.Equal(t, user.ID, overviews.queries[0].UserID)
	assert.Equal(t, "aws", overviews.queries[0].NamePattern)
}
