package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/observability/metrics"
)

// mockReaperRepo returns count once per step, then 0 to simulate batch exhaustion.
type mockReaperRepo struct {
	failStalePendingJobsCalled int
	failStalePendingJobsCount  int64
	failStalePendingJobsError  error

	deleteCalls  map[model.JobStatus]int
	deleteCounts map[model.JobStatus]int64
	deleteError  error
}

func (m *mockReaperRepo) FailStalePendingJobs(_ context.Context, _ time.Duration, _ int) (int64, error) {
	m.failStalePendingJobsCalled++
	if m.failStalePendingJobsError != nil {
		return 0, m.failStalePendingJobsError
	}
	if m.failStalePendingJobsCalled == 1 {
		return m.failStalePendingJobsCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if m.deleteCalls == nil {
		m.deleteCalls = map[model.JobStatus]int{}
	}
	m.deleteCalls[params.Status]++
	if m.deleteError != nil {
		return 0, m.deleteError
	}
	if m.deleteCalls[params.Status] == 1 {
		return m.deleteCounts[params.Status], nil
	}
	return 0, nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        time.Minute,
		PendingMaxAge:   time.Hour,
		CompletedMaxAge: time.Hour,
		FailedMaxAge:    time.Hour,
		BatchSize:       10,
	}
}

func TestNewReaperService_RequiresRepo(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{Config: testReaperConfig()})
	require.Error(t, err)
}

func TestReaperService_RunCleanup(t *testing.T) {
	repo := &mockReaperRepo{
		failStalePendingJobsCount: 2,
		deleteCounts: map[model.JobStatus]int64{
			model.JobStatusCompleted: 5,
			model.JobStatusFailed:    1,
		},
	}
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:    repo,
		Config:  testReaperConfig(),
		Metrics: metrics.NewJobs(nil),
	})
	require.NoError(t, err)

	require.NoError(t, svc.RunCleanup(context.Background()))
	assert.Equal(t, 2, repo.failStalePendingJobsCalled)
	assert.Equal(t, 2, repo.deleteCalls[model.JobStatusCompleted])
	assert.Equal(t, 2, repo.deleteCalls[model.JobStatusFailed])
}

func TestReaperService_RunCleanup_ContinuesAfterError(t *testing.T) {
	repo := &mockReaperRepo{failStalePendingJobsError: errors.New("db down")}
	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	err = svc.RunCleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail_pending")
	assert.Equal(t, 1, repo.deleteCalls[model.JobStatusCompleted])
	assert.Equal(t, 1, repo.deleteCalls[model.JobStatusFailed])
}

func TestReaperService_RunCleanup_CanceledContext(t *testing.T) {
	repo := &mockReaperRepo{
		failStalePendingJobsError: context.Canceled,
		deleteError:               context.Canceled,
	}
	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: testReaperConfig()})
	require.NoError(t, err)

	err = svc.RunCleanup(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaperService_RunStopsOnCancel(t *testing.T) {
	repo := &mockReaperRepo{}
	cfg := testReaperConfig()
	cfg.Interval = 10 * time.Millisecond
	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Config: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	select {
	case err := <-done:
		// DeadlineExceeded is reported; Canceled would return nil.
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
