package reaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/mocks"
)

func TestNewRunner_RequiresStorage(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
}

func TestRun_CleansOnStartAndStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)
	cfg := config.ReaperConfig{
		Interval:        20 * time.Millisecond,
		PendingMaxAge:   time.Hour,
		CompletedMaxAge: 2 * time.Hour,
		FailedMaxAge:    3 * time.Hour,
		BatchSize:       100,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		repo.EXPECT().FailStalePendingJobs(gomock.Any(), time.Hour, 100).Return(int64(0), nil),
		repo.EXPECT().DeleteOldJobs(gomock.Any(), core.DeleteOldJobsParams{
			Status: model.JobStatusCompleted, MaxAge: 2 * time.Hour, BatchSize: 100,
		}).Return(int64(0), nil),
		repo.EXPECT().DeleteOldJobs(gomock.Any(), core.DeleteOldJobsParams{
			Status: model.JobStatusFailed, MaxAge: 3 * time.Hour, BatchSize: 100,
		}).DoAndReturn(func(context.Context, core.DeleteOldJobsParams) (int64, error) {
			cancel()
			return 0, nil
		}),
	)
	// A tick can race the cancellation.
	repo.EXPECT().FailStalePendingJobs(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), nil).AnyTimes()
	repo.EXPECT().DeleteOldJobs(gomock.Any(), gomock.Any()).Return(int64(0), nil).AnyTimes()

	r, err := NewRunner(RunnerOptions{
		Repo:   repo,
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))
}
