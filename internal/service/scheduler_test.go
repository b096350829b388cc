package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/mocks"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

type mockScheduledTasksRepo struct {
	mock.Mock
}

func (m *mockScheduledTasksRepo) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ScheduledTask), args.Error(1)
}

func (m *mockScheduledTasksRepo) FindDueTx(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
	limit int,
) ([]domain.ScheduledTask, error) {
	args := m.Called(ctx, tx, now, limit)
	return args.Get(0).([]domain.ScheduledTask), args.Error(1)
}

func (m *mockScheduledTasksRepo) MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error) {
	args := m.Called(ctx, tx, p)
	return args.Bool(0), args.Error(1)
}

func (m *mockScheduledTasksRepo) UpsertByTaskName(ctx context.Context, p domain.UpsertTaskParams) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockScheduledTasksRepo) DeleteExcept(ctx context.Context, keep []string) (int64, error) {
	args := m.Called(ctx, keep)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockScheduledTasksRepo) TryWithTaskLock(
	ctx context.Context,
	taskName string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	args := m.Called(ctx, taskName)
	if args.Bool(0) {
		// Unit tests run without a transaction.
		return true, fn(ctx, nil)
	}
	return false, args.Error(1)
}

var _ core.ScheduledTasksRepository = (*mockScheduledTasksRepo)(nil)

type schedulerFixture struct {
	repo  *mockScheduledTasksRepo
	jobs  *mocks.MockJobRepository
	jobq  *mocks.MockJobIntrospector
	cache core.CacheRepository
	svc   *SchedulerService
}

func newSchedulerFixture(t *testing.T, withCache bool) *schedulerFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &schedulerFixture{
		repo: &mockScheduledTasksRepo{},
		jobs: mocks.NewMockJobRepository(ctrl),
		jobq: mocks.NewMockJobIntrospector(ctrl),
	}
	if withCache {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		f.cache = data.NewRedisCacheRepo(client)
	}
	cfg := core.SchedulerConfig{BatchSize: 10, DefaultPriority: 3, MaxRetries: 2, Overrun: domain.OverrunPolicySkip}
	f.svc = NewSchedulerService(SchedulerServiceOptions{
		Repo:            f.repo,
		Jobs:            f.jobs,
		JobIntrospector: f.jobq,
		Registry:        tasks.MustNewRegistry(),
		Config:          &cfg,
		Cache:           f.cache,
	})
	t.Cleanup(func() { f.repo.AssertExpectations(t) })
	return f
}

var schedulerNow = time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)

func dueTask(name model.JobType) domain.ScheduledTask {
	return domain.ScheduledTask{
		ID:       "task-" + string(name),
		TaskName: string(name),
		Payload:  json.RawMessage(`{}`),
		Schedule: "@every 2m",
	}
}

func TestSchedulerTickEnqueuesDueTask(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	task := dueTask(model.TaskAnalyzeLog)
	fireKey := task.FireKey(schedulerNow)

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil)
	f.repo.On("MarkQueuedTx", ctx, (*sql.Tx)(nil), mock.MatchedBy(func(p domain.MarkQueuedParams) bool {
		return p.ID == task.ID && p.ActiveFireKey != nil && *p.ActiveFireKey == fireKey
	})).Return(true, nil)
	f.jobq.EXPECT().JobStatesByTaskName(ctx, string(model.TaskAnalyzeLog), schedulerNow).Return(domain.OverrunStateMask(0), nil)

	var created *model.CreateJobRequest
	f.jobs.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
			created = req
			return &model.Job{ID: "job-1", Type: req.Type}, nil
		})

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NotNil(t, created)
	assert.Equal(t, model.TaskAnalyzeLog, created.Type)
	assert.Equal(t, 3, created.Priority)
	assert.Equal(t, 2, created.MaxRetries)
	assert.JSONEq(t, `{}`, string(created.Payload))

	var meta map[string]string
	require.NoError(t, json.Unmarshal(created.Metadata, &meta))
	assert.Equal(t, fireKey, meta["scheduler.fire_key"])
	assert.Equal(t, "analyze_log", meta["scheduler.task_name"])
	assert.Equal(t, "@every 2m", meta["scheduler.schedule"])
}

func TestSchedulerTickSkipsOutstandingJob(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	task := dueTask(model.TaskAnalyzeLog)

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil)
	f.repo.On("MarkQueuedTx", ctx, (*sql.Tx)(nil), mock.MatchedBy(func(p domain.MarkQueuedParams) bool {
		return p.ID == task.ID && p.ActiveFireKey == nil
	})).Return(true, nil)
	f.jobq.EXPECT().JobStatesByTaskName(ctx, string(model.TaskAnalyzeLog), schedulerNow).Return(domain.OverrunStateRunning, nil)

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTickQueuePolicyIgnoresOutstandingJobs(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	task := dueTask(model.TaskCalculateMaxConcurrentUsage)
	queue := domain.OverrunPolicyQueue
	task.OverrunPolicy = &queue

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil)
	f.repo.On("MarkQueuedTx", ctx, (*sql.Tx)(nil), mock.Anything).Return(true, nil)
	f.jobs.EXPECT().Create(ctx, gomock.Any()).Return(&model.Job{ID: "job-2"}, nil)

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchedulerTickIgnoresSameFireKey(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	task := dueTask(model.TaskAnalyzeLog)
	key := task.FireKey(schedulerNow)
	task.ActiveFireKey = &key

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil)

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTickDuplicateJobIsNotCounted(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	task := dueTask(model.TaskAnalyzeLog)

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil)
	f.repo.On("MarkQueuedTx", ctx, (*sql.Tx)(nil), mock.Anything).Return(true, nil)
	f.jobq.EXPECT().JobStatesByTaskName(ctx, gomock.Any(), schedulerNow).Return(domain.OverrunStateMask(0), nil)
	f.jobs.EXPECT().Create(ctx, gomock.Any()).Return(nil, &pgconn.PgError{Code: pgerrcode.UniqueViolation})

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTickFireKeyClaimedOnce(t *testing.T) {
	f := newSchedulerFixture(t, true)
	ctx := context.Background()
	task := dueTask(model.TaskAnalyzeLog)

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil).Twice()
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil).Twice()
	f.repo.On("MarkQueuedTx", ctx, (*sql.Tx)(nil), mock.Anything).Return(true, nil).Twice()
	f.jobq.EXPECT().JobStatesByTaskName(ctx, gomock.Any(), schedulerNow).Return(domain.OverrunStateMask(0), nil).Times(2)
	f.jobs.EXPECT().Create(ctx, gomock.Any()).Return(&model.Job{ID: "job-3"}, nil).Times(1)

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second replica firing the same minute loses the claim.
	n, err = f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTickLockNotAcquired(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(false, nil)

	n, err := f.svc.Tick(ctx, schedulerNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulerTickRejectsInvalidPayload(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	task := dueTask(model.TaskAnalyzeLog)
	task.Payload = json.RawMessage(`{"unexpected":1}`)

	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask{task}, nil)
	f.jobq.EXPECT().JobStatesByTaskName(ctx, gomock.Any(), schedulerNow).Return(domain.OverrunStateMask(0), nil)

	_, err := f.svc.Tick(ctx, schedulerNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyze_log")
}

func TestSchedulerTickPropagatesFindError(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	boom := errors.New("db down")
	f.repo.On("TryWithTaskLock", ctx, tickLockName).Return(true, nil)
	f.repo.On("FindDueTx", ctx, (*sql.Tx)(nil), schedulerNow, 10).Return([]domain.ScheduledTask(nil), boom)

	_, err := f.svc.Tick(ctx, schedulerNow)
	require.ErrorIs(t, err, boom)
}

func TestSchedulerSync(t *testing.T) {
	f := newSchedulerFixture(t, false)
	ctx := context.Background()
	periodic, err := tasks.MustNewRegistry().Periodic(map[string]string{"analyze_log": "@every 7m"})
	require.NoError(t, err)

	var analyze domain.UpsertTaskParams
	f.repo.On("UpsertByTaskName", ctx, mock.Anything).Run(func(args mock.Arguments) {
		p := args.Get(1).(domain.UpsertTaskParams)
		if p.TaskName == string(model.TaskAnalyzeLog) {
			analyze = p
		}
	}).Return(nil).Times(len(periodic))
	f.repo.On("DeleteExcept", ctx, mock.MatchedBy(func(keep []string) bool {
		return len(keep) == len(periodic)
	})).Return(int64(1), nil)

	require.NoError(t, f.svc.Sync(ctx, periodic))
	assert.Equal(t, "@every 7m", analyze.Schedule)
	assert.JSONEq(t, `{}`, string(analyze.Payload))
}
