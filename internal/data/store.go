package data

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data/pgxutil"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// Store owns the database handle and hands out repositories bound either to
// the pool or to a single transaction.
type Store struct {
	DB   *sql.DB
	Jobs *JobRepo
	tp   TimeProvider
}

// NewStore creates a Store. A nil tp uses the wall clock.
func NewStore(db *sql.DB, tp TimeProvider, logger *slog.Logger) *Store {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &Store{
		DB:   db,
		Jobs: NewJobRepo(db, RepoConfig{TimeProvider: tp, Logger: logger}),
		tp:   tp,
	}
}

// Repos returns repositories that run each statement on its own connection.
func (s *Store) Repos() core.Repos {
	return s.bind(s.DB, poolEnqueuer{jobs: s.Jobs})
}

// InTx runs fn with repositories sharing one transaction. Jobs enqueued
// through the bundle become visible to workers only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(core.Repos) error) error {
	return pgxutil.WithSQLTx(ctx, s.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			return fn(s.bind(tx, txEnqueuer{jobs: s.Jobs, tx: tx}))
		},
	})
}

// Overviews returns the overview repository bound to the pool.
func (s *Store) Overviews() *OverviewRepo {
	return NewOverviewRepo(s.DB)
}

func (s *Store) bind(q Querier, jobs core.JobEnqueuer) core.Repos {
	return core.Repos{
		Users:       NewUserRepo(q, s.tp),
		Accounts:    NewAccountRepo(q, s.tp),
		Images:      NewImageRepo(q, s.tp),
		Instances:   NewInstanceRepo(q, s.tp),
		Runs:        NewRunRepo(q),
		Definitions: NewDefinitionRepo(q),
		Usage:       NewUsageRepo(q, s.tp),
		Jobs:        jobs,
	}
}

type poolEnqueuer struct {
	jobs *JobRepo
}

func (e poolEnqueuer) Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	return e.jobs.Create(ctx, req)
}

type txEnqueuer struct {
	jobs *JobRepo
	tx   *sql.Tx
}

func (e txEnqueuer) Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	return e.jobs.CreateInTx(ctx, e.tx, req)
}

var (
	_ core.Store              = (*Store)(nil)
	_ core.OverviewRepository = (*OverviewRepo)(nil)
	_ core.JobRepository      = (*JobRepo)(nil)
	_ core.JobRepositoryTx    = (*JobRepo)(nil)
	_ core.ReaperRepository   = (*JobRepo)(nil)
)
