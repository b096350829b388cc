package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

const usageDateLayout = "2006-01-02"

// UsageServiceOptions groups dependencies for UsageService.
type UsageServiceOptions struct {
	Store    core.Store       // Required: repositories
	Registry *tasks.Registry  // Required: task payloads
	Logger   *slog.Logger     // Optional: structured logger
	Now      func() time.Time // Optional: clock
}

// UsageService computes daily maximum concurrent RHEL usage.
type UsageService struct {
	store    core.Store
	registry *tasks.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewUsageService constructs a UsageService.
func NewUsageService(opts UsageServiceOptions) (*UsageService, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("task registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &UsageService{
		store:    opts.Store,
		registry: opts.Registry,
		logger:   logger.With("component", "usage_service"),
		now:      now,
	}, nil
}

// Handlers returns the usage task handlers.
func (s *UsageService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskCalculateMaxConcurrentUsage: s.calculateMaxConcurrentUsage,
	}
}

func (s *UsageService) calculateMaxConcurrentUsage(ctx context.Context, job *model.Job) error {
	var p tasks.CalculateUsage
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}

	day := startOfDay(s.now()).AddDate(0, 0, -1)
	if p.Date != "" {
		parsed, err := time.Parse(usageDateLayout, p.Date)
		if err != nil {
			return apperrors.ValidationField("date", fmt.Sprintf("invalid date %q", p.Date))
		}
		day = parsed
	}

	repos := s.store.Repos()
	var userIDs []int64
	if p.UserID != 0 {
		userIDs = []int64{p.UserID}
	} else {
		users, err := repos.Users.List(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			userIDs = append(userIDs, u.ID)
		}
	}

	for _, userID := range userIDs {
		if err := s.CalculateForUser(ctx, userID, day); err != nil {
			return fmt.Errorf("usage for user %d on %s: %w", userID, day.Format(usageDateLayout), err)
		}
	}
	return nil
}

// CalculateForUser stores the user's concurrent usage on day, once for all
// accounts together and once per cloud account with activity.
func (s *UsageService) CalculateForUser(ctx context.Context, userID int64, day time.Time) error {
	day = startOfDay(day)
	end := day.Add(24 * time.Hour)
	repos := s.store.Repos()

	runs, err := repos.Runs.ListOverlapping(ctx, userID, day, end)
	if err != nil {
		return err
	}

	byAccount := map[int64][]model.RunWithContext{}
	var rhel []model.RunWithContext
	for _, r := range runs {
		if !r.RHEL {
			continue
		}
		rhel = append(rhel, r)
		byAccount[r.CloudAccountID] = append(byAccount[r.CloudAccountID], r)
	}

	usages := []model.ConcurrentUsage{MaxConcurrentUsage(rhel, day, end)}
	for accountID, accountRuns := range byAccount {
		u := MaxConcurrentUsage(accountRuns, day, end)
		id := accountID
		u.CloudAccountID = &id
		usages = append(usages, u)
	}

	return s.store.InTx(ctx, func(tx core.Repos) error {
		for _, u := range usages {
			u.UserID = userID
			if err := tx.Usage.Upsert(ctx, u); err != nil {
				return err
			}
		}
		s.logger.InfoContext(ctx, "stored concurrent usage",
			"user_id", userID, "date", day.Format(usageDateLayout), "rows", len(usages))
		return nil
	})
}

type usagePoint struct {
	at    time.Time
	delta int
	run   model.RunWithContext
}

// MaxConcurrentUsage sweeps runs clipped to [start, end) and returns the
// moment with the most concurrently running instances. Runs ending at the
// instant another starts are not counted as overlapping.
func MaxConcurrentUsage(runs []model.RunWithContext, start, end time.Time) model.ConcurrentUsage {
	usage := model.ConcurrentUsage{Date: start, InstancesList: []int64{}}

	points := make([]usagePoint, 0, 2*len(runs))
	for _, r := range runs {
		if !r.Overlaps(start, end) {
			continue
		}
		from := r.StartTime
		if from.Before(start) {
			from = start
		}
		to := end
		if r.EndTime != nil && r.EndTime.Before(end) {
			to = *r.EndTime
		}
		if !from.Before(to) {
			continue
		}
		points = append(points, usagePoint{at: from, delta: 1, run: r}, usagePoint{at: to, delta: -1, run: r})
	}
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].at.Equal(points[j].at) {
			return points[i].delta < points[j].delta
		}
		return points[i].at.Before(points[j].at)
	})

	active := map[int64]model.RunWithContext{}
	for _, pt := range points {
		if pt.delta < 0 {
			delete(active, pt.run.ID)
			continue
		}
		active[pt.run.ID] = pt.run
		if len(active) <= usage.Instances {
			continue
		}
		usage.Instances = len(active)
		usage.Memory = 0
		usage.VCPU = 0
		usage.InstancesList = usage.InstancesList[:0]
		seen := map[int64]bool{}
		for _, r := range active {
			if r.Memory != nil {
				usage.Memory += *r.Memory
			}
			if r.VCPU != nil {
				usage.VCPU += *r.VCPU
			}
			if !seen[r.InstanceID] {
				seen[r.InstanceID] = true
				usage.InstancesList = append(usage.InstancesList, r.InstanceID)
			}
		}
		sort.Slice(usage.InstancesList, func(i, j int) bool { return usage.InstancesList[i] < usage.InstancesList[j] })
	}
	return usage
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
