package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// ErrResultsUnavailable reports concurrent usage that has been scheduled for
// calculation but is not stored yet.
var ErrResultsUnavailable = errors.New("concurrent usage results are not available yet")

// Page is one page of a listing. Count is the total across pages, or -1
// when the listing does not count its rows; More reports a following page.
type Page[T any] struct {
	Items []T
	Count int
	More  bool
}

// ConcurrentQuery selects daily concurrent usage for a user. Zero dates
// default to today.
type ConcurrentQuery struct {
	Start          time.Time
	End            time.Time
	CloudAccountID *int64
	Limit          int
	Offset         int
}

// ReportServiceOptions groups dependencies for ReportService.
type ReportServiceOptions struct {
	Store     core.Store              // Required: repositories
	Overviews core.OverviewRepository // Required: account overview reports
	Registry  *tasks.Registry         // Required: schedules missing usage calculations
	Logger    *slog.Logger            // Optional: structured logger
	Now       func() time.Time        // Optional: clock
}

// ReportService answers the read side of the API: accounts, images,
// instances, concurrent usage and account overviews scoped to one user.
type ReportService struct {
	store     core.Store
	overviews core.OverviewRepository
	registry  *tasks.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// NewReportService constructs a ReportService.
func NewReportService(opts ReportServiceOptions) (*ReportService, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Overviews == nil:
		return nil, errors.New("overview repository is required")
	case opts.Registry == nil:
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
	return &ReportService{
		store:     opts.Store,
		overviews: opts.Overviews,
		registry:  opts.Registry,
		logger:    logger.With("component", "report_service"),
		now:       now,
	}, nil
}

// ListAccounts returns a page of the user's cloud accounts.
func (s *ReportService) ListAccounts(
	ctx context.Context,
	user *model.User,
	limit, offset int,
) (Page[*model.CloudAccount], error) {
	opts := model.CloudAccountListOptions{UserID: &user.ID, Limit: limit, Offset: offset}
	repos := s.store.Repos()
	items, err := repos.Accounts.List(ctx, opts)
	if err != nil {
		return Page[*model.CloudAccount]{}, err
	}
	count, err := repos.Accounts.Count(ctx, model.CloudAccountListOptions{UserID: &user.ID})
	if err != nil {
		return Page[*model.CloudAccount]{}, err
	}
	return Page[*model.CloudAccount]{Items: items, Count: count, More: offset+len(items) < count}, nil
}

// GetAccount returns one of the user's cloud accounts.
func (s *ReportService) GetAccount(ctx context.Context, user *model.User, id int64) (*model.CloudAccount, error) {
	account, err := s.store.Repos().Accounts.GetByID(ctx, id)
	if errors.Is(err, data.ErrAccountNotFound) || (err == nil && account.UserID != user.ID) {
		return nil, apperrors.NotFoundf("cloud account %d not found", id)
	}
	return account, err
}

// ListImages returns a page of the images used by the user's instances.
func (s *ReportService) ListImages(
	ctx context.Context,
	user *model.User,
	limit, offset int,
) (Page[*model.MachineImage], error) {
	items, err := s.store.Repos().Images.List(ctx, model.ImageListOptions{
		UserID: &user.ID,
		Limit:  limit + 1,
		Offset: offset,
	})
	if err != nil {
		return Page[*model.MachineImage]{}, err
	}
	return pageOf(items, limit), nil
}

// GetImage returns an image used by one of the user's instances.
func (s *ReportService) GetImage(ctx context.Context, user *model.User, id int64) (*model.MachineImage, error) {
	items, err := s.store.Repos().Images.List(ctx, model.ImageListOptions{UserID: &user.ID, ImageID: &id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.NotFoundf("machine image %d not found", id)
	}
	return items[0], nil
}

// ListInstances returns a page of the user's instances, optionally limited
// to one cloud account or to instances running since a point in time.
func (s *ReportService) ListInstances(
	ctx context.Context,
	user *model.User,
	opts model.InstanceListOptions,
) (Page[*model.Instance], error) {
	limit := opts.Limit
	opts.UserID = &user.ID
	opts.Limit = limit + 1
	items, err := s.store.Repos().Instances.List(ctx, opts)
	if err != nil {
		return Page[*model.Instance]{}, err
	}
	return pageOf(items, limit), nil
}

// ConcurrentUsage returns the user's daily maximum concurrent usage, one row
// per day in [Start, End). End is capped at tomorrow and Start at the day the
// user joined. Days without stored results are scheduled for calculation
// and ErrResultsUnavailable is returned until they are stored.
func (s *ReportService) ConcurrentUsage(
	ctx context.Context,
	user *model.User,
	q ConcurrentQuery,
) (Page[model.ConcurrentUsage], error) {
	today := startOfDay(s.now())
	tomorrow := today.AddDate(0, 0, 1)
	start, end := q.Start, q.End
	if start.IsZero() {
		start = today
	}
	if end.IsZero() {
		end = start.AddDate(0, 0, 1)
	}
	start, end = startOfDay(start), startOfDay(end)
	if end.After(tomorrow) {
		end = tomorrow
	}
	if !start.Before(end) {
		return Page[model.ConcurrentUsage]{}, apperrors.ValidationField("start_date",
			"start_date must be before end_date and not in the future")
	}
	if joined := startOfDay(user.DateJoined); start.Before(joined) {
		start = joined
	}

	repos := s.store.Repos()
	if q.CloudAccountID != nil {
		if _, err := s.GetAccount(ctx, user, *q.CloudAccountID); err != nil {
			return Page[model.ConcurrentUsage]{}, err
		}
	}

	var days []time.Time
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	if len(days) == 0 {
		return Page[model.ConcurrentUsage]{Items: []model.ConcurrentUsage{}}, nil
	}

	stored, err := s.usageByDay(ctx, repos, model.UsageQuery{UserID: user.ID, Start: start, End: end, Limit: len(days)})
	if err != nil {
		return Page[model.ConcurrentUsage]{}, err
	}
	var missing []time.Time
	for _, d := range days {
		if _, ok := stored[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		if err := s.scheduleUsage(ctx, repos, user.ID, missing); err != nil {
			return Page[model.ConcurrentUsage]{}, err
		}
		return Page[model.ConcurrentUsage]{}, ErrResultsUnavailable
	}

	if q.CloudAccountID != nil {
		stored, err = s.usageByDay(ctx, repos, model.UsageQuery{
			UserID:         user.ID,
			CloudAccountID: q.CloudAccountID,
			Start:          start,
			End:            end,
			Limit:          len(days),
		})
		if err != nil {
			return Page[model.ConcurrentUsage]{}, err
		}
	}

	offset := min(max(q.Offset, 0), len(days))
	stop := len(days)
	if q.Limit > 0 {
		stop = min(offset+q.Limit, len(days))
	}
	items := make([]model.ConcurrentUsage, 0, stop-offset)
	for _, d := range days[offset:stop] {
		u, ok := stored[d]
		if !ok {
			u = model.ConcurrentUsage{Date: d, UserID: user.ID, CloudAccountID: q.CloudAccountID, InstancesList: []int64{}}
		}
		items = append(items, u)
	}
	return Page[model.ConcurrentUsage]{Items: items, Count: len(days), More: stop < len(days)}, nil
}

func (s *ReportService) usageByDay(
	ctx context.Context,
	repos core.Repos,
	q model.UsageQuery,
) (map[time.Time]model.ConcurrentUsage, error) {
	rows, err := repos.Usage.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make(map[time.Time]model.ConcurrentUsage, len(rows))
	for _, u := range rows {
		out[startOfDay(u.Date)] = u
	}
	return out, nil
}

func (s *ReportService) scheduleUsage(ctx context.Context, repos core.Repos, userID int64, days []time.Time) error {
	for _, d := range days {
		payload := tasks.CalculateUsage{Date: d.Format(usageDateLayout), UserID: userID}
		if _, err := s.registry.Enqueue(ctx, repos.Jobs, model.TaskCalculateMaxConcurrentUsage, payload); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "scheduled concurrent usage calculation",
		"user_id", userID, "days", len(days))
	return nil
}

// AccountOverviews reports per-account activity for the user in q's period.
func (s *ReportService) AccountOverviews(
	ctx context.Context,
	user *model.User,
	q model.OverviewQuery,
) ([]model.CloudAccountOverview, error) {
	if q.Start.IsZero() || q.End.IsZero() {
		return nil, apperrors.Validation("start and end are required")
	}
	if !q.Start.Before(q.End) {
		return nil, apperrors.ValidationField("start", "start must be before end")
	}
	q.UserID = user.ID
	return s.overviews.Overviews(ctx, q)
}

func pageOf[T any](items []T, limit int) Page[T] {
	more := limit > 0 && len(items) > limit
	if more {
		items = items[:limit]
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Count: -1, More: more}
}
