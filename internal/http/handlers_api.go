// Package httpx provides the cloudigrade HTTP API: public v2 endpoints, the
// account overview report and internal operations endpoints.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/http/validation"
	"github.com/cloudigrade/cloudigrade/internal/service"
)

// ReportsService is the read side behind the public API.
type ReportsService interface {
	ListAccounts(ctx context.Context, user *model.User, limit, offset int) (service.Page[*model.CloudAccount], error)
	GetAccount(ctx context.Context, user *model.User, id int64) (*model.CloudAccount, error)
	ListImages(ctx context.Context, user *model.User, limit, offset int) (service.Page[*model.MachineImage], error)
	GetImage(ctx context.Context, user *model.User, id int64) (*model.MachineImage, error)
	ListInstances(
		ctx context.Context,
		user *model.User,
		opts model.InstanceListOptions,
	) (service.Page[*model.Instance], error)
	ConcurrentUsage(
		ctx context.Context,
		user *model.User,
		q service.ConcurrentQuery,
	) (service.Page[model.ConcurrentUsage], error)
	AccountOverviews(
		ctx context.Context,
		user *model.User,
		q model.OverviewQuery,
	) ([]model.CloudAccountOverview, error)
}

// APIHandlers serves the public read endpoints.
type APIHandlers struct {
	Svc    ReportsService
	Logger *slog.Logger
}

var errNoUser = errors.New("authentication required")

// requireUser returns the authenticated user or answers 401.
func requireUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user := GetUserFromContext(r.Context())
	if user == nil {
		unauthorized(w, errNoUser)
		return nil, false
	}
	return user, true
}

// pathID parses the {id} path value or answers 404.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errors.New("not found")})
		return 0, false
	}
	return id, true
}

// ListAccounts handles GET /api/cloudigrade/v2/accounts.
func (h *APIHandlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := ParseLimitOffset(r, defaultPageLimit, maxPageLimit)
	page, err := h.Svc.ListAccounts(r.Context(), user, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newListResponse(r, page, limit, offset))
}

// GetAccount handles GET /api/cloudigrade/v2/accounts/{id}.
func (h *APIHandlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	account, err := h.Svc.GetAccount(r.Context(), user, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, account)
}

// ListImages handles GET /api/cloudigrade/v2/images.
func (h *APIHandlers) ListImages(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := ParseLimitOffset(r, defaultPageLimit, maxPageLimit)
	page, err := h.Svc.ListImages(r.Context(), user, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newListResponse(r, page, limit, offset))
}

// GetImage handles GET /api/cloudigrade/v2/images/{id}.
func (h *APIHandlers) GetImage(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	img, err := h.Svc.GetImage(r.Context(), user, id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, img)
}

// ListInstances handles GET /api/cloudigrade/v2/instances. Optional
// parameters: account_id and running_since (YYYY-MM-DD).
func (h *APIHandlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fv := validation.New().
		Validate("account_id", q.Get("account_id"), validation.PositiveID("account_id")).
		Validate("running_since", q.Get("running_since"), validation.Date("running_since"))
	if !fv.Valid() {
		writeFieldErrors(w, fv.Errors())
		return
	}
	limit, offset := ParseLimitOffset(r, defaultPageLimit, maxPageLimit)
	opts := model.InstanceListOptions{CloudAccountID: queryID(r, "account_id"), Limit: limit, Offset: offset}
	if since := queryDate(r, "running_since"); !since.IsZero() {
		opts.RunningSince = &since
	}
	page, err := h.Svc.ListInstances(r.Context(), user, opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newListResponse(r, page, limit, offset))
}

// ConcurrentUsage handles GET /api/cloudigrade/v2/concurrent. start_date
// defaults to today and end_date to the day after start_date. Answers 425
// while missing days are being calculated.
func (h *APIHandlers) ConcurrentUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fv := validation.New().
		Validate("start_date", q.Get("start_date"), validation.Date("start_date")).
		Validate("end_date", q.Get("end_date"), validation.Date("end_date")).
		Validate("account_id", q.Get("account_id"), validation.PositiveID("account_id"))
	if !fv.Valid() {
		writeFieldErrors(w, fv.Errors())
		return
	}
	limit, offset := ParseLimitOffset(r, defaultPageLimit, maxPageLimit)
	page, err := h.Svc.ConcurrentUsage(r.Context(), user, service.ConcurrentQuery{
		Start:          queryDate(r, "start_date"),
		End:            queryDate(r, "end_date"),
		CloudAccountID: queryID(r, "account_id"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, newListResponse(r, page, limit, offset))
}

// AccountOverviews handles GET /api/cloudigrade/v1/report/accounts. start
// and end are RFC 3339 timestamps or dates; account_id and name_pattern
// narrow the report.
func (h *APIHandlers) AccountOverviews(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	fields := map[string]string{}
	start, err := parseTimestamp(q.Get("start"))
	if err != nil {
		fields["start"] = "start must be an RFC 3339 timestamp or YYYY-MM-DD date."
	}
	end, err := parseTimestamp(q.Get("end"))
	if err != nil {
		fields["end"] = "end must be an RFC 3339 timestamp or YYYY-MM-DD date."
	}
	fv := validation.New().
		Validate("account_id", q.Get("account_id"), validation.PositiveID("account_id")).
		Validate("name_pattern", q.Get("name_pattern"), validation.Optional("name_pattern", 256))
	for k, v := range fv.Errors() {
		fields[k] = v
	}
	if len(fields) > 0 {
		writeFieldErrors(w, fields)
		return
	}

	rows, err := h.Svc.AccountOverviews(r.Context(), user, model.OverviewQuery{
		Start:       start,
		End:         end,
		AccountID:   queryID(r, "account_id"),
		NamePattern: q.Get("name_pattern"),
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if rows == nil {
		rows = []model.CloudAccountOverview{}
	}
	count := len(rows)
	WriteJSON(w, http.StatusOK, struct {
		CloudAccountOverviews []model.CloudAccountOverview `json:"cloud_account_overviews"`
		Meta                  listMeta                     `json:"meta"`
	}{rows, listMeta{Count: &count}})
}

// parseTimestamp accepts RFC 3339 timestamps and plain dates; empty input
// yields the zero time.
func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(validation.DateLayout, v)
}
