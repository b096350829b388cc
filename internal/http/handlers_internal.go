package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/http/validation"
)

const maxTaskPayloadBytes = 1 << 20

var roleARNPattern = regexp.MustCompile(`^arn:aws(-[a-z]+)*:iam::\d{12}:role/.+$`)

// AccountCreator registers AWS accounts for a user.
type AccountCreator interface {
	CreateAWSCloudAccount(
		ctx context.Context,
		user *model.User,
		req model.CreateAWSCloudAccountRequest,
	) (*model.CloudAccount, error)
}

// JobsService creates tasks and reports queue statistics.
type JobsService interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
}

// InternalHandlers serves operational endpoints for platform services and operators.
type InternalHandlers struct {
	Accounts AccountCreator
	Jobs     JobsService
	Logger   *slog.Logger
}

type createAccountRequest struct {
	ARN                      string `json:"account_arn"`
	Name                     string `json:"name"`
	PlatformAuthenticationID *int64 `json:"platform_authentication_id"`
	PlatformApplicationID    *int64 `json:"platform_application_id"`
	PlatformSourceID         *int64 `json:"platform_source_id"`
}

// CreateAccount handles POST /internal/accounts for the identity's user,
// which the identity middleware creates on first sight.
func (h *InternalHandlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	fv := validation.New().
		Validate("account_arn", req.ARN,
			validation.Required("account_arn", 2048),
			validation.Pattern("account_arn", roleARNPattern)).
		Validate("name", req.Name, validation.Optional("name", 256))
	if !fv.Valid() {
		writeFieldErrors(w, fv.Errors())
		return
	}

	account, err := h.Accounts.CreateAWSCloudAccount(r.Context(), user, model.CreateAWSCloudAccountRequest{
		UserID:                   user.ID,
		ARN:                      req.ARN,
		Name:                     req.Name,
		PlatformAuthenticationID: req.PlatformAuthenticationID,
		PlatformApplicationID:    req.PlatformApplicationID,
		PlatformSourceID:         req.PlatformSourceID,
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, account)
}

// EnqueueTask handles POST /internal/tasks/{name}. The body is the task
// payload and may be empty.
func (h *InternalHandlers) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	name := model.JobType(r.PathValue("name"))
	if !name.Valid() {
		WriteError(w, ErrorParams{
			Code:    http.StatusNotFound,
			ErrCode: "unknown_task",
			Err:     errors.New("unknown task " + string(name)),
		})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxTaskPayloadBytes))
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_json",
			Err:     errors.New("task payload is not valid JSON"),
		})
		return
	}

	job, err := h.Jobs.Create(r.Context(), &model.CreateJobRequest{Type: name, Payload: payload})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if h.Logger != nil {
		h.Logger.InfoContext(r.Context(), "task enqueued via internal API",
			slog.String("task", string(name)), slog.String("job_id", job.ID))
	}
	WriteJSON(w, http.StatusAccepted, job)
}

// JobStats handles GET /internal/jobs/stats. With ?type= it reports one
// task; otherwise every task keyed by name.
func (h *InternalHandlers) JobStats(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("type"); raw != "" {
		jobType := model.JobType(raw)
		if !jobType.Valid() {
			writeFieldErrors(w, map[string]string{"type": "type must be a known task name."})
			return
		}
		stats, err := h.Jobs.Stats(r.Context(), jobType)
		if err != nil {
			writeServiceError(w, r, h.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
		return
	}

	out := make(map[model.JobType]*model.JobStats, len(model.AllJobTypes))
	for _, jobType := range model.AllJobTypes {
		stats, err := h.Jobs.Stats(r.Context(), jobType)
		if err != nil {
			writeServiceError(w, r, h.Logger, err)
			return
		}
		out[jobType] = stats
	}
	WriteJSON(w, http.StatusOK, out)
}
