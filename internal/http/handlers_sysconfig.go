package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cloudigrade/cloudigrade/internal/awsx"
)

// AccountIDSource reports cloudigrade's own AWS account id.
type AccountIDSource interface {
	OwnAccountID(ctx context.Context) (string, error)
}

type sysconfigPolicies struct {
	TraditionalInspection awsx.PolicyDocument `json:"traditional_inspection"`
}

type sysconfigResponse struct {
	AWSAccountID string            `json:"aws_account_id"`
	AWSPolicies  sysconfigPolicies `json:"aws_policies"`
	Version      string            `json:"version"`
}

// SysconfigHandlers serves the configuration customers need to grant access.
type SysconfigHandlers struct {
	Account  AccountIDSource
	Version  string
	Document []byte // OpenAPI document
	Logger   *slog.Logger
}

// Sysconfig handles GET /api/cloudigrade/v2/sysconfig.
func (h *SysconfigHandlers) Sysconfig(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.Account.OwnAccountID(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sysconfigResponse{
		AWSAccountID: accountID,
		AWSPolicies:  sysconfigPolicies{TraditionalInspection: awsx.CloudigradePolicy()},
		Version:      h.Version,
	})
}

// OpenAPI handles GET /api/cloudigrade/v2/openapi.json.
func (h *SysconfigHandlers) OpenAPI(w http.ResponseWriter, r *http.Request) {
	if len(h.Document) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(h.Document); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}
