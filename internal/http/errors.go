package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/service"
)

var errInternal = errors.New("internal server error")

// writeServiceError maps service errors onto HTTP responses. Unclassified
// errors are logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	p := ErrorParams{Err: err, Ref: string(apperrors.GetRef(err))}
	switch {
	case errors.Is(err, service.ErrResultsUnavailable):
		p.Code, p.ErrCode = http.StatusTooEarly, "results_unavailable"
	case apperrors.IsValidation(err):
		p.Code, p.ErrCode = http.StatusBadRequest, "validation_failed"
		if field := apperrors.GetField(err); field != "" {
			p.Fields = map[string]string{field: err.Error()}
		}
	case apperrors.IsNotFound(err):
		p.Code, p.ErrCode = http.StatusNotFound, "not_found"
	case apperrors.IsConflict(err):
		p.Code, p.ErrCode = http.StatusConflict, "conflict"
	case apperrors.IsUnauthorized(err):
		p.Code, p.ErrCode = http.StatusUnauthorized, "authentication_failed"
	case apperrors.IsForbidden(err):
		p.Code, p.ErrCode = http.StatusForbidden, "permission_denied"
	default:
		if logger != nil {
			logger.ErrorContext(r.Context(), "request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
		}
		p.Code, p.ErrCode, p.Err = http.StatusInternalServerError, "internal_error", errInternal
	}
	WriteError(w, p)
}

// writeFieldErrors answers a request whose parameters failed validation.
func writeFieldErrors(w http.ResponseWriter, fields map[string]string) {
	WriteError(w, ErrorParams{
		Code:    http.StatusBadRequest,
		ErrCode: "validation_failed",
		Err:     errors.New("invalid request parameters"),
		Fields:  fields,
	})
}
