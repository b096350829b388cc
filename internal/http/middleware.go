package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
)

// Logging returns a middleware that logs HTTP requests and responses.
// requestIDHeader names the header carrying the platform request id.
func Logging(logger *slog.Logger, requestIDHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			const defaultHTTPStatus = 200
			ww := &respWriter{ResponseWriter: w, status: defaultHTTPStatus}
			next.ServeHTTP(ww, r)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			}
			if id := r.Header.Get(requestIDHeader); requestIDHeader != "" && id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			logger.Info("http", attrs...)
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Recover returns a middleware that recovers from panics and logs them.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic",
						slog.Any("error", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())))
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityPolicy decides what a request's identity header must carry.
type IdentityPolicy struct {
	Name                 string
	RequireOrgAdmin      bool
	RequireAccountNumber bool
	RequireUser          bool
	CreateUser           bool
}

// PolicyDefault requires an org admin identity of an existing user.
var PolicyDefault = IdentityPolicy{
	Name:                 "default",
	RequireOrgAdmin:      true,
	RequireAccountNumber: true,
	RequireUser:          true,
}

// PolicyUserNotRequired requires an org admin identity but no stored user.
var PolicyUserNotRequired = IdentityPolicy{
	Name:                 "user_not_required",
	RequireOrgAdmin:      true,
	RequireAccountNumber: true,
}

// PolicyInternal admits requests without an identity header and looks the
// user up when one is sent.
var PolicyInternal = IdentityPolicy{Name: "internal"}

// PolicyInternalCreateUser requires an account number and creates its user
// on first sight.
var PolicyInternalCreateUser = IdentityPolicy{
	Name:                 "internal_create_user",
	RequireAccountNumber: true,
	CreateUser:           true,
}

// UserStore resolves identities to users.
type UserStore interface {
	GetByAccountNumber(ctx context.Context, accountNumber string) (*model.User, error)
	GetOrCreate(ctx context.Context, req model.CreateUserRequest) (*model.User, bool, error)
}

// IdentityOptions configures RequireIdentity.
type IdentityOptions struct {
	Users  UserStore
	Auth   config.AuthConfig
	Logger *slog.Logger
}

var (
	errIdentityMissing   = errors.New("authentication credentials were not provided")
	errAccountNumber     = errors.New("invalid identity header: missing user account_number field")
	errNotOrgAdmin       = errors.New("user must be an org admin")
	errUnknownIdentity   = errors.New("authentication failed: no user for identity")
	errInvalidIdentity   = errors.New("authentication failed: invalid identity header")
	errIdentityLookupErr = errors.New("authentication failed")
)

// RequireIdentity returns a middleware that authenticates requests with the
// platform identity header according to policy. The decoded identity and,
// when resolved, the user are stored in the request context.
func RequireIdentity(opts IdentityOptions, policy IdentityPolicy) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("identity_policy", policy.Name))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := r.Header.Get(opts.Auth.IdentityHeader)
			if raw == "" {
				if policy.RequireAccountNumber || policy.RequireOrgAdmin {
					unauthorized(w, errIdentityMissing)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := identity.Decode(raw)
			if err != nil {
				logger.InfoContext(ctx, "identity header parsing failed", slog.Any("error", err))
				unauthorized(w, errInvalidIdentity)
				return
			}
			if opts.Auth.VerboseLogging {
				logger.InfoContext(ctx, "decoded identity header",
					slog.String("account_number", id.AccountNumber),
					slog.String("org_id", id.OrgID),
					slog.Bool("is_org_admin", id.IsOrgAdmin))
			}
			// A header that is sent must name an account, whatever the policy.
			if id.AccountNumber == "" {
				unauthorized(w, errAccountNumber)
				return
			}
			if policy.RequireOrgAdmin && !id.IsOrgAdmin {
				logger.InfoContext(ctx, "identity is not org admin", slog.String("account_number", id.AccountNumber))
				WriteError(w, ErrorParams{Code: http.StatusForbidden, ErrCode: "permission_denied", Err: errNotOrgAdmin})
				return
			}
			ctx = SetIdentityInContext(ctx, id)

			user, err := resolveUser(ctx, opts.Users, id, policy)
			if err != nil {
				if !errors.Is(err, errUnknownIdentity) {
					logger.ErrorContext(ctx, "identity user lookup failed", slog.Any("error", err))
					err = errIdentityLookupErr
				}
				unauthorized(w, err)
				return
			}
			if user != nil {
				ctx = SetUserInContext(ctx, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveUser(
	ctx context.Context,
	users UserStore,
	id identity.Identity,
	policy IdentityPolicy,
) (*model.User, error) {
	if id.AccountNumber == "" {
		return nil, nil
	}
	if policy.CreateUser {
		req := model.CreateUserRequest{AccountNumber: id.AccountNumber, IsOrgAdmin: id.IsOrgAdmin}
		if id.OrgID != "" {
			orgID := id.OrgID
			req.OrgID = &orgID
		}
		user, _, err := users.GetOrCreate(ctx, req)
		return user, err
	}
	user, err := users.GetByAccountNumber(ctx, id.AccountNumber)
	switch {
	case errors.Is(err, data.ErrUserNotFound):
		if policy.RequireUser {
			return nil, errUnknownIdentity
		}
		return nil, nil
	case err != nil:
		return nil, err
	}
	return user, nil
}

func unauthorized(w http.ResponseWriter, err error) {
	WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "authentication_failed", Err: err})
}
