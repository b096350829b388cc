package httpx

import (
	"context"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
)

type ctxKey int

const (
	identityCtxKey ctxKey = iota
	userCtxKey
)

// SetIdentityInContext stores the decoded identity header in ctx.
func SetIdentityInContext(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey, id)
}

// GetIdentityFromContext returns the identity stored by the identity middleware.
func GetIdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey).(identity.Identity)
	return id, ok
}

// SetUserInContext stores the authenticated user in ctx.
func SetUserInContext(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// GetUserFromContext returns the authenticated user, or nil when the request
// was admitted without one.
func GetUserFromContext(ctx context.Context) *model.User {
	user, _ := ctx.Value(userCtxKey).(*model.User)
	return user
}
