package httpx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
)

func TestIdentityContext(t *testing.T) {
	_, ok := GetIdentityFromContext(context.Background())
	assert.False(t, ok)

	want := identity.Identity{AccountNumber: "1234", IsOrgAdmin: true}
	got, ok := GetIdentityFromContext(SetIdentityInContext(context.Background(), want))
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestUserContext(t *testing.T) {
	assert.Nil(t, GetUserFromContext(context.Background()))

	user := &model.User{ID: 7, AccountNumber: "1234"}
	assert.Same(t, user, GetUserFromContext(SetUserInContext(context.Background(), user)))
}
