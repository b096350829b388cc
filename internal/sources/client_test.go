package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/identity"
)

var testIdentity = identity.Identity{AccountNumber: "1234", OrgID: "5678"}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:    srv.URL + "/",
		Path:       "/api/sources/v3.1/",
		PSK:        "sekrit",
		Timeout:    time.Second,
		RetryLimit: 2,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "  "})
	require.Error(t, err)
}

func TestGetApplication(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sources/v3.1/applications/5", r.URL.Path)
		assert.Equal(t, "sekrit", r.Header.Get(HeaderPSK))
		assert.Equal(t, "1234", r.Header.Get(HeaderAccountNumber))
		assert.Equal(t, "5678", r.Header.Get(HeaderOrgID))

		ident, err := identity.Decode(r.Header.Get(HeaderIdentity))
		assert.NoError(t, err)
		assert.True(t, ident.IsOrgAdmin)
		assert.Equal(t, "5678", ident.OrgID)

		_, _ = w.Write([]byte(`{"id":"5","source_id":"7","application_type_id":"2"}`))
	})

	app, err := c.GetApplication(context.Background(), testIdentity, 5)
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "7", app.SourceID)
	assert.Equal(t, "2", app.ApplicationTypeID)
}

func TestGetAuthentication_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errors":[{"status":"404"}]}`, http.StatusNotFound)
	})

	auth, err := c.GetAuthentication(context.Background(), testIdentity, 3)
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestGetAuthentication_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"3","authtype":"cloud-meter-arn","username":"arn:aws:iam::123456789012:role/cg",
			"resource_type":"Application","resource_id":"5"}`))
	})

	auth, err := c.GetAuthentication(context.Background(), testIdentity, 3)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "arn:aws:iam::123456789012:role/cg", auth.Username)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetAuthentication_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad identity", http.StatusUnauthorized)
	})

	_, err := c.GetAuthentication(context.Background(), testIdentity, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad identity")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetApplication_GivesUpAfterRetryLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetApplication(context.Background(), testIdentity, 5)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestApplicationTypeID_Cached(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/sources/v3.1/application_types", r.URL.Path)
		assert.Equal(t, "/insights/platform/cloud-meter", r.URL.Query().Get("filter[name]"))
		_, _ = w.Write([]byte(`{"data":[{"id":"2","name":"/insights/platform/cloud-meter"}]}`))
	})

	for range 2 {
		id, err := c.ApplicationTypeID(context.Background(), testIdentity, "/insights/platform/cloud-meter")
		require.NoError(t, err)
		assert.Equal(t, "2", id)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestApplicationTypeID_Missing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	_, err := c.ApplicationTypeID(context.Background(), testIdentity, "/insights/platform/cloud-meter")
	require.ErrorContains(t, err, "not found")
}
