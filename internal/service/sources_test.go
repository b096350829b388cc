package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/identity"
	"github.com/cloudigrade/cloudigrade/internal/sources"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

const cloudMeterTypeID = "5"

// recordingAccounts records lifecycle calls made by the sources service.
type recordingAccounts struct {
	calls     []string
	updateErr error
}

func (r *recordingAccounts) Enable(_ context.Context, id int64) error {
	r.calls = append(r.calls, fmt.Sprintf("enable %d", id))
	return nil
}

func (r *recordingAccounts) Disable(_ context.Context, id int64, message string, notify bool) error {
	r.calls = append(r.calls, fmt.Sprintf("disable %d %q %t", id, message, notify))
	return nil
}

func (r *recordingAccounts) SetPaused(_ context.Context, id int64, paused bool) error {
	r.calls = append(r.calls, fmt.Sprintf("paused %d %t", id, paused))
	return nil
}

func (r *recordingAccounts) Delete(_ context.Context, id int64) error {
	r.calls = append(r.calls, fmt.Sprintf("delete %d", id))
	return nil
}

func (r *recordingAccounts) UpdateARN(_ context.Context, id int64, arn string) error {
	r.calls = append(r.calls, fmt.Sprintf("arn %d %s", id, arn))
	return r.updateErr
}

type sourcesFixture struct {
	store    *fakeStore
	api      *fakeSourcesAPI
	accounts *recordingAccounts
	svc      *SourcesService
}

func newSourcesFixture(t *testing.T, kafkaTasks bool) *sourcesFixture {
	t.Helper()
	f := &sourcesFixture{
		store: newFakeStore(),
		api: &fakeSourcesAPI{
			apps:   map[int64]*model.SourcesApplication{},
			auths:  map[int64]*model.SourcesAuthentication{},
			typeID: cloudMeterTypeID,
		},
		accounts: &recordingAccounts{},
	}
	svc, err := NewSourcesService(SourcesServiceOptions{
		Store:    f.store,
		Registry: testRegistry(t),
		API:      f.api,
		Accounts: f.accounts,
		Config: config.SourcesConfig{
			EnableDataManagement:          kafkaTasks,
			EnableDataManagementFromKafka: kafkaTasks,
			AuthTypes:                     []string{"cloud-meter-arn"},
			ResourceType:                  "Application",
			ApplicationTypeName:           "/insights/platform/cloud-meter",
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func sourcesEvent(t *testing.T, value any, headers ...tasks.KafkaHeader) tasks.SourcesEvent {
	t.Helper()
	body, err := json.Marshal(value)
	require.NoError(t, err)
	if headers == nil {
		headers = []tasks.KafkaHeader{}
	}
	return tasks.SourcesEvent{Value: body, Headers: headers}
}

func identityHeader(accountNumber, orgID string) tasks.KafkaHeader {
	return tasks.KafkaHeader{
		Key:   sources.HeaderIdentity,
		Value: identity.Identity{AccountNumber: accountNumber, OrgID: orgID}.Encode(),
	}
}

func TestIdentityOf(t *testing.T) {
	t.Run("keeps only the tenant from the identity header", func(t *testing.T) {
		ev := sourcesEvent(t, map[string]any{}, identityHeader("1234", "5678"))
		assert.Equal(t, identity.Identity{AccountNumber: "1234", OrgID: "5678"}, identityOf(ev))
	})

	t.Run("fills gaps from sources headers", func(t *testing.T) {
		ev := sourcesEvent(t, map[string]any{},
			identityHeader("", "5678"),
			tasks.KafkaHeader{Key: sources.HeaderAccountNumber, Value: "1234"},
		)
		assert.Equal(t, identity.Identity{AccountNumber: "1234", OrgID: "5678"}, identityOf(ev))
	})
}

func TestSourcesEventTask(t *testing.T) {
	name, ok := SourcesEventTask(SourcesEventCreate)
	assert.True(t, ok)
	assert.Equal(t, model.TaskCreateFromSourcesKafkaMessage, name)

	_, ok = SourcesEventTask("Source.create")
	assert.False(t, ok)
}

func TestSourcesService_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueues known events", func(t *testing.T) {
		f := newSourcesFixture(t, true)
		ev := sourcesEvent(t, map[string]any{"id": 1}, identityHeader("1234", ""))

		queued, err := f.svc.Dispatch(ctx, SourcesEventPause, ev)
		require.NoError(t, err)
		assert.True(t, queued)
		assert.Equal(t, []model.JobType{model.TaskPauseFromSourcesKafkaMessage}, f.store.jobTypes())
	})

	t.Run("ignores unknown events", func(t *testing.T) {
		f := newSourcesFixture(t, true)
		queued, err := f.svc.Dispatch(ctx, "Source.create", sourcesEvent(t, map[string]any{"id": 1}))
		require.NoError(t, err)
		assert.False(t, queued)
		assert.Empty(t, f.store.jobs)
	})

	t.Run("disabled data management", func(t *testing.T) {
		f := newSourcesFixture(t, false)
		queued, err := f.svc.Dispatch(ctx, SourcesEventCreate, sourcesEvent(t, map[string]any{"id": 1}))
		require.NoError(t, err)
		assert.False(t, queued)
		assert.Empty(t, f.store.jobs)
	})
}

func TestSourcesService_Create(t *testing.T) {
	value := map[string]any{"id": "9", "application_id": "5", "authentication_id": 3}
	run := func(t *testing.T, f *sourcesFixture, ev tasks.SourcesEvent) {
		t.Helper()
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskCreateFromSourcesKafkaMessage, ev))
	}
	setup := func(t *testing.T) *sourcesFixture {
		f := newSourcesFixture(t, true)
		f.api.apps[5] = &model.SourcesApplication{ID: "5", SourceID: "7", ApplicationTypeID: cloudMeterTypeID}
		f.api.auths[3] = &model.SourcesAuthentication{
			ID: "3", AuthType: "cloud-meter-arn", Username: " " + testARN + " ", ResourceType: "Application",
		}
		return f
	}
	rejection := func(t *testing.T, f *sourcesFixture) string {
		t.Helper()
		jobs := f.store.jobsOf(model.TaskNotifyApplicationAvailability)
		require.Len(t, jobs, 1)
		p := decodePayload[tasks.NotifyAvailability](t, jobs[0])
		assert.Equal(t, tasks.AvailabilityUnavailable, p.Status)
		assert.Equal(t, int64(5), p.ApplicationID)
		return p.Error
	}

	t.Run("queues account configuration", func(t *testing.T) {
		f := setup(t)
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "5678")))

		require.Len(t, f.store.users, 1)
		var user *model.User
		for _, u := range f.store.users {
			user = u
		}
		assert.Equal(t, "1234", user.AccountNumber)
		require.NotNil(t, user.OrgID)
		assert.Equal(t, "5678", *user.OrgID)

		jobs := f.store.jobsOf(model.TaskConfigureCustomerAWSAndCreateCloudAccount)
		require.Len(t, jobs, 1)
		assert.Equal(t, tasks.ConfigureAccount{
			UserID:           user.ID,
			CustomerARN:      testARN,
			AuthenticationID: 3,
			ApplicationID:    5,
			SourceID:         7,
		}, decodePayload[tasks.ConfigureAccount](t, jobs[0]))
		assert.Equal(t, []identity.Identity{{AccountNumber: "1234", OrgID: "5678"}}, f.api.idents)
	})

	t.Run("falls back to sources headers", func(t *testing.T) {
		f := setup(t)
		run(t, f, sourcesEvent(t, value,
			tasks.KafkaHeader{Key: "X-RH-SOURCES-ACCOUNT-NUMBER", Value: "1234"},
			tasks.KafkaHeader{Key: sources.HeaderOrgID, Value: "5678"},
		))
		assert.Len(t, f.store.jobsOf(model.TaskConfigureCustomerAWSAndCreateCloudAccount), 1)
	})

	t.Run("message without identity is dropped", func(t *testing.T) {
		f := setup(t)
		run(t, f, sourcesEvent(t, value))
		assert.Empty(t, f.store.jobs)
		assert.Empty(t, f.api.idents)
	})

	t.Run("missing application is only logged", func(t *testing.T) {
		f := setup(t)
		delete(f.api.apps, 5)
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "")))
		assert.Empty(t, f.store.jobs)
	})

	t.Run("other application types are ignored", func(t *testing.T) {
		f := setup(t)
		f.api.apps[5].ApplicationTypeID = "2"
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "")))
		assert.Empty(t, f.store.jobs)
		assert.Empty(t, f.store.users)
	})

	t.Run("missing authentication", func(t *testing.T) {
		f := setup(t)
		delete(f.api.auths, 3)
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "")))
		assert.Equal(t, "CG2000: Authentication 3 not found", rejection(t, f))
	})

	t.Run("unsupported authentication type", func(t *testing.T) {
		f := setup(t)
		f.api.auths[3].AuthType = "access_key_secret_key"
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "")))
		assert.Contains(t, rejection(t, f), string(apperrors.RefUnsupportedAuthType))
	})

	t.Run("wrong resource type", func(t *testing.T) {
		f := setup(t)
		f.api.auths[3].ResourceType = "Source"
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "")))
		assert.Contains(t, rejection(t, f), string(apperrors.RefWrongResourceType))
	})

	t.Run("empty ARN", func(t *testing.T) {
		f := setup(t)
		f.api.auths[3].Username = "  "
		run(t, f, sourcesEvent(t, value, identityHeader("1234", "")))
		assert.Equal(t, "CG2004: Authentication 3 has no ARN", rejection(t, f))
		assert.Empty(t, f.store.users)
	})
}

func TestSourcesService_Destroy(t *testing.T) {
	f := newSourcesFixture(t, true)
	user := f.store.addUser("1234")
	match := f.store.addAccount(user.ID, testARN, testAWSAccountID)
	match.PlatformApplicationID = ptr(int64(5))
	match.PlatformAuthenticationID = ptr(int64(3))
	other := f.store.addAccount(user.ID, "arn:aws:iam::210987654321:role/cg", "210987654321")
	other.PlatformApplicationID = ptr(int64(5))
	other.PlatformAuthenticationID = ptr(int64(4))

	ev := sourcesEvent(t, map[string]any{"id": 9, "application_id": 5, "authentication_id": 3})
	require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskDeleteFromSourcesKafkaMessage, ev))

	assert.Equal(t, []string{fmt.Sprintf("delete %d", match.ID)}, f.accounts.calls)
}

func TestSourcesService_Update(t *testing.T) {
	setup := func(t *testing.T) (*sourcesFixture, *model.CloudAccount) {
		f := newSourcesFixture(t, true)
		user := f.store.addUser("1234")
		account := f.store.addAccount(user.ID, testARN, testAWSAccountID)
		account.PlatformAuthenticationID = ptr(int64(3))
		f.api.auths[3] = &model.SourcesAuthentication{
			ID: "3", AuthType: "cloud-meter-arn", Username: "arn:aws:iam::123456789012:role/new", ResourceType: "Application",
		}
		return f, account
	}
	ev := func(t *testing.T) tasks.SourcesEvent {
		return sourcesEvent(t, map[string]any{"id": "3"}, identityHeader("1234", ""))
	}

	t.Run("updates the ARN", func(t *testing.T) {
		f, account := setup(t)
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUpdateFromSourcesKafkaMessage, ev(t)))
		assert.Equal(t, []string{fmt.Sprintf("arn %d arn:aws:iam::123456789012:role/new", account.ID)}, f.accounts.calls)
	})

	t.Run("empty ARN disables the account", func(t *testing.T) {
		f, account := setup(t)
		f.api.auths[3].Username = ""
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUpdateFromSourcesKafkaMessage, ev(t)))
		assert.Equal(t, []string{
			fmt.Sprintf("disable %d %q true", account.ID, "CG2004: Authentication 3 has no ARN"),
		}, f.accounts.calls)
	})

	t.Run("rejected ARN disables the account", func(t *testing.T) {
		f, account := setup(t)
		f.accounts.updateErr = apperrors.Validation("Invalid ARN").WithRef(apperrors.RefInvalidARN)
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUpdateFromSourcesKafkaMessage, ev(t)))
		assert.Equal(t, []string{
			fmt.Sprintf("arn %d arn:aws:iam::123456789012:role/new", account.ID),
			fmt.Sprintf("disable %d %q true", account.ID, "CG1002: Invalid ARN"),
		}, f.accounts.calls)
	})

	t.Run("unsupported authentication is ignored", func(t *testing.T) {
		f, _ := setup(t)
		f.api.auths[3].AuthType = "other"
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUpdateFromSourcesKafkaMessage, ev(t)))
		assert.Empty(t, f.accounts.calls)
	})

	t.Run("authentication without account", func(t *testing.T) {
		f, account := setup(t)
		account.PlatformAuthenticationID = ptr(int64(4))
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUpdateFromSourcesKafkaMessage, ev(t)))
		assert.Empty(t, f.accounts.calls)
	})
}

func TestSourcesService_PauseUnpause(t *testing.T) {
	setup := func(t *testing.T) (*sourcesFixture, *model.CloudAccount) {
		f := newSourcesFixture(t, true)
		user := f.store.addUser("1234")
		account := f.store.addAccount(user.ID, testARN, testAWSAccountID)
		account.PlatformApplicationID = ptr(int64(5))
		return f, account
	}
	ev := func(t *testing.T) tasks.SourcesEvent { return sourcesEvent(t, map[string]any{"id": 5}) }

	t.Run("pause", func(t *testing.T) {
		f, account := setup(t)
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskPauseFromSourcesKafkaMessage, ev(t)))
		assert.Equal(t, []string{fmt.Sprintf("paused %d true", account.ID)}, f.accounts.calls)
		assert.Empty(t, f.store.jobs)
	})

	t.Run("unpause describes the account again", func(t *testing.T) {
		f, account := setup(t)
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUnpauseFromSourcesKafkaMessage, ev(t)))
		assert.Equal(t, []string{fmt.Sprintf("paused %d false", account.ID)}, f.accounts.calls)
		jobs := f.store.jobsOf(model.TaskInitialAWSDescribeInstances)
		require.Len(t, jobs, 1)
		assert.Equal(t, account.ID, decodePayload[tasks.AccountRef](t, jobs[0]).AccountID)
	})

	t.Run("unpause enables a disabled account", func(t *testing.T) {
		f, account := setup(t)
		account.IsEnabled = false
		require.NoError(t, runJob(t, f.svc.Handlers(), model.TaskUnpauseFromSourcesKafkaMessage, ev(t)))
		assert.Equal(t, []string{
			fmt.Sprintf("paused %d false", account.ID),
			fmt.Sprintf("enable %d", account.ID),
		}, f.accounts.calls)
		assert.Empty(t, f.store.jobs)
	})
}
