package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/identity"
	"github.com/cloudigrade/cloudigrade/internal/sources"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// Sources event types carried in the event_type Kafka header.
const (
	SourcesEventCreate  = "ApplicationAuthentication.create"
	SourcesEventDestroy = "ApplicationAuthentication.destroy"
	SourcesEventUpdate  = "Authentication.update"
	SourcesEventPause   = "Application.pause"
	SourcesEventUnpause = "Application.unpause"
)

// SourcesEventTask returns the task handling a sources event type.
func SourcesEventTask(eventType string) (model.JobType, bool) {
	switch eventType {
	case SourcesEventCreate:
		return model.TaskCreateFromSourcesKafkaMessage, true
	case SourcesEventDestroy:
		return model.TaskDeleteFromSourcesKafkaMessage, true
	case SourcesEventUpdate:
		return model.TaskUpdateFromSourcesKafkaMessage, true
	case SourcesEventPause:
		return model.TaskPauseFromSourcesKafkaMessage, true
	case SourcesEventUnpause:
		return model.TaskUnpauseFromSourcesKafkaMessage, true
	}
	return "", false
}

// AccountManager changes the lifecycle of existing cloud accounts.
type AccountManager interface {
	Enable(ctx context.Context, accountID int64) error
	Disable(ctx context.Context, accountID int64, message string, notify bool) error
	SetPaused(ctx context.Context, accountID int64, paused bool) error
	Delete(ctx context.Context, accountID int64) error
	UpdateARN(ctx context.Context, accountID int64, newARN string) error
}

// SourcesServiceOptions groups dependencies for SourcesService.
type SourcesServiceOptions struct {
	Store    core.Store           // Required: repositories and transactions
	Registry *tasks.Registry      // Required: task payloads
	API      core.SourcesAPI      // Required: application and authentication lookups
	Accounts AccountManager       // Required: account lifecycle
	Config   config.SourcesConfig // Required: accepted auth types and flags
	Logger   *slog.Logger         // Optional: structured logger
}

// SourcesService reacts to platform sources events.
type SourcesService struct {
	store    core.Store
	registry *tasks.Registry
	api      core.SourcesAPI
	accounts AccountManager
	cfg      config.SourcesConfig
	logger   *slog.Logger
}

// NewSourcesService constructs a SourcesService.
func NewSourcesService(opts SourcesServiceOptions) (*SourcesService, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Registry == nil:
		return nil, errors.New("task registry is required")
	case opts.API == nil:
		return nil, errors.New("sources api is required")
	case opts.Accounts == nil:
		return nil, errors.New("account manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SourcesService{
		store:    opts.Store,
		registry: opts.Registry,
		api:      opts.API,
		accounts: opts.Accounts,
		cfg:      opts.Config,
		logger:   logger.With("component", "sources_service"),
	}, nil
}

// Handlers returns the sources task handlers.
func (s *SourcesService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskCreateFromSourcesKafkaMessage:  s.event(s.create),
		model.TaskDeleteFromSourcesKafkaMessage:  s.event(s.destroy),
		model.TaskUpdateFromSourcesKafkaMessage:  s.event(s.update),
		model.TaskPauseFromSourcesKafkaMessage:   s.event(func(ctx context.Context, ev tasks.SourcesEvent) error { return s.pause(ctx, ev, true) }),
		model.TaskUnpauseFromSourcesKafkaMessage: s.event(func(ctx context.Context, ev tasks.SourcesEvent) error { return s.pause(ctx, ev, false) }),
	}
}

// Dispatch enqueues the task for one sources event. Unknown event types are
// ignored, and nothing is enqueued unless sources data management from Kafka
// is enabled. It reports whether a task was enqueued.
func (s *SourcesService) Dispatch(ctx context.Context, eventType string, ev tasks.SourcesEvent) (bool, error) {
	name, ok := SourcesEventTask(eventType)
	if !ok {
		s.logger.DebugContext(ctx, "ignoring sources event", "event_type", eventType)
		return false, nil
	}
	s.logger.InfoContext(ctx, "received sources event", "event_type", eventType, "value", string(ev.Value))
	if !s.cfg.KafkaTasksEnabled() {
		return false, nil
	}
	if _, err := s.registry.Enqueue(ctx, s.store.Repos().Jobs, name, ev); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return true, nil
}

func (s *SourcesService) event(fn func(context.Context, tasks.SourcesEvent) error) tasks.Handler {
	return func(ctx context.Context, job *model.Job) error {
		var ev tasks.SourcesEvent
		if err := s.registry.Decode(job, &ev); err != nil {
			return err
		}
		return fn(ctx, ev)
	}
}

// sourcesID decodes ids that sources sends as numbers or numeric strings.
type sourcesID int64

func (id *sourcesID) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sources id %s: %w", b, err)
	}
	*id = sourcesID(v)
	return nil
}

type applicationAuthenticationValue struct {
	ID               sourcesID `json:"id"`
	ApplicationID    sourcesID `json:"application_id"`
	AuthenticationID sourcesID `json:"authentication_id"`
}

type objectValue struct {
	ID sourcesID `json:"id"`
}

// identityOf returns the customer identity behind ev from the identity header
// or, failing that, the sources account and org headers.
func identityOf(ev tasks.SourcesEvent) identity.Identity {
	var ident identity.Identity
	if raw, ok := ev.Header(sources.HeaderIdentity); ok {
		if decoded, err := identity.Decode(raw); err == nil {
			// Only the tenant is forwarded; admin rights are not taken from the message.
			ident = identity.Identity{AccountNumber: decoded.AccountNumber, OrgID: decoded.OrgID}
		}
	}
	if ident.AccountNumber == "" {
		ident.AccountNumber, _ = ev.Header(sources.HeaderAccountNumber)
	}
	if ident.OrgID == "" {
		ident.OrgID, _ = ev.Header(sources.HeaderOrgID)
	}
	return ident
}

func (s *SourcesService) create(ctx context.Context, ev tasks.SourcesEvent) error {
	var value applicationAuthenticationValue
	if err := json.Unmarshal(ev.Value, &value); err != nil {
		s.logger.WarnContext(ctx, "malformed sources create message", "error", err)
		return nil
	}
	ident := identityOf(ev)
	if ident.Empty() {
		s.logger.WarnContext(ctx, "sources create message has no account number or org id",
			"application_authentication_id", value.ID)
		return nil
	}
	applicationID := int64(value.ApplicationID)
	authenticationID := int64(value.AuthenticationID)
	logger := s.logger.With("application_id", applicationID, "authentication_id", authenticationID)

	app, err := s.api.GetApplication(ctx, ident, applicationID)
	if err != nil {
		return err
	}
	if app == nil {
		logger.WarnContext(ctx, fmt.Sprintf("%s: Application %d not found", apperrors.RefApplicationNotFound, applicationID))
		return nil
	}
	typeID, err := s.api.ApplicationTypeID(ctx, ident, s.cfg.ApplicationTypeName)
	if err != nil {
		return err
	}
	if app.ApplicationTypeID != typeID {
		logger.InfoContext(ctx, "ignoring application of another type", "application_type_id", app.ApplicationTypeID)
		return nil
	}

	user := &model.User{AccountNumber: ident.AccountNumber}
	if ident.OrgID != "" {
		user.OrgID = &ident.OrgID
	}
	unavailable := func(message string) error {
		logger.InfoContext(ctx, "rejecting sources authentication", "reason", message)
		return notifyAvailability(ctx, s.registry, s.store.Repos().Jobs, user, applicationID,
			tasks.AvailabilityUnavailable, message)
	}

	auth, err := s.api.GetAuthentication(ctx, ident, authenticationID)
	if err != nil {
		return err
	}
	switch {
	case auth == nil:
		return unavailable(fmt.Sprintf("%s: Authentication %d not found", apperrors.RefAuthNotFound, authenticationID))
	case !s.cfg.AcceptsAuthType(auth.AuthType):
		return unavailable(fmt.Sprintf("%s: Authentication type %q is not supported", apperrors.RefUnsupportedAuthType, auth.AuthType))
	case auth.ResourceType != s.cfg.ResourceType:
		return unavailable(fmt.Sprintf("%s: Authentication resource type %q is not %q",
			apperrors.RefWrongResourceType, auth.ResourceType, s.cfg.ResourceType))
	case strings.TrimSpace(auth.Username) == "":
		return unavailable(fmt.Sprintf("%s: Authentication %d has no ARN", apperrors.RefMissingARN, authenticationID))
	}

	sourceID, _ := strconv.ParseInt(app.SourceID, 10, 64)
	return s.store.InTx(ctx, func(tx core.Repos) error {
		u, created, err := tx.Users.GetOrCreate(ctx, model.CreateUserRequest{
			AccountNumber: user.AccountNumber,
			OrgID:         user.OrgID,
		})
		if err != nil {
			return err
		}
		if created {
			logger.InfoContext(ctx, "created user for sources account", "user_id", u.ID)
		}
		_, err = s.registry.Enqueue(ctx, tx.Jobs, model.TaskConfigureCustomerAWSAndCreateCloudAccount, tasks.ConfigureAccount{
			UserID:           u.ID,
			CustomerARN:      strings.TrimSpace(auth.Username),
			AuthenticationID: authenticationID,
			ApplicationID:    applicationID,
			SourceID:         sourceID,
		})
		return err
	})
}

func (s *SourcesService) destroy(ctx context.Context, ev tasks.SourcesEvent) error {
	var value applicationAuthenticationValue
	if err := json.Unmarshal(ev.Value, &value); err != nil {
		s.logger.WarnContext(ctx, "malformed sources destroy message", "error", err)
		return nil
	}
	applicationID := int64(value.ApplicationID)
	authenticationID := int64(value.AuthenticationID)
	accounts, err := s.store.Repos().Accounts.FindByPlatform(ctx, core.PlatformLookup{
		AuthenticationID: &authenticationID,
		ApplicationID:    &applicationID,
	})
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		s.logger.InfoContext(ctx, "no cloud account to delete",
			"application_id", applicationID, "authentication_id", authenticationID)
		return nil
	}
	for _, account := range accounts {
		if err := s.accounts.Delete(ctx, account.ID); err != nil {
			return fmt.Errorf("delete cloud account %d: %w", account.ID, err)
		}
	}
	return nil
}

func (s *SourcesService) update(ctx context.Context, ev tasks.SourcesEvent) error {
	var value objectValue
	if err := json.Unmarshal(ev.Value, &value); err != nil {
		s.logger.WarnContext(ctx, "malformed sources update message", "error", err)
		return nil
	}
	authenticationID := int64(value.ID)
	ident := identityOf(ev)
	if ident.Empty() {
		s.logger.WarnContext(ctx, "sources update message has no account number or org id",
			"authentication_id", authenticationID)
		return nil
	}

	auth, err := s.api.GetAuthentication(ctx, ident, authenticationID)
	if err != nil {
		return err
	}
	if auth == nil {
		s.logger.InfoContext(ctx, "updated authentication no longer exists", "authentication_id", authenticationID)
		return nil
	}
	if !s.cfg.AcceptsAuthType(auth.AuthType) {
		s.logger.DebugContext(ctx, "ignoring update of unsupported authentication", "authtype", auth.AuthType)
		return nil
	}

	accounts, err := s.store.Repos().Accounts.FindByPlatform(ctx, core.PlatformLookup{AuthenticationID: &authenticationID})
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		s.logger.InfoContext(ctx, "updated authentication has no cloud account", "authentication_id", authenticationID)
		return nil
	}

	arn := strings.TrimSpace(auth.Username)
	for _, account := range accounts {
		if arn == "" {
			msg := fmt.Sprintf("%s: Authentication %d has no ARN", apperrors.RefMissingARN, authenticationID)
			if err := s.accounts.Disable(ctx, account.ID, msg, true); err != nil {
				return err
			}
			continue
		}
		err := s.accounts.UpdateARN(ctx, account.ID, arn)
		if err == nil {
			continue
		}
		if apperrors.GetRef(err) == "" {
			return err
		}
		if err := s.accounts.Disable(ctx, account.ID, availabilityError(err), true); err != nil {
			return err
		}
	}
	return nil
}

func (s *SourcesService) pause(ctx context.Context, ev tasks.SourcesEvent, paused bool) error {
	var value objectValue
	if err := json.Unmarshal(ev.Value, &value); err != nil {
		s.logger.WarnContext(ctx, "malformed sources pause message", "error", err)
		return nil
	}
	applicationID := int64(value.ID)
	accounts, err := s.store.Repos().Accounts.FindByPlatform(ctx, core.PlatformLookup{ApplicationID: &applicationID})
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := s.accounts.SetPaused(ctx, account.ID, paused); err != nil {
			return err
		}
		if paused {
			continue
		}
		// Activity was ignored while paused, so look at the account afresh.
		if !account.IsEnabled {
			if err := s.accounts.Enable(ctx, account.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := s.registry.Enqueue(ctx, s.store.Repos().Jobs, model.TaskInitialAWSDescribeInstances,
			tasks.AccountRef{AccountID: account.ID}); err != nil {
			return err
		}
	}
	return nil
}
