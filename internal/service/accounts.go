package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/awsx"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// ImageInspector starts inspections inside the caller's unit of work.
type ImageInspector interface {
	StartImageInspection(ctx context.Context, repos core.Repos, arn, amiID, region string) error
}

// AccountServiceOptions groups dependencies for AccountService.
type AccountServiceOptions struct {
	Store     core.Store         // Required: repositories and transactions
	Registry  *tasks.Registry    // Required: task payloads
	Sessions  core.CloudSessions // Required: customer sessions
	Inspector ImageInspector     // Required: starts inspections of new images
	AWS       config.AWSConfig   // Required: trail and bucket names
	Logger    *slog.Logger       // Optional: structured logger
	Now       func() time.Time   // Optional: clock
}

// AccountService registers customer AWS accounts and manages their lifecycle.
type AccountService struct {
	store     core.Store
	registry  *tasks.Registry
	sessions  core.CloudSessions
	inspector ImageInspector
	aws       config.AWSConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewAccountService constructs an AccountService.
func NewAccountService(opts AccountServiceOptions) (*AccountService, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Registry == nil:
		return nil, errors.New("task registry is required")
	case opts.Sessions == nil:
		return nil, errors.New("cloud sessions are required")
	case opts.Inspector == nil:
		return nil, errors.New("image inspector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AccountService{
		store:     opts.Store,
		registry:  opts.Registry,
		sessions:  opts.Sessions,
		inspector: opts.Inspector,
		aws:       opts.AWS,
		logger:    logger.With("component", "account_service"),
		now:       now,
	}, nil
}

// Handlers returns the account task handlers.
func (s *AccountService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskConfigureCustomerAWSAndCreateCloudAccount: s.configureCustomerAWSAndCreateCloudAccount,
		model.TaskInitialAWSDescribeInstances:               s.initialAWSDescribeInstances,
		model.TaskVerifyAccountPermissions:                  s.verifyAccountPermissions,
		model.TaskVerifyAllAccountPermissions:               s.verifyAllAccountPermissions,
	}
}

// TrailName is the CloudTrail cloudigrade maintains in the customer account.
func (s *AccountService) TrailName(awsAccountID string) string {
	return s.aws.NamePrefix + awsAccountID
}

// CreateAWSCloudAccount verifies that cloudigrade can use arn, configures the
// customer's CloudTrail and stores the account. Failures carry a cloudigrade
// error reference.
func (s *AccountService) CreateAWSCloudAccount(
	ctx context.Context,
	user *model.User,
	req model.CreateAWSCloudAccountRequest,
) (*model.CloudAccount, error) {
	arn, err := awsx.ParseRoleARN(req.ARN)
	if err != nil {
		return nil, err
	}
	repos := s.store.Repos()

	_, err = repos.Accounts.GetByARN(ctx, req.ARN)
	switch {
	case err == nil:
		return nil, apperrors.Conflictf("An ARN already exists for account %q", arn.AccountID).
			WithRef(apperrors.RefARNAlreadyExists)
	case !errors.Is(err, data.ErrAccountNotFound):
		return nil, err
	}
	_, err = repos.Accounts.GetByAWSAccountID(ctx, arn.AccountID)
	switch {
	case err == nil:
		return nil, apperrors.Conflictf("Could not enable cloudigrade because AWS account %q is already in use",
			arn.AccountID).WithRef(apperrors.RefAccountAlreadyExists)
	case !errors.Is(err, data.ErrAccountNotFound):
		return nil, err
	}

	cloud, err := s.verify(ctx, req.ARN)
	if err != nil {
		return nil, err
	}
	if err := cloud.ConfigureCloudTrail(ctx, s.TrailName(arn.AccountID), s.aws.S3BucketName); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = model.StandardCloudAccountName(model.CloudTypeAWS, arn.AccountID)
	}
	var account *model.CloudAccount
	err = s.store.InTx(ctx, func(tx core.Repos) error {
		created, err := tx.Accounts.Create(ctx, core.CreateCloudAccountParams{
			UserID:                   user.ID,
			Name:                     name,
			AWSAccountID:             arn.AccountID,
			ARN:                      req.ARN,
			PlatformAuthenticationID: req.PlatformAuthenticationID,
			PlatformApplicationID:    req.PlatformApplicationID,
			PlatformSourceID:         req.PlatformSourceID,
			EnabledAt:                s.now(),
		})
		if err != nil {
			return err
		}
		account = created
		if err := notifyAvailability(ctx, s.registry, tx.Jobs, user, int64Value(req.PlatformApplicationID),
			tasks.AvailabilityAvailable, ""); err != nil {
			return err
		}
		_, err = s.registry.Enqueue(ctx, tx.Jobs, model.TaskInitialAWSDescribeInstances,
			tasks.AccountRef{AccountID: account.ID})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "created cloud account",
		"account_id", account.ID, "aws_account_id", arn.AccountID, "user_id", user.ID)
	return account, nil
}

// verify opens a session for arn and checks the role's permissions.
func (s *AccountService) verify(ctx context.Context, arn string) (core.CustomerCloud, error) {
	cloud, err := s.sessions.Customer(ctx, arn, s.aws.Region)
	if err != nil {
		return nil, err
	}
	denied, err := cloud.VerifyAccess(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "Account verification failed.").
			WithRef(apperrors.RefVerificationFailed)
	}
	if len(denied) > 0 {
		return nil, apperrors.Validation("Account verification failed.").WithRef(apperrors.RefVerificationFailed)
	}
	return cloud, nil
}

// availabilityError formats err for sources, prefixed with its reference.
func availabilityError(err error) string {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	if ref := apperrors.GetRef(err); ref != "" {
		return fmt.Sprintf("%s: %s", ref, msg)
	}
	return msg
}

func (s *AccountService) configureCustomerAWSAndCreateCloudAccount(ctx context.Context, job *model.Job) error {
	var p tasks.ConfigureAccount
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	repos := s.store.Repos()

	user, err := repos.Users.GetByID(ctx, p.UserID)
	if errors.Is(err, data.ErrUserNotFound) {
		msg := fmt.Sprintf("%s: User %d not found", apperrors.RefUserNotFound, p.UserID)
		s.logger.WarnContext(ctx, msg, "application_id", p.ApplicationID)
		return notifyAvailability(ctx, s.registry, repos.Jobs, nil, p.ApplicationID,
			tasks.AvailabilityUnavailable, msg)
	}
	if err != nil {
		return err
	}

	_, err = s.CreateAWSCloudAccount(ctx, user, model.CreateAWSCloudAccountRequest{
		UserID:                   user.ID,
		ARN:                      p.CustomerARN,
		PlatformAuthenticationID: &p.AuthenticationID,
		PlatformApplicationID:    &p.ApplicationID,
		PlatformSourceID:         &p.SourceID,
	})
	if err == nil {
		return nil
	}
	if apperrors.GetRef(err) == "" {
		return err
	}
	s.logger.InfoContext(ctx, "could not create cloud account",
		"user_id", user.ID, "application_id", p.ApplicationID, "error", err)
	return notifyAvailability(ctx, s.registry, repos.Jobs, user, p.ApplicationID,
		tasks.AvailabilityUnavailable, availabilityError(err))
}

// regionalImage is a new image to inspect in the region its instance runs in.
type regionalImage struct {
	amiID  string
	region string
}

func (s *AccountService) initialAWSDescribeInstances(ctx context.Context, job *model.Job) error {
	var p tasks.AccountRef
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	account, ok, err := s.enabledAccount(ctx, s.store.Repos(), p.AccountID)
	if err != nil || !ok {
		return err
	}

	cloud, err := s.sessions.Customer(ctx, account.ARN(), s.aws.Region)
	if err != nil {
		return err
	}
	described, err := cloud.DescribeInstancesEverywhere(ctx)
	if err != nil {
		return err
	}

	imagesByID := map[string]model.DescribedImage{}
	for region, instances := range described {
		ids := uniqueImageIDs(instances)
		if len(ids) == 0 {
			continue
		}
		images, err := cloud.DescribeImages(ctx, region, ids)
		if err != nil {
			return err
		}
		for _, img := range images {
			imagesByID[img.ImageID] = img
		}
	}

	var toInspect []regionalImage
	err = s.store.InTx(ctx, func(tx core.Repos) error {
		toInspect = toInspect[:0]
		// The account may have been disabled while AWS was being described.
		if _, ok, err := s.enabledAccount(ctx, tx, p.AccountID); err != nil || !ok {
			return err
		}
		now := s.now()
		for region, instances := range described {
			for _, inst := range instances {
				img, created, err := s.saveDescribedImage(ctx, tx, inst, imagesByID)
				if err != nil {
					return err
				}
				if created && !img.IsWindows() && img.Status == model.ImageStatusPending {
					toInspect = append(toInspect, regionalImage{amiID: img.EC2AMIID, region: region})
				}
				saved, err := tx.Instances.Save(ctx, model.SaveInstanceParams{
					CloudAccountID: account.ID,
					EC2InstanceID:  inst.InstanceID,
					Region:         region,
					MachineImageID: imageIDOf(img),
				})
				if err != nil {
					return err
				}
				if !inst.Running {
					continue
				}
				if _, err := tx.Instances.AddEvent(ctx, model.InstanceEvent{
					InstanceID:   saved.ID,
					EventType:    model.EventPowerOn,
					OccurredAt:   now,
					InstanceType: stringPtr(inst.InstanceType),
					Subnet:       stringPtr(inst.SubnetID),
				}); err != nil {
					return err
				}
				if err := RecalculateRuns(ctx, tx, saved.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, img := range toInspect {
		err := s.store.InTx(ctx, func(tx core.Repos) error {
			return s.inspector.StartImageInspection(ctx, tx, account.ARN(), img.amiID, img.region)
		})
		if err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "described account instances",
		"account_id", account.ID, "regions", len(described), "new_images", len(toInspect))
	return nil
}

// saveDescribedImage stores the image behind inst. Windows images need no
// inspection; images EC2 would not describe are stored as unavailable.
func (s *AccountService) saveDescribedImage(
	ctx context.Context,
	tx core.Repos,
	inst model.DescribedInstance,
	imagesByID map[string]model.DescribedImage,
) (*model.MachineImage, bool, error) {
	if inst.ImageID == "" {
		return nil, false, nil
	}
	described, ok := imagesByID[inst.ImageID]
	if !ok {
		img, err := tx.Images.CreateUnavailable(ctx, inst.ImageID)
		return img, false, err
	}
	status := model.ImageStatusPending
	if described.IsWindows() || inst.IsWindows() {
		status = model.ImageStatusInspected
	}
	newImage := described.NewMachineImage()
	newImage.Windows = newImage.Windows || inst.IsWindows()
	return tx.Images.Create(ctx, newImage, status)
}

// enabledAccount loads the account, reporting false for missing or disabled ones.
func (s *AccountService) enabledAccount(ctx context.Context, repos core.Repos, id int64) (*model.CloudAccount, bool, error) {
	account, err := repos.Accounts.GetByID(ctx, id)
	if errors.Is(err, data.ErrAccountNotFound) {
		s.logger.WarnContext(ctx, "cloud account does not exist", "account_id", id)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !account.IsEnabled {
		s.logger.InfoContext(ctx, "cloud account is disabled, skipping", "account_id", id)
		return nil, false, nil
	}
	return account, true, nil
}

func (s *AccountService) verifyAccountPermissions(ctx context.Context, job *model.Job) error {
	var p tasks.AccountRef
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	_, err := s.VerifyPermissions(ctx, p.AccountID)
	return err
}

// VerifyPermissions checks the account's role and disables the account when
// the check fails. It reports whether the permissions are valid.
func (s *AccountService) VerifyPermissions(ctx context.Context, accountID int64) (bool, error) {
	account, err := s.store.Repos().Accounts.GetByID(ctx, accountID)
	if errors.Is(err, data.ErrAccountNotFound) {
		s.logger.WarnContext(ctx, "cloud account does not exist", "account_id", accountID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := s.verify(ctx, account.ARN()); err != nil {
		if apperrors.GetRef(err) == "" {
			return false, err
		}
		s.logger.InfoContext(ctx, "account failed permission verification", "account_id", accountID, "error", err)
		return false, s.Disable(ctx, accountID, availabilityError(err), true)
	}
	return true, nil
}

func (s *AccountService) verifyAllAccountPermissions(ctx context.Context, _ *model.Job) error {
	enabled := true
	accounts, err := s.store.Repos().Accounts.List(ctx, model.CloudAccountListOptions{Enabled: &enabled})
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx core.Repos) error {
		for _, account := range accounts {
			if _, err := s.registry.Enqueue(ctx, tx.Jobs, model.TaskVerifyAccountPermissions,
				tasks.AccountRef{AccountID: account.ID}); err != nil {
				return err
			}
		}
		s.logger.InfoContext(ctx, "queued account verifications", "count", len(accounts))
		return nil
	})
}

// Enable re-verifies the account and turns it back on. Enabling an enabled
// account is a no-op. New activity is picked up by describing the account again.
func (s *AccountService) Enable(ctx context.Context, accountID int64) error {
	repos := s.store.Repos()
	account, err := repos.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.IsEnabled {
		return nil
	}
	valid, err := s.VerifyPermissions(ctx, accountID)
	if err != nil || !valid {
		return err
	}
	user, err := repos.Users.GetByID(ctx, account.UserID)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx core.Repos) error {
		if err := tx.Accounts.SetEnabled(ctx, accountID, true, s.now()); err != nil {
			return err
		}
		if err := notifyAvailability(ctx, s.registry, tx.Jobs, user, int64Value(account.PlatformApplicationID),
			tasks.AvailabilityAvailable, ""); err != nil {
			return err
		}
		_, err := s.registry.Enqueue(ctx, tx.Jobs, model.TaskInitialAWSDescribeInstances,
			tasks.AccountRef{AccountID: accountID})
		return err
	})
}

// Disable turns the account off and closes its open runs. With notify set,
// sources is told the application is unavailable because of message.
func (s *AccountService) Disable(ctx context.Context, accountID int64, message string, notify bool) error {
	repos := s.store.Repos()
	account, err := repos.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	var user *model.User
	if notify {
		if user, err = repos.Users.GetByID(ctx, account.UserID); err != nil {
			return err
		}
	}
	return s.store.InTx(ctx, func(tx core.Repos) error {
		now := s.now()
		if err := tx.Accounts.SetEnabled(ctx, accountID, false, now); err != nil {
			return err
		}
		closed, err := tx.Runs.CloseOpenForAccount(ctx, accountID, now)
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "disabled cloud account", "account_id", accountID, "closed_runs", closed, "reason", message)
		if !notify {
			return nil
		}
		return notifyAvailability(ctx, s.registry, tx.Jobs, user, int64Value(account.PlatformApplicationID),
			tasks.AvailabilityUnavailable, message)
	})
}

// SetPaused pauses or unpauses the account. Paused accounts stay enabled but
// their activity is ignored.
func (s *AccountService) SetPaused(ctx context.Context, accountID int64, paused bool) error {
	if err := s.store.Repos().Accounts.SetPaused(ctx, accountID, paused); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "changed cloud account pause state", "account_id", accountID, "paused", paused)
	return nil
}

// Delete closes the account's runs and removes it with its instances.
func (s *AccountService) Delete(ctx context.Context, accountID int64) error {
	return s.store.InTx(ctx, func(tx core.Repos) error {
		if _, err := tx.Runs.CloseOpenForAccount(ctx, accountID, s.now()); err != nil {
			return err
		}
		deleted, err := tx.Accounts.Delete(ctx, accountID)
		if err != nil {
			return err
		}
		if !deleted {
			return data.ErrAccountNotFound
		}
		s.logger.InfoContext(ctx, "deleted cloud account", "account_id", accountID)
		return nil
	})
}

// UpdateARN points the account at a new role. Changing the AWS account behind
// an existing cloud account is not allowed.
func (s *AccountService) UpdateARN(ctx context.Context, accountID int64, newARN string) error {
	parsed, err := awsx.ParseRoleARN(newARN)
	if err != nil {
		return err
	}
	account, err := s.store.Repos().Accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.ARN() == newARN {
		return nil
	}
	if account.AWS != nil && account.AWS.AWSAccountID != parsed.AccountID {
		return apperrors.ValidationField("account_arn",
			fmt.Sprintf("ARN %q belongs to a different AWS account", newARN)).WithRef(apperrors.RefInvalidARN)
	}
	if err := s.store.Repos().Accounts.UpdateARN(ctx, accountID, newARN, parsed.AccountID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "updated cloud account ARN", "account_id", accountID)
	return s.Enable(ctx, accountID)
}

func uniqueImageIDs(instances []model.DescribedInstance) []string {
	seen := map[string]bool{}
	var ids []string
	for _, inst := range instances {
		if inst.ImageID == "" || seen[inst.ImageID] {
			continue
		}
		seen[inst.ImageID] = true
		ids = append(ids, inst.ImageID)
	}
	return ids
}

func imageIDOf(img *model.MachineImage) *int64 {
	if img == nil {
		return nil
	}
	id := img.ID
	return &id
}

func stringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func int64Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
