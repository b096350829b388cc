// Package devseed fills a development database with one user whose account
// has a few images and instances, so the reporting API returns data locally.
package devseed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/service"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

const (
	DefaultAccountNumber = "1234567"
	DefaultAWSAccountID  = "123456789012"
	DefaultDays          = 7

	seedRegion = "us-east-1"
)

// Options configures Run.
type Options struct {
	AccountNumber string
	AWSAccountID  string
	// Days of activity to generate, ending today.
	Days int
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AccountNumber == "" {
		o.AccountNumber = DefaultAccountNumber
	}
	if o.AWSAccountID == "" {
		o.AWSAccountID = DefaultAWSAccountID
	}
	if o.Days <= 0 {
		o.Days = DefaultDays
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Services bundles the dependencies needed for development seeding.
type Services struct {
	Store core.Store
	Usage *service.UsageService
}

// NewServices constructs all required services for seeding using the provided DB.
func NewServices(db *sql.DB, logger *slog.Logger) (Services, error) {
	store := data.NewStore(db, nil, logger)
	registry, err := tasks.NewRegistry()
	if err != nil {
		return Services{}, err
	}
	usage, err := service.NewUsageService(service.UsageServiceOptions{
		Store:    store,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, err
	}
	return Services{Store: store, Usage: usage}, nil
}

type seedImage struct {
	amiID     string
	name      string
	rhel      bool
	openshift bool
}

type seedInstance struct {
	ec2ID        string
	image        int // index into seedImages
	instanceType string
	// hours after the first day's midnight; a zero off means still running.
	on, off int
}

var seedImages = []seedImage{
	{amiID: "ami-0devrhel0000001", name: "rhel-9-dev", rhel: true},
	{amiID: "ami-0devocp00000002", name: "ocp-4-dev", rhel: true, openshift: true},
	{amiID: "ami-0devplain000003", name: "plain-linux-dev"},
}

var seedInstances = []seedInstance{
	{ec2ID: "i-0dev000000000001", image: 0, instanceType: "t3.large", on: 2, off: 30},
	{ec2ID: "i-0dev000000000002", image: 1, instanceType: "m5.xlarge", on: 10},
	{ec2ID: "i-0dev000000000003", image: 0, instanceType: "t3.large", on: 26, off: 50},
	{ec2ID: "i-0dev000000000004", image: 2, instanceType: "t3.micro", on: 4, off: 20},
}

var seedDefinitions = []model.InstanceDefinition{
	{InstanceType: "t3.micro", Memory: 1, VCPU: 2, CloudType: model.CloudTypeAWS},
	{InstanceType: "t3.large", Memory: 8, VCPU: 2, CloudType: model.CloudTypeAWS},
	{InstanceType: "m5.xlarge", Memory: 16, VCPU: 4, CloudType: model.CloudTypeAWS},
}

// Run seeds the development data. It is idempotent: existing rows are reused.
func Run(ctx context.Context, services Services, opts Options, logger *slog.Logger) error {
	if services.Store == nil || services.Usage == nil {
		return errors.New("devseed: store and usage service are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	today := truncateDay(opts.Now().UTC())
	first := today.AddDate(0, 0, -(opts.Days - 1))

	var userID int64
	err := services.Store.InTx(ctx, func(repos core.Repos) error {
		user, _, err := repos.Users.GetOrCreate(ctx, model.CreateUserRequest{AccountNumber: opts.AccountNumber})
		if err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
		userID = user.ID

		for _, def := range seedDefinitions {
			if _, err := repos.Definitions.InsertIfMissing(ctx, def); err != nil {
				return fmt.Errorf("seed definition %s: %w", def.InstanceType, err)
			}
		}

		account, err := ensureAccount(ctx, repos, user.ID, opts.AWSAccountID, first)
		if err != nil {
			return err
		}
		imageIDs, err := ensureImages(ctx, repos, opts.AWSAccountID)
		if err != nil {
			return err
		}
		return ensureInstances(ctx, repos, account.ID, imageIDs, first)
	})
	if err != nil {
		return err
	}

	for day := first; !day.After(today); day = day.AddDate(0, 0, 1) {
		if err := services.Usage.CalculateForUser(ctx, userID, day); err != nil {
			return fmt.Errorf("seed usage for %s: %w", day.Format(time.DateOnly), err)
		}
	}
	logger.InfoContext(ctx, "development data seeded",
		"account_number", opts.AccountNumber,
		"user_id", userID,
		"days", opts.Days)
	return nil
}

func ensureAccount(ctx context.Context, repos core.Repos, userID int64, awsAccountID string, enabledAt time.Time) (*model.CloudAccount, error) {
	existing, err := repos.Accounts.GetByAWSAccountID(ctx, awsAccountID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, data.ErrAccountNotFound) {
		return nil, fmt.Errorf("look up seed account: %w", err)
	}
	account, err := repos.Accounts.Create(ctx, core.CreateCloudAccountParams{
		UserID:       userID,
		Name:         "dev account",
		AWSAccountID: awsAccountID,
		ARN:          fmt.Sprintf("arn:aws:iam::%s:role/cloudigrade-dev", awsAccountID),
		EnabledAt:    enabledAt,
	})
	if err != nil {
		return nil, fmt.Errorf("seed account: %w", err)
	}
	return account, nil
}

func ensureImages(ctx context.Context, repos core.Repos, owner string) ([]int64, error) {
	ids := make([]int64, 0, len(seedImages))
	for _, img := range seedImages {
		created, _, err := repos.Images.Create(ctx, model.NewMachineImage{
			EC2AMIID:          img.amiID,
			Name:              img.name,
			OwnerAWSAccountID: owner,
			Region:            seedRegion,
			RHEL:              img.rhel,
			OpenShift:         img.openshift,
		}, model.ImageStatusInspected)
		if err != nil {
			return nil, fmt.Errorf("seed image %s: %w", img.amiID, err)
		}
		ids = append(ids, created.ID)
	}
	return ids, nil
}

func ensureInstances(ctx context.Context, repos core.Repos, accountID int64, imageIDs []int64, first time.Time) error {
	for _, spec := range seedInstances {
		imageID := imageIDs[spec.image]
		inst, err := repos.Instances.Save(ctx, model.SaveInstanceParams{
			CloudAccountID: accountID,
			EC2InstanceID:  spec.ec2ID,
			Region:         seedRegion,
			MachineImageID: &imageID,
		})
		if err != nil {
			return fmt.Errorf("seed instance %s: %w", spec.ec2ID, err)
		}
		existing, err := repos.Instances.ListEvents(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("list events of %s: %w", spec.ec2ID, err)
		}
		if len(existing) == 0 {
			if err := addEvents(ctx, repos, inst.ID, spec, first); err != nil {
				return err
			}
		}
		if err := service.RecalculateRuns(ctx, repos, inst.ID); err != nil {
			return fmt.Errorf("runs of %s: %w", spec.ec2ID, err)
		}
	}
	return nil
}

func addEvents(ctx context.Context, repos core.Repos, instanceID int64, spec seedInstance, first time.Time) error {
	instanceType := spec.instanceType
	events := []model.InstanceEvent{{
		InstanceID:   instanceID,
		EventType:    model.EventPowerOn,
		OccurredAt:   first.Add(time.Duration(spec.on) * time.Hour),
		InstanceType: &instanceType,
	}}
	if spec.off > 0 {
		events = append(events, model.InstanceEvent{
			InstanceID: instanceID,
			EventType:  model.EventPowerOff,
			OccurredAt: first.Add(time.Duration(spec.off) * time.Hour),
		})
	}
	for _, ev := range events {
		if _, err := repos.Instances.AddEvent(ctx, ev); err != nil {
			return fmt.Errorf("seed event for instance %d: %w", instanceID, err)
		}
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
