package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/cloudtrail"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// analyzeBatchSize is how many CloudTrail notifications one analyze_log run reads.
const analyzeBatchSize = 10

// AnalyzerServiceOptions groups dependencies for AnalyzerService.
type AnalyzerServiceOptions struct {
	Store     core.Store         // Required: repositories and transactions
	Registry  *tasks.Registry    // Required: task payloads
	Sessions  core.CloudSessions // Required: customer sessions
	Queues    core.MessageQueue  // Required: the CloudTrail notification queue
	Objects   core.ObjectStore   // Required: delivered CloudTrail logs
	Inspector ImageInspector     // Required: starts inspections of new images
	AWS       config.AWSConfig   // Required: notification queue URL
	Logger    *slog.Logger       // Optional: structured logger
}

// AnalyzerService turns delivered CloudTrail logs into instances, events and
// image tag changes.
type AnalyzerService struct {
	store     core.Store
	registry  *tasks.Registry
	sessions  core.CloudSessions
	queues    core.MessageQueue
	objects   core.ObjectStore
	inspector ImageInspector
	aws       config.AWSConfig
	logger    *slog.Logger
}

// NewAnalyzerService constructs an AnalyzerService.
func NewAnalyzerService(opts AnalyzerServiceOptions) (*AnalyzerService, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Registry == nil:
		return nil, errors.New("task registry is required")
	case opts.Sessions == nil:
		return nil, errors.New("cloud sessions are required")
	case opts.Queues == nil:
		return nil, errors.New("message queue is required")
	case opts.Objects == nil:
		return nil, errors.New("object store is required")
	case opts.Inspector == nil:
		return nil, errors.New("image inspector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzerService{
		store:     opts.Store,
		registry:  opts.Registry,
		sessions:  opts.Sessions,
		queues:    opts.Queues,
		objects:   opts.Objects,
		inspector: opts.Inspector,
		aws:       opts.AWS,
		logger:    logger.With("component", "analyzer_service"),
	}, nil
}

// Handlers returns the analyzer task handlers.
func (s *AnalyzerService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskAnalyzeLog: func(ctx context.Context, _ *model.Job) error {
			return s.AnalyzeLog(ctx)
		},
	}
}

// AnalyzeLog processes one batch of CloudTrail notifications. Messages that
// fail stay on the queue for a later run; the rest are deleted.
func (s *AnalyzerService) AnalyzeLog(ctx context.Context) error {
	queueURL := s.aws.CloudTrailEventURL
	if queueURL == "" {
		s.logger.WarnContext(ctx, "no CloudTrail notification queue configured")
		return nil
	}
	messages, err := s.queues.Receive(ctx, queueURL, analyzeBatchSize)
	if err != nil {
		return err
	}

	var (
		handled  []model.QueueMessage
		affected = map[int64]bool{}
	)
	for _, msg := range messages {
		if cloudtrail.IsTestEvent(msg.Body) {
			handled = append(handled, msg)
			continue
		}
		instanceIDs, err := s.analyzeMessage(ctx, msg)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to analyze CloudTrail message", "message_id", msg.MessageID, "error", err)
			continue
		}
		handled = append(handled, msg)
		for _, id := range instanceIDs {
			affected[id] = true
		}
	}
	if len(handled) > 0 {
		if err := s.queues.Delete(ctx, queueURL, handled); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "analyzed CloudTrail messages",
		"received", len(messages), "handled", len(handled), "instances", len(affected))

	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := s.store.InTx(ctx, func(tx core.Repos) error { return RecalculateRuns(ctx, tx, id) }); err != nil {
			return fmt.Errorf("recalculate runs for instance %d: %w", id, err)
		}
	}
	return nil
}

// regionKey groups AWS lookups by the account and region they run in.
type regionKey struct {
	accountID int64
	region    string
}

// analysis is the state gathered from one notification message.
type analysis struct {
	instanceEvents []cloudtrail.InstanceEvent
	tagEvents      []cloudtrail.AMITagEvent
	accounts       map[string]*model.CloudAccount
	described      map[string]model.DescribedInstance
	images         map[string]model.DescribedImage
	imageRegions   map[string]regionKey
}

func (s *AnalyzerService) analyzeMessage(ctx context.Context, msg model.QueueMessage) ([]int64, error) {
	objects, err := cloudtrail.ExtractS3Records(msg.Body)
	if err != nil {
		return nil, err
	}
	a := &analysis{
		accounts:     map[string]*model.CloudAccount{},
		described:    map[string]model.DescribedInstance{},
		images:       map[string]model.DescribedImage{},
		imageRegions: map[string]regionKey{},
	}
	for _, obj := range objects {
		content, err := s.objects.GetObjectContent(ctx, obj.Bucket, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("read log %s/%s: %w", obj.Bucket, obj.Key, err)
		}
		records, err := cloudtrail.ParseLog(content)
		if err != nil {
			return nil, fmt.Errorf("parse log %s/%s: %w", obj.Bucket, obj.Key, err)
		}
		a.instanceEvents = append(a.instanceEvents, cloudtrail.InstanceEvents(records)...)
		a.tagEvents = append(a.tagEvents, cloudtrail.AMITagEvents(records)...)
	}
	if len(a.instanceEvents) == 0 && len(a.tagEvents) == 0 {
		return nil, nil
	}

	repos := s.store.Repos()
	if err := s.loadAccounts(ctx, repos, a); err != nil {
		return nil, err
	}
	if err := s.describeInstances(ctx, repos, a); err != nil {
		return nil, err
	}
	known, err := s.describeImages(ctx, repos, a)
	if err != nil {
		return nil, err
	}

	var (
		toInspect []pendingImage
		affected  []int64
	)
	err = s.store.InTx(ctx, func(tx core.Repos) error {
		toInspect, affected = nil, nil
		images, pending, err := s.saveImages(ctx, tx, a, known)
		if err != nil {
			return err
		}
		toInspect = pending
		if err := s.applyTagEvents(ctx, tx, a.tagEvents); err != nil {
			return err
		}
		affected, err = s.saveInstanceEvents(ctx, tx, a, images)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, img := range toInspect {
		arn := s.arnFor(a, img.accountID)
		err := s.store.InTx(ctx, func(tx core.Repos) error {
			return s.inspector.StartImageInspection(ctx, tx, arn, img.amiID, img.region)
		})
		if err != nil {
			return nil, err
		}
	}
	return affected, nil
}

// loadAccounts resolves the cloud account behind every event and drops events
// of unknown, disabled or paused accounts.
func (s *AnalyzerService) loadAccounts(ctx context.Context, repos core.Repos, a *analysis) error {
	lookup := func(awsAccountID string) (*model.CloudAccount, error) {
		if account, ok := a.accounts[awsAccountID]; ok {
			return account, nil
		}
		account, err := repos.Accounts.GetByAWSAccountID(ctx, awsAccountID)
		switch {
		case errors.Is(err, data.ErrAccountNotFound):
			s.logger.InfoContext(ctx, "ignoring events of unknown AWS account", "aws_account_id", awsAccountID)
			account = nil
		case err != nil:
			return nil, err
		case !account.IsEnabled || account.IsPaused:
			s.logger.InfoContext(ctx, "ignoring events of inactive account", "account_id", account.ID)
			account = nil
		}
		a.accounts[awsAccountID] = account
		return account, nil
	}

	instanceEvents := a.instanceEvents[:0]
	for _, ev := range a.instanceEvents {
		account, err := lookup(ev.AWSAccountID)
		if err != nil {
			return err
		}
		if account != nil {
			instanceEvents = append(instanceEvents, ev)
		}
	}
	a.instanceEvents = instanceEvents

	tagEvents := a.tagEvents[:0]
	for _, ev := range a.tagEvents {
		account, err := lookup(ev.AWSAccountID)
		if err != nil {
			return err
		}
		if account != nil {
			tagEvents = append(tagEvents, ev)
		}
	}
	a.tagEvents = tagEvents
	return nil
}

// describeInstances describes instances whose events lack the image or type
// and that are not already fully stored, then fills in missing image ids.
func (s *AnalyzerService) describeInstances(ctx context.Context, repos core.Repos, a *analysis) error {
	pending := map[regionKey][]string{}
	queued := map[string]bool{}
	for _, ev := range a.instanceEvents {
		if queued[ev.InstanceID] || (ev.InstanceType != "" && ev.ImageID != "") {
			continue
		}
		defined, err := repos.Instances.IsDefined(ctx, ev.InstanceID)
		if err != nil {
			return err
		}
		if defined {
			continue
		}
		queued[ev.InstanceID] = true
		key := regionKey{accountID: a.accounts[ev.AWSAccountID].ID, region: ev.Region}
		pending[key] = append(pending[key], ev.InstanceID)
	}

	for key, ids := range pending {
		cloud, err := s.sessions.Customer(ctx, s.arnFor(a, key.accountID), key.region)
		if err != nil {
			return err
		}
		described, err := cloud.DescribeInstances(ctx, key.region, ids)
		if err != nil {
			return err
		}
		for id, inst := range described {
			a.described[id] = inst
		}
	}

	for i := range a.instanceEvents {
		ev := &a.instanceEvents[i]
		if inst, ok := a.described[ev.InstanceID]; ok && ev.ImageID == "" {
			ev.ImageID = inst.ImageID
		}
	}
	return nil
}

func (s *AnalyzerService) arnFor(a *analysis, accountID int64) string {
	for _, account := range a.accounts {
		if account != nil && account.ID == accountID {
			return account.ARN()
		}
	}
	return ""
}

// describeImages loads stored images for every AMI seen and describes the rest.
func (s *AnalyzerService) describeImages(
	ctx context.Context,
	repos core.Repos,
	a *analysis,
) (map[string]*model.MachineImage, error) {
	for _, ev := range a.instanceEvents {
		if ev.ImageID != "" {
			if _, ok := a.imageRegions[ev.ImageID]; !ok {
				a.imageRegions[ev.ImageID] = regionKey{accountID: a.accounts[ev.AWSAccountID].ID, region: ev.Region}
			}
		}
	}
	for _, ev := range a.tagEvents {
		if _, ok := a.imageRegions[ev.ImageID]; !ok {
			a.imageRegions[ev.ImageID] = regionKey{accountID: a.accounts[ev.AWSAccountID].ID, region: ev.Region}
		}
	}
	if len(a.imageRegions) == 0 {
		return map[string]*model.MachineImage{}, nil
	}

	ids := make([]string, 0, len(a.imageRegions))
	for id := range a.imageRegions {
		ids = append(ids, id)
	}
	known, err := repos.Images.GetByAMIIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	unknown := map[regionKey][]string{}
	for id, key := range a.imageRegions {
		if _, ok := known[id]; !ok {
			unknown[key] = append(unknown[key], id)
		}
	}
	for key, amiIDs := range unknown {
		cloud, err := s.sessions.Customer(ctx, s.arnFor(a, key.accountID), key.region)
		if err != nil {
			return nil, err
		}
		sort.Strings(amiIDs)
		described, err := cloud.DescribeImages(ctx, key.region, amiIDs)
		if err != nil {
			return nil, err
		}
		for _, img := range described {
			if img.Region == "" {
				img.Region = key.region
			}
			a.images[img.ImageID] = img
		}
	}
	return known, nil
}

// pendingImage is a newly stored image to inspect.
type pendingImage struct {
	regionalImage
	accountID int64
}

// saveImages stores described images and unavailable stubs for AMIs AWS
// would not describe. It returns every image by AMI id and the new images
// that need inspection.
func (s *AnalyzerService) saveImages(
	ctx context.Context,
	tx core.Repos,
	a *analysis,
	known map[string]*model.MachineImage,
) (map[string]*model.MachineImage, []pendingImage, error) {
	images := make(map[string]*model.MachineImage, len(a.imageRegions))
	for id, img := range known {
		images[id] = img
	}

	ids := make([]string, 0, len(a.imageRegions))
	for id := range a.imageRegions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pending []pendingImage
	for _, id := range ids {
		if _, ok := images[id]; ok {
			continue
		}
		described, ok := a.images[id]
		if !ok {
			img, err := tx.Images.CreateUnavailable(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			s.logger.InfoContext(ctx, "stored unavailable image", "ami_id", id)
			images[id] = img
			continue
		}
		status := model.ImageStatusPending
		if described.IsWindows() {
			status = model.ImageStatusInspected
		}
		img, created, err := tx.Images.Create(ctx, described.NewMachineImage(), status)
		if err != nil {
			return nil, nil, err
		}
		images[id] = img
		if created && img.Status == model.ImageStatusPending {
			key := a.imageRegions[id]
			pending = append(pending, pendingImage{
				regionalImage: regionalImage{amiID: id, region: key.region},
				accountID:     key.accountID,
			})
		}
	}
	return images, pending, nil
}

// applyTagEvents sets tag flags from the latest event per AMI and tag.
func (s *AnalyzerService) applyTagEvents(ctx context.Context, tx core.Repos, events []cloudtrail.AMITagEvent) error {
	type tagKey struct {
		amiID string
		tag   string
	}
	latest := map[tagKey]cloudtrail.AMITagEvent{}
	for _, ev := range events {
		key := tagKey{amiID: ev.ImageID, tag: ev.Tag}
		if prev, ok := latest[key]; !ok || !ev.OccurredAt.Before(prev.OccurredAt) {
			latest[key] = ev
		}
	}

	keys := make([]tagKey, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].amiID == keys[j].amiID {
			return keys[i].tag < keys[j].tag
		}
		return keys[i].amiID < keys[j].amiID
	})
	for _, key := range keys {
		exists := latest[key].Exists
		var flags core.TagFlags
		switch key.tag {
		case model.RHELTag:
			flags.RHEL = &exists
		case model.OpenShiftTag:
			flags.OpenShift = &exists
		default:
			continue
		}
		if err := tx.Images.SetTagFlags(ctx, []string{key.amiID}, flags); err != nil {
			return err
		}
	}
	return nil
}

// saveInstanceEvents stores instances and their events. Events older than the
// account are dropped. It returns the ids of instances whose events changed.
func (s *AnalyzerService) saveInstanceEvents(
	ctx context.Context,
	tx core.Repos,
	a *analysis,
	images map[string]*model.MachineImage,
) ([]int64, error) {
	events := make([]cloudtrail.InstanceEvent, len(a.instanceEvents))
	copy(events, a.instanceEvents)
	sort.SliceStable(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })

	seen := map[int64]bool{}
	var affected []int64
	for _, ev := range events {
		account := a.accounts[ev.AWSAccountID]
		saved, err := tx.Instances.Save(ctx, model.SaveInstanceParams{
			CloudAccountID: account.ID,
			EC2InstanceID:  ev.InstanceID,
			Region:         ev.Region,
			MachineImageID: imageIDOf(images[ev.ImageID]),
		})
		if err != nil {
			return nil, err
		}
		if ev.OccurredAt.Before(account.CreatedAt) {
			s.logger.DebugContext(ctx, "dropping event older than its account",
				"ec2_instance_id", ev.InstanceID, "occurred_at", ev.OccurredAt)
			continue
		}

		instanceType := ev.InstanceType
		if instanceType == "" {
			instanceType = a.described[ev.InstanceID].InstanceType
		}
		subnet := ev.SubnetID
		if subnet == "" {
			subnet = a.described[ev.InstanceID].SubnetID
		}
		if _, err := tx.Instances.AddEvent(ctx, model.InstanceEvent{
			InstanceID:   saved.ID,
			EventType:    ev.EventType,
			OccurredAt:   ev.OccurredAt,
			InstanceType: stringPtr(instanceType),
			Subnet:       stringPtr(subnet),
		}); err != nil {
			return nil, err
		}
		if !seen[saved.ID] {
			seen[saved.ID] = true
			affected = append(affected, saved.ID)
		}
	}
	return affected, nil
}
