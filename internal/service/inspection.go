package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/awsx"
	"github.com/cloudigrade/cloudigrade/internal/cloudtrail"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// CopyImage failure messages. A private image refusing access is an error;
// the rest mark images that can never be copied and are treated as inspected.
const (
	copyImagePermissionMessage  = "You do not have permission to access the storage of this ami"
	copyImageMarketplaceMessage = "Images from AWS Marketplace cannot be copied to another AWS account"
	copyImageBillingMessage     = "Images with EC2 BillingProduct codes cannot be copied to another AWS account"
)

func uncopyableImage(msg string) bool {
	switch msg {
	case copyImagePermissionMessage, copyImageMarketplaceMessage, copyImageBillingMessage:
		return true
	}
	return false
}

// InspectionServiceOptions groups dependencies for InspectionService.
type InspectionServiceOptions struct {
	Store      core.Store              // Required: repositories and transactions
	Registry   *tasks.Registry         // Required: task payloads
	Sessions   core.CloudSessions      // Required: customer sessions
	Inspection core.InspectionCloud    // Required: cloudigrade's account in the inspection region
	Queues     core.MessageQueue       // Required: queues in the SQS region
	Objects    core.ObjectStore        // Required: houndigrade result objects
	AWS        config.AWSConfig        // Required: queue names and houndigrade credentials
	Config     config.InspectionConfig // Required: cluster settings
	Logger     *slog.Logger            // Optional: structured logger
	Now        func() time.Time        // Optional: clock
}

// InspectionService drives AMIs through snapshot copy, volume creation and
// houndigrade inspection.
type InspectionService struct {
	store      core.Store
	registry   *tasks.Registry
	sessions   core.CloudSessions
	inspection core.InspectionCloud
	queues     core.MessageQueue
	objects    core.ObjectStore
	aws        config.AWSConfig
	cfg        config.InspectionConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewInspectionService constructs an InspectionService.
func NewInspectionService(opts InspectionServiceOptions) (*InspectionService, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Registry == nil:
		return nil, errors.New("task registry is required")
	case opts.Sessions == nil:
		return nil, errors.New("cloud sessions are required")
	case opts.Inspection == nil:
		return nil, errors.New("inspection cloud is required")
	case opts.Queues == nil:
		return nil, errors.New("message queue is required")
	case opts.Objects == nil:
		return nil, errors.New("object store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &InspectionService{
		store:      opts.Store,
		registry:   opts.Registry,
		sessions:   opts.Sessions,
		inspection: opts.Inspection,
		queues:     opts.Queues,
		objects:    opts.Objects,
		aws:        opts.AWS,
		cfg:        opts.Config,
		logger:     logger.With("component", "inspection_service"),
		now:        now,
	}, nil
}

// Handlers returns the inspection pipeline task handlers.
func (s *InspectionService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskCopyAMISnapshot:                 s.copyAMISnapshot,
		model.TaskCopyAMIToCustomerAccount:        s.copyAMIToCustomerAccount,
		model.TaskRemoveSnapshotOwnership:         s.removeSnapshotOwnership,
		model.TaskCreateVolume:                    s.createVolume,
		model.TaskDeleteSnapshot:                  s.deleteSnapshot,
		model.TaskEnqueueReadyVolume:              s.enqueueReadyVolume,
		model.TaskScaleDownCluster:                s.scaleDownCluster,
		model.TaskScaleUpInspectionCluster:        s.scaleUpInspectionCluster,
		model.TaskRunInspectionCluster:            s.runInspectionCluster,
		model.TaskPersistInspectionClusterResults: s.persistInspectionClusterResults,
		model.TaskInspectPendingImages:            s.inspectPendingImages,
	}
}

// StartImageInspection begins inspecting amiID using repos, so callers may run
// it inside their own transaction. Marketplace and Cloud Access images are
// marked inspected without copying anything, and images that used up their
// attempts are marked as errors.
func (s *InspectionService) StartImageInspection(ctx context.Context, repos core.Repos, arn, amiID, region string) error {
	img, err := repos.Images.GetByAMIID(ctx, amiID)
	if errors.Is(err, data.ErrImageNotFound) {
		s.logger.WarnContext(ctx, "cannot inspect unknown image", "ami_id", amiID)
		return nil
	}
	if err != nil {
		return err
	}

	if img.IsMarketplace || img.IsCloudAccess {
		return setImageStatus(ctx, repos.Images, amiID, model.ImageStatusInspected)
	}

	starts, err := repos.Images.CountInspectionStarts(ctx, img.ID)
	if err != nil {
		return err
	}
	if starts > s.cfg.MaxAttempts {
		s.logger.InfoContext(ctx, "image exceeded inspection attempts",
			"ami_id", amiID, "attempts", starts, "max_attempts", s.cfg.MaxAttempts)
		return setImageStatus(ctx, repos.Images, amiID, model.ImageStatusError)
	}

	if err := setImageStatus(ctx, repos.Images, amiID, model.ImageStatusPreparing); err != nil {
		return err
	}
	if err := repos.Images.AddInspectionStart(ctx, img.ID); err != nil {
		return err
	}
	_, err = s.registry.Enqueue(ctx, repos.Jobs, model.TaskCopyAMISnapshot, tasks.CopyAMISnapshot{
		ARN:            arn,
		AMIID:          amiID,
		SnapshotRegion: region,
	})
	return err
}

func setImageStatus(ctx context.Context, images core.ImageRepository, amiID string, status model.ImageStatus) error {
	_, err := images.Update(ctx, amiID, core.UpdateImageParams{Status: &status})
	return err
}

// imageExists returns false without error when amiID is not stored.
func (s *InspectionService) imageExists(ctx context.Context, images core.ImageRepository, amiID string) (*model.MachineImage, bool, error) {
	img, err := images.GetByAMIID(ctx, amiID)
	if errors.Is(err, data.ErrImageNotFound) {
		s.logger.InfoContext(ctx, "image no longer exists, skipping", "ami_id", amiID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}

func (s *InspectionService) copyAMISnapshot(ctx context.Context, job *model.Job) error {
	var p tasks.CopyAMISnapshot
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	repos := s.store.Repos()

	// A copy made in the customer account is not stored; its reference is.
	tracked := p.AMIID
	if p.ReferenceAMIID != "" {
		tracked = p.ReferenceAMIID
	}
	trackedImage, ok, err := s.imageExists(ctx, repos.Images, tracked)
	if err != nil || !ok {
		return err
	}

	cloud, err := s.sessions.Customer(ctx, p.ARN, p.SnapshotRegion)
	if err != nil {
		return err
	}
	ami, err := cloud.GetImage(ctx, p.SnapshotRegion, p.AMIID)
	if err != nil {
		return err
	}
	if ami == nil {
		s.logger.InfoContext(ctx, "AMI not found, marking image as error", "ami_id", p.AMIID)
		return setImageStatus(ctx, repos.Images, tracked, model.ImageStatusError)
	}
	if ami.SnapshotID == "" {
		s.logger.InfoContext(ctx, "AMI has no snapshot, marking image as error", "ami_id", p.AMIID)
		return setImageStatus(ctx, repos.Images, tracked, model.ImageStatusError)
	}

	snapshot, err := cloud.GetSnapshot(ctx, p.SnapshotRegion, ami.SnapshotID)
	if awsx.HasCode(err, awsx.CodeInvalidSnapshotMissing) {
		s.logger.InfoContext(ctx, "snapshot not visible, copying AMI to customer account",
			"ami_id", p.AMIID, "snapshot_id", ami.SnapshotID)
		return s.enqueue(ctx, repos.Jobs, model.TaskCopyAMIToCustomerAccount, tasks.CopyAMIToCustomerAccount{
			ARN:            p.ARN,
			ReferenceAMIID: p.AMIID,
			SnapshotRegion: p.SnapshotRegion,
		})
	}
	if err != nil {
		return err
	}

	if snapshot.Encrypted {
		s.logger.InfoContext(ctx, "snapshot is encrypted, marking image as error",
			"ami_id", p.AMIID, "snapshot_id", snapshot.SnapshotID)
		encrypted := true
		status := model.ImageStatusError
		_, err := repos.Images.Update(ctx, tracked, core.UpdateImageParams{Status: &status, IsEncrypted: &encrypted})
		return err
	}

	if p.ReferenceAMIID == "" && snapshot.OwnerID != cloud.AccountID() {
		s.logger.InfoContext(ctx, "snapshot is owned by another account, copying AMI to customer account",
			"ami_id", p.AMIID, "owner_id", snapshot.OwnerID)
		return s.enqueue(ctx, repos.Jobs, model.TaskCopyAMIToCustomerAccount, tasks.CopyAMIToCustomerAccount{
			ARN:            p.ARN,
			ReferenceAMIID: p.AMIID,
			SnapshotRegion: p.SnapshotRegion,
		})
	}

	ownAccount, err := s.sessions.OwnAccountID(ctx)
	if err != nil {
		return err
	}
	if err := cloud.ShareSnapshot(ctx, p.SnapshotRegion, snapshot.SnapshotID, ownAccount, true); err != nil {
		return fmt.Errorf("share snapshot %s: %w", snapshot.SnapshotID, err)
	}
	copyID, err := s.inspection.CopySnapshot(ctx, p.SnapshotRegion, snapshot.SnapshotID)
	if err != nil {
		return fmt.Errorf("copy snapshot %s: %w", snapshot.SnapshotID, err)
	}
	s.logger.InfoContext(ctx, "copied snapshot", "ami_id", p.AMIID, "snapshot_id", snapshot.SnapshotID, "copy_id", copyID)

	return s.store.InTx(ctx, func(tx core.Repos) error {
		if err := s.enqueue(ctx, tx.Jobs, model.TaskRemoveSnapshotOwnership, tasks.RemoveSnapshotOwnership{
			ARN:                    p.ARN,
			CustomerSnapshotID:     snapshot.SnapshotID,
			CustomerSnapshotRegion: p.SnapshotRegion,
			SnapshotCopyID:         copyID,
		}); err != nil {
			return err
		}
		if p.ReferenceAMIID != "" {
			if err := tx.Images.CreateCopy(ctx, model.MachineImageCopy{
				EC2AMIID:                p.AMIID,
				ReferenceMachineImageID: trackedImage.ID,
			}); err != nil {
				return err
			}
		}
		return s.enqueue(ctx, tx.Jobs, model.TaskCreateVolume, tasks.CreateVolume{
			AMIID:          tracked,
			SnapshotCopyID: copyID,
		})
	})
}

func (s *InspectionService) copyAMIToCustomerAccount(ctx context.Context, job *model.Job) error {
	var p tasks.CopyAMIToCustomerAccount
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	repos := s.store.Repos()
	if _, ok, err := s.imageExists(ctx, repos.Images, p.ReferenceAMIID); err != nil || !ok {
		return err
	}

	cloud, err := s.sessions.Customer(ctx, p.ARN, p.SnapshotRegion)
	if err != nil {
		return err
	}
	ami, err := cloud.GetImage(ctx, p.SnapshotRegion, p.ReferenceAMIID)
	if err != nil {
		return err
	}
	if ami == nil {
		s.logger.InfoContext(ctx, "reference AMI not found, marking image as error", "ami_id", p.ReferenceAMIID)
		return setImageStatus(ctx, repos.Images, p.ReferenceAMIID, model.ImageStatusError)
	}

	newAMIID, err := cloud.CopyImage(ctx, p.SnapshotRegion, p.ReferenceAMIID)
	if awsx.HasCode(err, awsx.CodeInvalidRequest) {
		msg := strings.TrimSuffix(awsx.ErrorMessage(err), ".")
		switch {
		case !ami.Public && msg == copyImagePermissionMessage:
			s.logger.InfoContext(ctx, "private AMI cannot be copied, marking image as error", "ami_id", p.ReferenceAMIID)
			return setImageStatus(ctx, repos.Images, p.ReferenceAMIID, model.ImageStatusError)
		case uncopyableImage(msg):
			s.logger.InfoContext(ctx, "AMI cannot be copied, treating it as marketplace", "ami_id", p.ReferenceAMIID)
			status := model.ImageStatusInspected
			marketplace := true
			_, err := repos.Images.Update(ctx, p.ReferenceAMIID, core.UpdateImageParams{
				Status:        &status,
				IsMarketplace: &marketplace,
			})
			return err
		}
	}
	if err != nil {
		return fmt.Errorf("copy image %s: %w", p.ReferenceAMIID, err)
	}

	return s.enqueue(ctx, repos.Jobs, model.TaskCopyAMISnapshot, tasks.CopyAMISnapshot{
		ARN:            p.ARN,
		AMIID:          newAMIID,
		SnapshotRegion: p.SnapshotRegion,
		ReferenceAMIID: p.ReferenceAMIID,
	})
}

func (s *InspectionService) removeSnapshotOwnership(ctx context.Context, job *model.Job) error {
	var p tasks.RemoveSnapshotOwnership
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}

	err := s.inspection.WaitSnapshotCompleted(ctx, p.SnapshotCopyID)
	switch {
	case errors.Is(err, core.ErrSnapshotNotFound):
		s.logger.InfoContext(ctx, "snapshot copy already deleted", "copy_id", p.SnapshotCopyID)
	case err != nil:
		return err
	}

	cloud, err := s.sessions.Customer(ctx, p.ARN, p.CustomerSnapshotRegion)
	if err != nil {
		return err
	}
	ownAccount, err := s.sessions.OwnAccountID(ctx)
	if err != nil {
		return err
	}
	err = cloud.ShareSnapshot(ctx, p.CustomerSnapshotRegion, p.CustomerSnapshotID, ownAccount, false)
	if awsx.HasCode(err, awsx.CodeInvalidSnapshotMissing) {
		s.logger.InfoContext(ctx, "customer snapshot already deleted", "snapshot_id", p.CustomerSnapshotID)
		return nil
	}
	return err
}

func (s *InspectionService) createVolume(ctx context.Context, job *model.Job) error {
	var p tasks.CreateVolume
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	volumeID, err := s.inspection.CreateVolume(ctx, p.SnapshotCopyID, s.cfg.AvailabilityZone)
	if err != nil {
		return fmt.Errorf("create volume from %s: %w", p.SnapshotCopyID, err)
	}
	s.logger.InfoContext(ctx, "created volume", "ami_id", p.AMIID, "volume_id", volumeID)

	region := s.cfg.Region()
	return s.store.InTx(ctx, func(tx core.Repos) error {
		if err := s.enqueue(ctx, tx.Jobs, model.TaskDeleteSnapshot, tasks.DeleteSnapshot{
			SnapshotCopyID: p.SnapshotCopyID,
			VolumeID:       volumeID,
			VolumeRegion:   region,
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, tx.Jobs, model.TaskEnqueueReadyVolume, tasks.EnqueueReadyVolume{
			AMIID:        p.AMIID,
			VolumeID:     volumeID,
			VolumeRegion: region,
		})
	})
}

func (s *InspectionService) deleteSnapshot(ctx context.Context, job *model.Job) error {
	var p tasks.DeleteSnapshot
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	if err := s.inspection.WaitVolumeAvailable(ctx, p.VolumeID); err != nil {
		return err
	}
	if err := s.inspection.DeleteSnapshot(ctx, p.SnapshotCopyID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", p.SnapshotCopyID, err)
	}
	s.logger.InfoContext(ctx, "deleted snapshot copy", "copy_id", p.SnapshotCopyID, "region", p.VolumeRegion)
	return nil
}

func (s *InspectionService) enqueueReadyVolume(ctx context.Context, job *model.Job) error {
	var p tasks.EnqueueReadyVolume
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	if err := s.inspection.WaitVolumeAvailable(ctx, p.VolumeID); err != nil {
		return err
	}
	queueURL, err := s.queues.QueueURL(ctx, s.aws.ReadyVolumesQueueName())
	if err != nil {
		return err
	}
	body, err := json.Marshal([]model.ReadyVolume{{AMIID: p.AMIID, VolumeID: p.VolumeID}})
	if err != nil {
		return err
	}
	return s.queues.Send(ctx, queueURL, []string{string(body)})
}

func (s *InspectionService) scaleDownCluster(ctx context.Context, _ *model.Job) error {
	s.logger.InfoContext(ctx, "scaling down inspection cluster", "group", s.cfg.AutoScalingGroupName)
	return s.inspection.ScaleTo(ctx, s.cfg.AutoScalingGroupName, 0)
}

func (s *InspectionService) scaleUpInspectionCluster(ctx context.Context, _ *model.Job) error {
	group, err := s.inspection.DescribeScalingGroup(ctx, s.cfg.AutoScalingGroupName)
	if err != nil {
		return err
	}
	if !group.ScaledDown() {
		s.logger.InfoContext(ctx, "Not scaling up because the cluster is already scaled up",
			"group", group.Name, "desired_capacity", group.DesiredCapacity)
		return nil
	}

	queueURL, err := s.queues.QueueURL(ctx, s.aws.ReadyVolumesQueueName())
	if err != nil {
		return err
	}
	received, err := s.queues.Receive(ctx, queueURL, s.cfg.VolumeBatchSize)
	if err != nil {
		return err
	}
	var volumes []model.ReadyVolume
	for _, msg := range received {
		var batch []model.ReadyVolume
		if err := json.Unmarshal([]byte(msg.Body), &batch); err != nil {
			s.logger.WarnContext(ctx, "dropping malformed ready volume message", "message_id", msg.MessageID, "error", err)
			continue
		}
		volumes = append(volumes, batch...)
	}
	if err := s.queues.Delete(ctx, queueURL, received); err != nil {
		return err
	}
	if len(volumes) == 0 {
		s.logger.InfoContext(ctx, "Not scaling up because no new volumes were found.")
		return nil
	}

	if err := s.inspection.ScaleTo(ctx, s.cfg.AutoScalingGroupName, 1); err != nil {
		s.logger.ErrorContext(ctx, "scale up failed, returning volumes to the queue", "error", err)
		if sendErr := s.requeueVolumes(ctx, queueURL, volumes); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}

	return s.enqueue(ctx, s.store.Repos().Jobs, model.TaskRunInspectionCluster, tasks.RunInspectionCluster{
		Messages: volumes,
	})
}

func (s *InspectionService) requeueVolumes(ctx context.Context, queueURL string, volumes []model.ReadyVolume) error {
	bodies := make([]string, 0, len(volumes))
	for _, v := range volumes {
		body, err := json.Marshal([]model.ReadyVolume{v})
		if err != nil {
			return err
		}
		bodies = append(bodies, string(body))
	}
	return s.queues.Send(ctx, queueURL, bodies)
}

// deviceName returns the block device for the i-th attached volume:
// /dev/xvdba, /dev/xvdbb, ... /dev/xvdbz, /dev/xvdca, ...
func deviceName(i int) string {
	return fmt.Sprintf("/dev/xvd%c%c", rune('b'+i/26), rune('a'+i%26))
}

func (s *InspectionService) runInspectionCluster(ctx context.Context, job *model.Job) error {
	var p tasks.RunInspectionCluster
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}

	var relevant []model.ReadyVolume
	err := s.store.InTx(ctx, func(tx core.Repos) error {
		relevant = relevant[:0]
		status := model.ImageStatusInspecting
		for _, msg := range p.Messages {
			ok, err := tx.Images.Update(ctx, msg.AMIID, core.UpdateImageParams{Status: &status})
			if err != nil {
				return err
			}
			if !ok {
				s.logger.WarnContext(ctx, "skipping volume of unknown image", "ami_id", msg.AMIID, "volume_id", msg.VolumeID)
				continue
			}
			relevant = append(relevant, msg)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(relevant) == 0 {
		s.logger.InfoContext(ctx, "no images to inspect, scaling down")
		return s.enqueue(ctx, s.store.Repos().Jobs, model.TaskScaleDownCluster, nil)
	}

	command := []string{"-c", "aws"}
	if s.cfg.Debug {
		command = append(command, "--debug")
	}

	instanceID, err := s.inspection.ClusterInstanceID(ctx, s.cfg.ClusterName)
	if err != nil {
		return err
	}
	running, err := s.inspection.InstanceRunning(ctx, instanceID)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("instance %s: %w", instanceID, core.ErrECSInstanceNotReady)
	}

	images := s.store.Repos().Images
	targets := 0
	for i, msg := range relevant {
		device := deviceName(i)
		if err := s.inspection.AttachVolume(ctx, msg.VolumeID, instanceID, device); err != nil {
			s.handleAttachFailure(ctx, images, msg, err)
			continue
		}
		if err := s.inspection.SetDeleteOnTermination(ctx, instanceID, device); err != nil {
			return err
		}
		command = append(command, "-t", msg.AMIID, device)
		targets++
	}
	if targets == 0 {
		s.logger.WarnContext(ctx, "No targets left to inspect, exiting early.")
		return nil
	}

	taskARN, err := s.inspection.RunHoundigrade(ctx, s.houndigradeTask(command))
	if err != nil {
		return fmt.Errorf("run houndigrade: %w", err)
	}
	s.logger.InfoContext(ctx, "started houndigrade", "task_arn", taskARN, "targets", targets)
	return nil
}

// handleAttachFailure records why a volume could not be attached and deletes it.
func (s *InspectionService) handleAttachFailure(
	ctx context.Context,
	images core.ImageRepository,
	msg model.ReadyVolume,
	attachErr error,
) {
	params := core.UpdateImageParams{}
	status := model.ImageStatusError
	if awsx.HasCode(attachErr, awsx.CodeOptInRequired, awsx.CodeIncorrectInstanceState) &&
		strings.Contains(strings.ToLower(awsx.ErrorMessage(attachErr)), "marketplace") {
		status = model.ImageStatusInspected
		marketplace := true
		params.IsMarketplace = &marketplace
	}
	params.Status = &status
	s.logger.WarnContext(ctx, "could not attach volume",
		"ami_id", msg.AMIID, "volume_id", msg.VolumeID, "status", status, "error", attachErr)

	if _, err := images.Update(ctx, msg.AMIID, params); err != nil {
		s.logger.ErrorContext(ctx, "update image after attach failure", "ami_id", msg.AMIID, "error", err)
	}
	if err := s.inspection.DeleteVolume(ctx, msg.VolumeID); err != nil {
		s.logger.ErrorContext(ctx, "delete unattached volume", "volume_id", msg.VolumeID, "error", err)
	}
}

func (s *InspectionService) houndigradeTask(command []string) model.HoundigradeTask {
	return model.HoundigradeTask{
		Cluster: s.cfg.ClusterName,
		Family:  s.cfg.FamilyName,
		Image:   s.cfg.ImageName + ":" + s.cfg.ImageTag,
		Command: command,
		Environment: map[string]string{
			"AWS_DEFAULT_REGION":    s.aws.SQSRegion,
			"AWS_ACCESS_KEY_ID":     s.aws.SQSAccessKeyID,
			"AWS_SECRET_ACCESS_KEY": s.aws.SQSSecretAccessKey,
			"RESULTS_QUEUE_NAME":    s.aws.HoundigradeResultsQueueName(),
			"EXCHANGE_NAME":         s.cfg.ExchangeName,
		},
		LogGroup:  s.aws.NamePrefix + "cloudigrade-ecs",
		LogRegion: s.aws.Region,
	}
}

// inspectionResults is the report houndigrade writes to S3.
type inspectionResults struct {
	Cloud  string                     `json:"cloud"`
	Images map[string]json.RawMessage `json:"images"`
}

func (s *InspectionService) persistInspectionClusterResults(ctx context.Context, _ *model.Job) error {
	queueURL, err := s.queues.QueueURL(ctx, s.aws.HoundigradeResultsQueueName())
	if err != nil {
		return err
	}
	messages, err := s.queues.Receive(ctx, queueURL, s.aws.MaxHoundigradeYieldCount)
	if err != nil {
		return err
	}

	var handled []model.QueueMessage
	for _, msg := range messages {
		if cloudtrail.IsTestEvent(msg.Body) {
			handled = append(handled, msg)
			continue
		}
		if err := s.persistMessage(ctx, msg); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist inspection results", "message_id", msg.MessageID, "error", err)
			continue
		}
		handled = append(handled, msg)
	}
	if len(handled) == 0 {
		return nil
	}
	return s.queues.Delete(ctx, queueURL, handled)
}

func (s *InspectionService) persistMessage(ctx context.Context, msg model.QueueMessage) error {
	objects, err := cloudtrail.ExtractS3Records(msg.Body)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		content, err := s.objects.GetObjectContent(ctx, obj.Bucket, obj.Key)
		if err != nil {
			return fmt.Errorf("read results %s/%s: %w", obj.Bucket, obj.Key, err)
		}
		var results inspectionResults
		if err := json.Unmarshal(content, &results); err != nil {
			return fmt.Errorf("decode results %s/%s: %w", obj.Bucket, obj.Key, err)
		}
		// Left on the queue so it ends up in the dead letter queue.
		if results.Cloud != model.CloudTypeAWS {
			return fmt.Errorf("results %s/%s: unsupported cloud %q", obj.Bucket, obj.Key, results.Cloud)
		}
		if err := s.persistAWSResults(ctx, results); err != nil {
			return err
		}
	}
	return nil
}

func (s *InspectionService) persistAWSResults(ctx context.Context, results inspectionResults) error {
	if results.Images == nil {
		return errors.New("inspection results have no images")
	}
	return s.store.InTx(ctx, func(tx core.Repos) error {
		status := model.ImageStatusInspected
		for amiID, details := range results.Images {
			ok, err := tx.Images.Update(ctx, amiID, core.UpdateImageParams{
				Status:         &status,
				InspectionJSON: []byte(details),
			})
			if err != nil {
				return err
			}
			if !ok {
				s.logger.WarnContext(ctx, "inspection results for unknown image", "ami_id", amiID)
				continue
			}
			s.logger.InfoContext(ctx, "saved inspection results", "ami_id", amiID)
		}
		return nil
	})
}

func (s *InspectionService) inspectPendingImages(ctx context.Context, _ *model.Job) error {
	cutoff := s.now().Add(-s.cfg.PendingMinAge)
	images, err := s.store.Repos().Images.ListRestartable(ctx, cutoff)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "restarting stale inspections", "count", len(images), "before", cutoff)
	for _, ri := range images {
		err := s.store.InTx(ctx, func(tx core.Repos) error {
			return s.StartImageInspection(ctx, tx, ri.ARN, ri.Image.EC2AMIID, ri.Region)
		})
		if err != nil {
			return fmt.Errorf("restart inspection of %s: %w", ri.Image.EC2AMIID, err)
		}
	}
	return nil
}

func (s *InspectionService) enqueue(ctx context.Context, jobs core.JobEnqueuer, name model.JobType, payload any) error {
	_, err := s.registry.Enqueue(ctx, jobs, name, payload)
	return err
}
