package core

import (
	"context"
	"errors"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// Cloud ports. internal/awsx provides the AWS implementations.

var (
	ErrSnapshotNotFound     = errors.New("snapshot not found")
	ErrECSInstanceNotReady  = errors.New("ECS container instance is not ready")
	ErrTooManyECSInstances  = errors.New("ECS cluster has too many container instances")
	ErrScalingGroupNotFound = errors.New("auto scaling group not found")
)

// CustomerCloud is a session in a customer AWS account obtained through its role ARN.
type CustomerCloud interface {
	// AccountID is the customer AWS account id of the session.
	AccountID() string
	// DescribeInstancesEverywhere returns running and stopped instances keyed by region.
	DescribeInstancesEverywhere(ctx context.Context) (map[string][]model.DescribedInstance, error)
	DescribeInstances(ctx context.Context, region string, ids []string) (map[string]model.DescribedInstance, error)
	DescribeImages(ctx context.Context, region string, ids []string) ([]model.DescribedImage, error)
	// GetImage returns nil when the image does not exist or is not visible.
	GetImage(ctx context.Context, region, amiID string) (*model.DescribedImage, error)
	GetSnapshot(ctx context.Context, region, snapshotID string) (*model.Snapshot, error)
	// ShareSnapshot grants or revokes accountID's createVolumePermission on the snapshot.
	ShareSnapshot(ctx context.Context, region, snapshotID, accountID string, share bool) error
	// CopyImage copies amiID within region and returns the new AMI id.
	CopyImage(ctx context.Context, region, amiID string) (string, error)
	// VerifyAccess returns the policy actions the role cannot perform.
	VerifyAccess(ctx context.Context) ([]string, error)
	ConfigureCloudTrail(ctx context.Context, trailName, bucket string) error
}

// CloudSessions opens customer sessions.
type CloudSessions interface {
	Customer(ctx context.Context, arn, region string) (CustomerCloud, error)
	// OwnAccountID is cloudigrade's own AWS account id.
	OwnAccountID(ctx context.Context) (string, error)
}

// InspectionCloud operates on cloudigrade's own account in the inspection region.
type InspectionCloud interface {
	CopySnapshot(ctx context.Context, sourceRegion, snapshotID string) (string, error)
	// WaitSnapshotCompleted returns ErrSnapshotNotFound when the snapshot is gone.
	WaitSnapshotCompleted(ctx context.Context, snapshotID string) error
	CreateVolume(ctx context.Context, snapshotID, zone string) (string, error)
	WaitVolumeAvailable(ctx context.Context, volumeID string) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	DeleteVolume(ctx context.Context, volumeID string) error
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	SetDeleteOnTermination(ctx context.Context, instanceID, device string) error
	InstanceRunning(ctx context.Context, instanceID string) (bool, error)
	// ClusterInstanceID returns the EC2 id of the cluster's only container instance.
	ClusterInstanceID(ctx context.Context, cluster string) (string, error)
	RunHoundigrade(ctx context.Context, task model.HoundigradeTask) (string, error)
	DescribeScalingGroup(ctx context.Context, name string) (*model.ScalingGroup, error)
	ScaleTo(ctx context.Context, name string, size int32) error
}

// MessageQueue is an SQS-like queue addressed by URL.
type MessageQueue interface {
	// QueueURL resolves name, creating the queue and its DLQ when missing.
	QueueURL(ctx context.Context, name string) (string, error)
	Send(ctx context.Context, queueURL string, bodies []string) error
	// Receive returns up to max messages without deleting them.
	Receive(ctx context.Context, queueURL string, max int) ([]model.QueueMessage, error)
	Delete(ctx context.Context, queueURL string, messages []model.QueueMessage) error
	ApproximateCount(ctx context.Context, queueURL string) (int64, error)
	// DeadLetterURL returns "" when the queue has no redrive policy.
	DeadLetterURL(ctx context.Context, queueURL string) (string, error)
}

// ObjectStore reads stored objects.
type ObjectStore interface {
	// GetObjectContent returns the object body, gunzipped when key ends with .gz.
	GetObjectContent(ctx context.Context, bucket, key string) ([]byte, error)
}

// InstanceCatalog lists EC2 instance type capacities.
type InstanceCatalog interface {
	InstanceTypeDefinitions(ctx context.Context) (map[string]model.InstanceDefinition, error)
}
