package awsx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// Default bounds for the snapshot and volume waiters.
const (
	DefaultSnapshotWait = 10 * time.Minute
	DefaultVolumeWait   = 5 * time.Minute
)

// Inspection operates on cloudigrade's own account in the inspection region.
type Inspection struct {
	ec2         EC2API
	ecs         ECSAPI
	autoscaling AutoScalingAPI
	logger      *slog.Logger

	SnapshotWait time.Duration
	VolumeWait   time.Duration
}

// NewInspection builds an Inspection from explicit clients.
func NewInspection(ec2Client EC2API, ecsClient ECSAPI, asg AutoScalingAPI, logger *slog.Logger) *Inspection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspection{ec2: ec2Client, ecs: ecsClient, autoscaling: asg, logger: logger}
}

func (i *Inspection) snapshotWait() time.Duration {
	if i.SnapshotWait > 0 {
		return i.SnapshotWait
	}
	return DefaultSnapshotWait
}

func (i *Inspection) volumeWait() time.Duration {
	if i.VolumeWait > 0 {
		return i.VolumeWait
	}
	return DefaultVolumeWait
}

// CopySnapshot copies a shared customer snapshot into the inspection region.
func (i *Inspection) CopySnapshot(ctx context.Context, sourceRegion, snapshotID string) (string, error) {
	out, err := i.ec2.CopySnapshot(ctx, &ec2.CopySnapshotInput{
		SourceRegion:     aws.String(sourceRegion),
		SourceSnapshotId: aws.String(snapshotID),
		Description:      aws.String(fmt.Sprintf("cloudigrade copy of %s", snapshotID)),
	})
	if err != nil {
		return "", fmt.Errorf("copy snapshot %s from %s: %w", snapshotID, sourceRegion, err)
	}
	return aws.ToString(out.SnapshotId), nil
}

// WaitSnapshotCompleted blocks until the snapshot copy is completed.
func (i *Inspection) WaitSnapshotCompleted(ctx context.Context, snapshotID string) error {
	waiter := ec2.NewSnapshotCompletedWaiter(i.ec2)
	err := waiter.Wait(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}}, i.snapshotWait())
	if err != nil {
		if HasCode(err, CodeInvalidSnapshotMissing) {
			return fmt.Errorf("snapshot %s: %w", snapshotID, core.ErrSnapshotNotFound)
		}
		return fmt.Errorf("wait for snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// CreateVolume creates a volume from snapshotID in zone.
func (i *Inspection) CreateVolume(ctx context.Context, snapshotID, zone string) (string, error) {
	if err := i.WaitSnapshotCompleted(ctx, snapshotID); err != nil {
		return "", err
	}
	out, err := i.ec2.CreateVolume(ctx, &ec2.CreateVolumeInput{
		SnapshotId:       aws.String(snapshotID),
		AvailabilityZone: aws.String(zone),
	})
	if err != nil {
		return "", fmt.Errorf("create volume from %s: %w", snapshotID, err)
	}
	return aws.ToString(out.VolumeId), nil
}

// WaitVolumeAvailable blocks until the volume can be attached.
func (i *Inspection) WaitVolumeAvailable(ctx context.Context, volumeID string) error {
	waiter := ec2.NewVolumeAvailableWaiter(i.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, i.volumeWait()); err != nil {
		return fmt.Errorf("wait for volume %s: %w", volumeID, err)
	}
	return nil
}

// DeleteSnapshot deletes a snapshot copy.
func (i *Inspection) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if _, err := i.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)}); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// DeleteVolume deletes a volume.
func (i *Inspection) DeleteVolume(ctx context.Context, volumeID string) error {
	if _, err := i.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		return fmt.Errorf("delete volume %s: %w", volumeID, err)
	}
	return nil
}

// AttachVolume attaches volumeID to instanceID at device. AWS errors are
// returned unwrapped so callers can read their code and message.
func (i *Inspection) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := i.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return err
}

// SetDeleteOnTermination marks the volume at device for deletion with the instance.
func (i *Inspection) SetDeleteOnTermination(ctx context.Context, instanceID, device string) error {
	_, err := i.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		BlockDeviceMappings: []ec2types.InstanceBlockDeviceMappingSpecification{{
			DeviceName: aws.String(device),
			Ebs:        &ec2types.EbsInstanceBlockDeviceSpecification{DeleteOnTermination: aws.Bool(true)},
		}},
	})
	if err != nil {
		return fmt.Errorf("set delete on termination for %s on %s: %w", device, instanceID, err)
	}
	return nil
}

// InstanceRunning reports whether the EC2 instance is in the running state.
func (i *Inspection) InstanceRunning(ctx context.Context, instanceID string) (bool, error) {
	out, err := i.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return false, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID && inst.State != nil {
				return inst.State.Name == ec2types.InstanceStateNameRunning, nil
			}
		}
	}
	return false, nil
}

// ClusterInstanceID returns the EC2 instance backing the cluster's single
// container instance.
func (i *Inspection) ClusterInstanceID(ctx context.Context, cluster string) (string, error) {
	listed, err := i.ecs.ListContainerInstances(ctx, &ecs.ListContainerInstancesInput{Cluster: aws.String(cluster)})
	if err != nil {
		return "", fmt.Errorf("list container instances in %s: %w", cluster, err)
	}
	switch n := len(listed.ContainerInstanceArns); {
	case n == 0:
		return "", core.ErrECSInstanceNotReady
	case n > 1:
		return "", core.ErrTooManyECSInstances
	}

	described, err := i.ecs.DescribeContainerInstances(ctx, &ecs.DescribeContainerInstancesInput{
		Cluster:            aws.String(cluster),
		ContainerInstances: listed.ContainerInstanceArns[:1],
	})
	if err != nil {
		return "", fmt.Errorf("describe container instance in %s: %w", cluster, err)
	}
	if len(described.ContainerInstances) == 0 {
		return "", core.ErrECSInstanceNotReady
	}
	return aws.ToString(described.ContainerInstances[0].Ec2InstanceId), nil
}

// RunHoundigrade registers the inspector task definition and runs it.
func (i *Inspection) RunHoundigrade(ctx context.Context, task model.HoundigradeTask) (string, error) {
	registered, err := i.ecs.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(task.Family),
		ContainerDefinitions:    []ecstypes.ContainerDefinition{containerDefinition(task)},
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityEc2},
	})
	if err != nil {
		return "", fmt.Errorf("register task definition %s: %w", task.Family, err)
	}
	arn := aws.ToString(registered.TaskDefinition.TaskDefinitionArn)

	if _, err := i.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(task.Cluster),
		TaskDefinition: aws.String(arn),
	}); err != nil {
		return "", fmt.Errorf("run task %s: %w", arn, err)
	}
	i.logger.InfoContext(ctx, "started houndigrade", "cluster", task.Cluster, "task_definition", arn)
	return arn, nil
}

func containerDefinition(task model.HoundigradeTask) ecstypes.ContainerDefinition {
	names := make([]string, 0, len(task.Environment))
	for name := range task.Environment {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]ecstypes.KeyValuePair, 0, len(names))
	for _, name := range names {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(name), Value: aws.String(task.Environment[name])})
	}

	return ecstypes.ContainerDefinition{
		Name:              aws.String("Houndigrade"),
		Image:             aws.String(task.Image),
		Cpu:               0,
		MemoryReservation: aws.Int32(256),
		Essential:         aws.Bool(true),
		Command:           task.Command,
		Environment:       env,
		Privileged:        aws.Bool(true),
		LogConfiguration: &ecstypes.LogConfiguration{
			LogDriver: ecstypes.LogDriverAwslogs,
			Options: map[string]string{
				"awslogs-create-group": "true",
				"awslogs-group":        task.LogGroup,
				"awslogs-region":       task.LogRegion,
			},
		},
	}
}

// DescribeScalingGroup returns the size of an Auto Scaling group.
func (i *Inspection) DescribeScalingGroup(ctx context.Context, name string) (*model.ScalingGroup, error) {
	out, err := i.autoscaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("describe auto scaling group %s: %w", name, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, fmt.Errorf("%s: %w", name, core.ErrScalingGroupNotFound)
	}
	g := out.AutoScalingGroups[0]
	sg := &model.ScalingGroup{
		Name:            name,
		MinSize:         aws.ToInt32(g.MinSize),
		MaxSize:         aws.ToInt32(g.MaxSize),
		DesiredCapacity: aws.ToInt32(g.DesiredCapacity),
	}
	for _, inst := range g.Instances {
		sg.InstanceIDs = append(sg.InstanceIDs, aws.ToString(inst.InstanceId))
	}
	return sg, nil
}

// ScaleTo sets min, max and desired capacity of the group to size.
func (i *Inspection) ScaleTo(ctx context.Context, name string, size int32) error {
	_, err := i.autoscaling.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		MinSize:              aws.Int32(size),
		MaxSize:              aws.Int32(size),
		DesiredCapacity:      aws.Int32(size),
	})
	if err != nil {
		return fmt.Errorf("scale %s to %d: %w", name, size, err)
	}
	i.logger.InfoContext(ctx, "scaled auto scaling group", "name", name, "size", size)
	return nil
}
