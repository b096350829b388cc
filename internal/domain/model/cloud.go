package model

import "strings"

// Tag keys customers set on AMIs to declare their contents.
const (
	OpenShiftTag = "cloudigrade-ocp-present"
	RHELTag      = "cloudigrade-rhel-present"
)

// DescribedImage is the subset of EC2 DescribeImages output cloudigrade keeps.
type DescribedImage struct {
	ImageID    string
	Name       string
	OwnerID    string
	Platform   string
	Public     bool
	Tags       map[string]string
	SnapshotID string
	Region     string
}

// IsWindows reports whether EC2 reported a Windows platform.
func (d DescribedImage) IsWindows() bool {
	return strings.EqualFold(d.Platform, PlatformWindows)
}

// HasTag reports whether the image carries key.
func (d DescribedImage) HasTag(key string) bool {
	_, ok := d.Tags[key]
	return ok
}

// NewMachineImage converts the description into image creation input.
func (d DescribedImage) NewMachineImage() NewMachineImage {
	return NewMachineImage{
		EC2AMIID:          d.ImageID,
		Name:              d.Name,
		OwnerAWSAccountID: d.OwnerID,
		Region:            d.Region,
		Windows:           d.IsWindows(),
		OpenShift:         d.HasTag(OpenShiftTag),
		RHEL:              d.HasTag(RHELTag),
	}
}

// Snapshot is an EBS snapshot backing an AMI.
type Snapshot struct {
	SnapshotID string
	OwnerID    string
	Encrypted  bool
	State      string
}

// QueueMessage is a received SQS message.
type QueueMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
}

// ReadyVolume is the ready_volumes queue message for a volume awaiting inspection.
type ReadyVolume struct {
	AMIID    string `json:"ami_id"`
	VolumeID string `json:"volume_id"`
}

// ScalingGroup summarizes an Auto Scaling group's size.
type ScalingGroup struct {
	Name            string
	MinSize         int32
	MaxSize         int32
	DesiredCapacity int32
	InstanceIDs     []string
}

// ScaledDown reports whether the group has no capacity and no instances.
func (g ScalingGroup) ScaledDown() bool {
	return g.MinSize == 0 && g.MaxSize == 0 && g.DesiredCapacity == 0 && len(g.InstanceIDs) == 0
}

// HoundigradeTask describes the inspector container to run on the ECS cluster.
type HoundigradeTask struct {
	Cluster     string
	Family      string
	Image       string
	Command     []string
	Environment map[string]string
	LogGroup    string
	LogRegion   string
}
