package model

import "time"

// InstanceEventType classifies an instance lifecycle event.
type InstanceEventType string

const (
	EventPowerOn         InstanceEventType = "power_on"
	EventPowerOff        InstanceEventType = "power_off"
	EventAttributeChange InstanceEventType = "attribute_change"
)

// Valid reports whether t is a known event type.
func (t InstanceEventType) Valid() bool {
	return t == EventPowerOn || t == EventPowerOff || t == EventAttributeChange
}

// Instance is an EC2 instance observed in a customer account.
type Instance struct {
	ID             int64     `json:"instance_id"      db:"id"`
	CloudAccountID int64     `json:"cloud_account_id" db:"cloud_account_id"`
	EC2InstanceID  string    `json:"ec2_instance_id"  db:"ec2_instance_id"`
	Region         string    `json:"region"           db:"region"`
	MachineImageID *int64    `json:"machine_image_id" db:"machine_image_id"`
	CreatedAt      time.Time `json:"created_at"       db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"       db:"updated_at"`
}

// InstanceEvent is a single power or attribute change for an instance.
type InstanceEvent struct {
	ID           int64             `json:"event_id"               db:"id"`
	InstanceID   int64             `json:"instance_id"            db:"instance_id"`
	EventType    InstanceEventType `json:"event_type"             db:"event_type"`
	OccurredAt   time.Time         `json:"occurred_at"            db:"occurred_at"`
	InstanceType *string           `json:"instance_type"          db:"instance_type"`
	Subnet       *string           `json:"subnet,omitempty"       db:"subnet"`
	CreatedAt    time.Time         `json:"created_at"             db:"created_at"`
}

// DescribedInstance is the subset of EC2 DescribeInstances output cloudigrade keeps.
type DescribedInstance struct {
	InstanceID   string
	ImageID      string
	InstanceType string
	SubnetID     string
	Platform     string
	Region       string
	Running      bool
}

// IsWindows reports whether EC2 reported a Windows platform.
func (d DescribedInstance) IsWindows() bool {
	return d.Platform == PlatformWindows
}

// InstanceListOptions filters instance listings.
type InstanceListOptions struct {
	UserID         *int64
	CloudAccountID *int64
	RunningSince   *time.Time
	Limit          int
	Offset         int
}

// SaveInstanceParams identifies an instance to upsert by EC2 instance id.
type SaveInstanceParams struct {
	CloudAccountID int64
	EC2InstanceID  string
	Region         string
	MachineImageID *int64
}
