package model

import (
	"encoding/json"
	"strings"
	"time"
)

// ImageStatus is the inspection status of a machine image.
type ImageStatus string

const (
	ImageStatusPending     ImageStatus = "pending"
	ImageStatusPreparing   ImageStatus = "preparing"
	ImageStatusInspecting  ImageStatus = "inspecting"
	ImageStatusInspected   ImageStatus = "inspected"
	ImageStatusError       ImageStatus = "error"
	ImageStatusUnavailable ImageStatus = "unavailable"
)

// Valid reports whether s is a known status.
func (s ImageStatus) Valid() bool {
	switch s {
	case ImageStatusPending, ImageStatusPreparing, ImageStatusInspecting,
		ImageStatusInspected, ImageStatusError, ImageStatusUnavailable:
		return true
	}
	return false
}

// InProgress reports whether an inspection for the image is still outstanding.
func (s ImageStatus) InProgress() bool {
	return s == ImageStatusPending || s == ImageStatusPreparing || s == ImageStatusInspecting
}

// Platform values for a machine image.
const (
	PlatformNone    = "none"
	PlatformWindows = "windows"
)

// MachineImage is an AWS AMI referenced by a customer instance.
type MachineImage struct {
	ID                int64           `json:"image_id"                 db:"id"`
	EC2AMIID          string          `json:"ec2_ami_id"               db:"ec2_ami_id"`
	Status            ImageStatus     `json:"status"                   db:"status"`
	Platform          string          `json:"platform"                 db:"platform"`
	Name              *string         `json:"name"                     db:"name"`
	OwnerAWSAccountID *string         `json:"owner_aws_account_id"     db:"owner_aws_account_id"`
	Region            *string         `json:"region"                   db:"region"`
	IsEncrypted       bool            `json:"is_encrypted"             db:"is_encrypted"`
	IsMarketplace     bool            `json:"is_marketplace"           db:"is_marketplace"`
	IsCloudAccess     bool            `json:"is_cloud_access"          db:"is_cloud_access"`
	RHELDetectedByTag bool            `json:"rhel_detected_by_tag"     db:"rhel_detected_by_tag"`
	OpenShiftDetected bool            `json:"openshift_detected"       db:"openshift_detected"`
	InspectionJSON    json.RawMessage `json:"inspection_json,omitempty" db:"inspection_json"`
	CreatedAt         time.Time       `json:"created_at"               db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"               db:"updated_at"`
}

// IsWindows reports whether the image runs Windows.
func (m *MachineImage) IsWindows() bool {
	return m.Platform == PlatformWindows
}

// RHELDetected reports whether inspection found RHEL on the image.
func (m *MachineImage) RHELDetected() bool {
	if len(m.InspectionJSON) == 0 {
		return false
	}
	var result struct {
		RHELFound bool `json:"rhel_found"`
	}
	if err := json.Unmarshal(m.InspectionJSON, &result); err != nil {
		return false
	}
	return result.RHELFound
}

// RHEL reports whether the image counts as RHEL for reporting.
func (m *MachineImage) RHEL() bool {
	return m.RHELDetectedByTag || m.RHELDetected()
}

// OpenShift reports whether the image counts as OpenShift for reporting.
func (m *MachineImage) OpenShift() bool {
	return m.OpenShiftDetected
}

// NewMachineImage describes an image discovered through the EC2 API.
type NewMachineImage struct {
	EC2AMIID          string
	Name              string
	OwnerAWSAccountID string
	Region            string
	Windows           bool
	OpenShift         bool
	RHEL              bool
}

// MachineImageCopy links an AMI copied into the customer account back to its reference.
type MachineImageCopy struct {
	EC2AMIID                string `db:"ec2_ami_id"`
	ReferenceMachineImageID int64  `db:"reference_machine_image_id"`
}

// ImageListOptions filters image listings.
type ImageListOptions struct {
	UserID        *int64
	ImageID       *int64
	Statuses      []ImageStatus
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// RestartableImage is an in-progress image with enough context to restart its inspection.
type RestartableImage struct {
	Image  *MachineImage
	ARN    string
	Region string
}

// Name tokens Red Hat uses for Cloud Access and hourly marketplace images.
const (
	CloudAccessNameToken = "-Access2"
	MarketplaceNameToken = "-Hourly2"
)

// RHELOwnerAccountIDs are the AWS accounts that publish official RHEL images.
var RHELOwnerAccountIDs = map[string]bool{
	"309956199498": true,
	"841258680906": true,
	"219670896067": true,
}

// IsCloudAccess reports whether the image is a Red Hat Cloud Access image.
func (n NewMachineImage) IsCloudAccess() bool {
	return RHELOwnerAccountIDs[n.OwnerAWSAccountID] && strings.Contains(n.Name, CloudAccessNameToken)
}

// IsMarketplace reports whether the image is a Red Hat hourly marketplace image.
func (n NewMachineImage) IsMarketplace() bool {
	return RHELOwnerAccountIDs[n.OwnerAWSAccountID] && strings.Contains(n.Name, MarketplaceNameToken)
}
