package tasks

import (
	"encoding/json"
	"strings"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// ConfigureAccount is the payload of configure_customer_aws_and_create_cloud_account.
type ConfigureAccount struct {
	UserID           int64  `json:"user_id"`
	CustomerARN      string `json:"customer_arn"`
	AuthenticationID int64  `json:"authentication_id"`
	ApplicationID    int64  `json:"application_id"`
	SourceID         int64  `json:"source_id"`
}

// AccountRef names a cloud account by id.
type AccountRef struct {
	AccountID int64 `json:"account_id"`
}

// CopyAMISnapshot is the payload of copy_ami_snapshot. ReferenceAMIID is set
// when AMIID is a copy made in the customer account.
type CopyAMISnapshot struct {
	ARN            string `json:"arn"`
	AMIID          string `json:"ami_id"`
	SnapshotRegion string `json:"snapshot_region"`
	ReferenceAMIID string `json:"reference_ami_id,omitempty"`
}

// CopyAMIToCustomerAccount is the payload of copy_ami_to_customer_account.
type CopyAMIToCustomerAccount struct {
	ARN            string `json:"arn"`
	ReferenceAMIID string `json:"reference_ami_id"`
	SnapshotRegion string `json:"snapshot_region"`
}

// RemoveSnapshotOwnership is the payload of remove_snapshot_ownership.
type RemoveSnapshotOwnership struct {
	ARN                    string `json:"arn"`
	CustomerSnapshotID     string `json:"customer_snapshot_id"`
	CustomerSnapshotRegion string `json:"customer_snapshot_region"`
	SnapshotCopyID         string `json:"snapshot_copy_id"`
}

// CreateVolume is the payload of create_volume.
type CreateVolume struct {
	AMIID          string `json:"ami_id"`
	SnapshotCopyID string `json:"snapshot_copy_id"`
}

// DeleteSnapshot is the payload of delete_snapshot.
type DeleteSnapshot struct {
	SnapshotCopyID string `json:"snapshot_copy_id"`
	VolumeID       string `json:"volume_id"`
	VolumeRegion   string `json:"volume_region"`
}

// EnqueueReadyVolume is the payload of enqueue_ready_volume.
type EnqueueReadyVolume struct {
	AMIID        string `json:"ami_id"`
	VolumeID     string `json:"volume_id"`
	VolumeRegion string `json:"volume_region"`
}

// RunInspectionCluster is the payload of run_inspection_cluster.
type RunInspectionCluster struct {
	Messages []model.ReadyVolume `json:"messages"`
}

// CalculateUsage is the payload of calculate_max_concurrent_usage. An empty
// payload recalculates yesterday for every user.
type CalculateUsage struct {
	Date   string `json:"date,omitempty"`
	UserID int64  `json:"user_id,omitempty"`
}

// KafkaHeader is one header of a sources Kafka message.
type KafkaHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SourcesEvent carries a sources Kafka message to the *_from_sources_kafka_message tasks.
type SourcesEvent struct {
	Value   json.RawMessage `json:"value"`
	Headers []KafkaHeader   `json:"headers"`
}

// Header returns the first header named key, ignoring case.
func (e SourcesEvent) Header(key string) (string, bool) {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// Availability statuses reported back to sources.
const (
	AvailabilityAvailable   = "available"
	AvailabilityUnavailable = "unavailable"
	AvailabilityInProgress  = "in_progress"
)

// NotifyAvailability is the payload of notify_application_availability.
type NotifyAvailability struct {
	AccountNumber string `json:"account_number,omitempty"`
	OrgID         string `json:"org_id,omitempty"`
	ApplicationID int64  `json:"application_id"`
	Status        string `json:"availability_status"`
	Error         string `json:"availability_status_error,omitempty"`
}

// Empty is the payload of tasks that take no arguments.
type Empty struct{}
