// Package model defines the core data types used throughout cloudigrade.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType is the name of the task a job executes.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	TaskConfigureCustomerAWSAndCreateCloudAccount JobType = "configure_customer_aws_and_create_cloud_account"
	TaskInitialAWSDescribeInstances               JobType = "initial_aws_describe_instances"
	TaskCopyAMISnapshot                           JobType = "copy_ami_snapshot"
	TaskCopyAMIToCustomerAccount                  JobType = "copy_ami_to_customer_account"
	TaskRemoveSnapshotOwnership                   JobType = "remove_snapshot_ownership"
	TaskCreateVolume                              JobType = "create_volume"
	TaskDeleteSnapshot                            JobType = "delete_snapshot"
	TaskEnqueueReadyVolume                        JobType = "enqueue_ready_volume"
	TaskScaleDownCluster                          JobType = "scale_down_cluster"
	TaskScaleUpInspectionCluster                  JobType = "scale_up_inspection_cluster"
	TaskRunInspectionCluster                      JobType = "run_inspection_cluster"
	TaskPersistInspectionClusterResults           JobType = "persist_inspection_cluster_results"
	TaskInspectPendingImages                      JobType = "inspect_pending_images"
	TaskAnalyzeLog                                JobType = "analyze_log"
	TaskRepopulateEC2InstanceMapping              JobType = "repopulate_ec2_instance_mapping"
	TaskVerifyAccountPermissions                  JobType = "verify_account_permissions"
	TaskVerifyAllAccountPermissions               JobType = "verify_all_account_permissions"
	TaskCalculateMaxConcurrentUsage               JobType = "calculate_max_concurrent_usage"
	TaskCreateFromSourcesKafkaMessage             JobType = "create_from_sources_kafka_message"
	TaskDeleteFromSourcesKafkaMessage             JobType = "delete_from_sources_kafka_message"
	TaskUpdateFromSourcesKafkaMessage             JobType = "update_from_sources_kafka_message"
	TaskPauseFromSourcesKafkaMessage              JobType = "pause_from_sources_kafka_message"
	TaskUnpauseFromSourcesKafkaMessage            JobType = "unpause_from_sources_kafka_message"
	TaskNotifyApplicationAvailability             JobType = "notify_application_availability"
	TaskUpdateSQSMessageCounts                    JobType = "update_sqs_message_counts"

	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
)

// AllJobTypes lists every task name in a stable order.
var AllJobTypes = []JobType{
	TaskConfigureCustomerAWSAndCreateCloudAccount,
	TaskInitialAWSDescribeInstances,
	TaskCopyAMISnapshot,
	TaskCopyAMIToCustomerAccount,
	TaskRemoveSnapshotOwnership,
	TaskCreateVolume,
	TaskDeleteSnapshot,
	TaskEnqueueReadyVolume,
	TaskScaleDownCluster,
	TaskScaleUpInspectionCluster,
	TaskRunInspectionCluster,
	TaskPersistInspectionClusterResults,
	TaskInspectPendingImages,
	TaskAnalyzeLog,
	TaskRepopulateEC2InstanceMapping,
	TaskVerifyAccountPermissions,
	TaskVerifyAllAccountPermissions,
	TaskCalculateMaxConcurrentUsage,
	TaskCreateFromSourcesKafkaMessage,
	TaskDeleteFromSourcesKafkaMessage,
	TaskUpdateFromSourcesKafkaMessage,
	TaskPauseFromSourcesKafkaMessage,
	TaskUnpauseFromSourcesKafkaMessage,
	TaskNotifyApplicationAvailability,
	TaskUpdateSQSMessageCounts,
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType names a known task.
func (t JobType) Valid() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Job represents a queued task invocation.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Metadata       json.RawMessage `json:"metadata"                   db:"metadata"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// CreateJobRequest represents a request to enqueue a task.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries  int             `json:"max_retries"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// JobStats represents statistics about jobs in different states.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobStatusResponse represents the status information for a specific job.
type JobStatusResponse struct {
	Status      JobStatus  `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// JobListOptions groups parameters for listing jobs (internal API).
type JobListOptions struct {
	Status *JobStatus
	Type   *JobType
	Limit  int
	Offset int
}
