package config

import (
	"strings"
	"time"
)

// AWSConfig contains the settings for cloudigrade's own AWS account.
type AWSConfig struct {
	// Region is used for cloudigrade's own clients and as the default
	// region for customer sessions.
	Region string `env:"AWS_DEFAULT_REGION" envDefault:"us-east-1"`

	// NamePrefix prefixes queue, trail and bucket names.
	NamePrefix string `env:"AWS_NAME_PREFIX" envDefault:"cloudigrade-"`

	// SQSRegion is the region of the SQS queues.
	SQSRegion string `env:"AWS_SQS_REGION" envDefault:"us-east-1"`

	// SQSAccessKeyID and SQSSecretAccessKey are handed to houndigrade so it
	// can post results; empty values fall back to the default chain.
	SQSAccessKeyID     string `env:"AWS_SQS_ACCESS_KEY_ID"`
	SQSSecretAccessKey string `env:"AWS_SQS_SECRET_ACCESS_KEY"`

	// CloudTrailEventURL is the SQS queue URL receiving S3 notifications for
	// delivered CloudTrail logs.
	CloudTrailEventURL string `env:"CLOUDTRAIL_EVENT_URL"`

	// S3BucketName receives customer CloudTrail logs.
	S3BucketName string `env:"AWS_S3_BUCKET_NAME" envDefault:"cloudigrade-trails"`

	// MaxHoundigradeYieldCount bounds how many results are read per run.
	MaxHoundigradeYieldCount int `env:"AWS_SQS_MAX_HOUNDI_YIELD_COUNT" envDefault:"10"`

	// RHELImagesAWSAccounts lists accounts whose images are trusted as RHEL.
	RHELImagesAWSAccounts []string `env:"RHEL_IMAGES_AWS_ACCOUNTS" envSeparator:","`

	// Endpoint overrides the AWS endpoint (local stacks and tests).
	Endpoint string `env:"AWS_ENDPOINT_URL"`
}

// Sanitize normalises AWS settings.
func (a *AWSConfig) Sanitize() {
	a.Region = strings.TrimSpace(a.Region)
	if a.Region == "" {
		a.Region = "us-east-1"
	}
	if a.SQSRegion == "" {
		a.SQSRegion = a.Region
	}
	if a.MaxHoundigradeYieldCount < 1 {
		a.MaxHoundigradeYieldCount = 10
	}
}

// HoundigradeResultsQueueName returns the queue houndigrade posts results to.
func (a *AWSConfig) HoundigradeResultsQueueName() string {
	return a.NamePrefix + "inspection_results"
}

// ReadyVolumesQueueName returns the queue of volumes waiting for inspection.
func (a *AWSConfig) ReadyVolumesQueueName() string {
	return a.NamePrefix + "ready_volumes"
}

// InspectionConfig contains the houndigrade inspection cluster settings.
type InspectionConfig struct {
	AvailabilityZone     string `env:"HOUNDIGRADE_AWS_AVAILABILITY_ZONE"     envDefault:"us-east-1b"`
	AutoScalingGroupName string `env:"HOUNDIGRADE_AWS_AUTOSCALING_GROUP_NAME" envDefault:"cloudigrade-ecs-asg"`
	VolumeBatchSize      int    `env:"HOUNDIGRADE_AWS_VOLUME_BATCH_SIZE"      envDefault:"32"`
	ClusterName          string `env:"HOUNDIGRADE_ECS_CLUSTER_NAME"           envDefault:"cloudigrade-ecs"`
	FamilyName           string `env:"HOUNDIGRADE_ECS_FAMILY_NAME"            envDefault:"cloudigrade-houndigrade"`
	ImageName            string `env:"HOUNDIGRADE_ECS_IMAGE_NAME"             envDefault:"cloudigrade/houndigrade"`
	ImageTag             string `env:"HOUNDIGRADE_ECS_IMAGE_TAG"              envDefault:"latest"`
	ExchangeName         string `env:"HOUNDIGRADE_EXCHANGE_NAME"              envDefault:"inspection_results"`
	Debug                bool   `env:"HOUNDIGRADE_DEBUG"                      envDefault:"false"`

	// MaxAttempts is the number of inspection starts allowed per image.
	MaxAttempts int `env:"MAX_ALLOWED_INSPECTION_ATTEMPTS" envDefault:"5"`

	// PendingMinAge is how long an in-progress image is left alone before
	// inspect_pending_images restarts it.
	PendingMinAge time.Duration `env:"INSPECT_PENDING_IMAGES_MIN_AGE" envDefault:"12h"`
}

// Sanitize applies guardrails to inspection settings.
func (c *InspectionConfig) Sanitize() {
	if c.VolumeBatchSize < 1 {
		c.VolumeBatchSize = 1
	}
	if c.PendingMinAge < time.Minute {
		c.PendingMinAge = time.Minute
	}
}

// Region returns the region of the inspection availability zone.
func (c *InspectionConfig) Region() string {
	if len(c.AvailabilityZone) < 2 {
		return c.AvailabilityZone
	}
	return c.AvailabilityZone[:len(c.AvailabilityZone)-1]
}
