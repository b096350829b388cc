package model

import (
	"fmt"
	"time"
)

// CloudTypeAWS is the only supported cloud type.
const CloudTypeAWS = "aws"

// User is a platform customer identified by account number and org id.
type User struct {
	ID            int64     `json:"id"             db:"id"`
	AccountNumber string    `json:"account_number" db:"account_number"`
	OrgID         *string   `json:"org_id"         db:"org_id"`
	IsOrgAdmin    bool      `json:"is_org_admin"   db:"is_org_admin"`
	DateJoined    time.Time `json:"date_joined"    db:"date_joined"`
}

// CloudAccount is a customer cloud account registered with cloudigrade.
type CloudAccount struct {
	ID                       int64      `json:"account_id"                 db:"id"`
	UserID                   int64      `json:"user_id"                    db:"user_id"`
	Name                     string     `json:"name"                       db:"name"`
	CloudType                string     `json:"cloud_type"                 db:"cloud_type"`
	IsEnabled                bool       `json:"is_enabled"                 db:"is_enabled"`
	IsPaused                 bool       `json:"is_paused"                  db:"is_paused"`
	EnabledAt                *time.Time `json:"enabled_at,omitempty"       db:"enabled_at"`
	PlatformAuthenticationID *int64     `json:"platform_authentication_id" db:"platform_authentication_id"`
	PlatformApplicationID    *int64     `json:"platform_application_id"    db:"platform_application_id"`
	PlatformSourceID         *int64     `json:"platform_source_id"         db:"platform_source_id"`
	CreatedAt                time.Time  `json:"created_at"                 db:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"                 db:"updated_at"`

	AWS *AwsCloudAccount `json:"content_object,omitempty"`
}

// AwsCloudAccount holds the AWS-specific half of a CloudAccount.
type AwsCloudAccount struct {
	ID           int64     `json:"id"             db:"id"`
	AWSAccountID string    `json:"aws_account_id" db:"aws_account_id"`
	AccountARN   string    `json:"account_arn"    db:"account_arn"`
	CreatedAt    time.Time `json:"created_at"     db:"created_at"`
}

// ARN returns the role ARN of an AWS account, or "" for other clouds.
func (a *CloudAccount) ARN() string {
	if a == nil || a.AWS == nil {
		return ""
	}
	return a.AWS.AccountARN
}

// StandardCloudAccountName builds the default display name for an account.
func StandardCloudAccountName(cloudType, externalID string) string {
	return fmt.Sprintf("%s-account-%s", cloudType, externalID)
}

// CreateAWSCloudAccountRequest carries the inputs for registering an AWS account.
type CreateAWSCloudAccountRequest struct {
	UserID                   int64  `json:"user_id"`
	ARN                      string `json:"account_arn"`
	Name                     string `json:"name,omitempty"`
	PlatformAuthenticationID *int64 `json:"platform_authentication_id,omitempty"`
	PlatformApplicationID    *int64 `json:"platform_application_id,omitempty"`
	PlatformSourceID         *int64 `json:"platform_source_id,omitempty"`
}

// CloudAccountListOptions filters account listings.
type CloudAccountListOptions struct {
	UserID    *int64
	AccountID *int64
	Enabled   *bool
	Limit     int
	Offset    int
}

// CreateUserRequest identifies a user from an identity header.
type CreateUserRequest struct {
	AccountNumber string
	OrgID         *string
	IsOrgAdmin    bool
}
