package awsx

import (
	"errors"

	"github.com/aws/smithy-go"
)

// AWS error codes cloudigrade branches on.
const (
	CodeDryRunOperation        = "DryRunOperation"
	CodeUnauthorizedOperation  = "UnauthorizedOperation"
	CodeAccessDenied           = "AccessDenied"
	CodeAccessDeniedException  = "AccessDeniedException"
	CodeInvalidSnapshotMissing = "InvalidSnapshot.NotFound"
	CodeInvalidAMIIDNotFound   = "InvalidAMIID.NotFound"
	CodeInvalidAMIIDUnavail    = "InvalidAMIID.Unavailable"
	CodeInvalidRequest         = "InvalidRequest"
	CodeOptInRequired          = "OptInRequired"
	CodeIncorrectInstanceState = "IncorrectInstanceState"
	CodeNoSuchEntity           = "NoSuchEntity"
	CodeNonExistentQueue       = "AWS.SimpleQueueService.NonExistentQueue"
	CodeQueueDoesNotExist      = "QueueDoesNotExist"
	CodeTrailNotFound          = "TrailNotFoundException"
)

// ErrorCode returns the AWS API error code of err, or "" for non-API errors.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// ErrorMessage returns the AWS API error message of err, or "" for non-API errors.
func ErrorMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return ""
}

// HasCode reports whether err is an AWS API error with one of codes.
func HasCode(err error, codes ...string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// IsAccessDenied reports whether AWS refused the call for lack of permission.
func IsAccessDenied(err error) bool {
	return HasCode(err, CodeAccessDenied, CodeAccessDeniedException, CodeUnauthorizedOperation)
}
