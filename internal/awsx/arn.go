package awsx

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// ARN is a parsed Amazon Resource Name.
type ARN struct {
	Partition    string
	Service      string
	Region       string
	AccountID    string
	ResourceType string
	Resource     string
}

// ParseARN parses arn:<partition>:<service>:<region>:<account>:<type>/<resource>.
// The account id must be twelve digits.
func ParseARN(raw string) (ARN, error) {
	invalid := func() error {
		return apperrors.ValidationField("account_arn", fmt.Sprintf("Invalid ARN: %q", raw)).
			WithRef(apperrors.RefInvalidARN)
	}

	parts := strings.SplitN(strings.TrimSpace(raw), ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[1] == "" || parts[2] == "" {
		return ARN{}, invalid()
	}
	if !accountIDPattern.MatchString(parts[4]) {
		return ARN{}, invalid()
	}

	a := ARN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		AccountID: parts[4],
	}
	resource := parts[5]
	if i := strings.IndexAny(resource, "/:"); i >= 0 {
		a.ResourceType = resource[:i]
		a.Resource = resource[i+1:]
	} else {
		a.Resource = resource
	}
	if a.Resource == "" {
		return ARN{}, invalid()
	}
	return a, nil
}

// ParseRoleARN parses an IAM role ARN.
func ParseRoleARN(raw string) (ARN, error) {
	a, err := ParseARN(raw)
	if err != nil {
		return ARN{}, err
	}
	if a.Service != "iam" || a.ResourceType != "role" {
		return ARN{}, apperrors.ValidationField("account_arn", fmt.Sprintf("Invalid ARN: %q", raw)).
			WithRef(apperrors.RefInvalidARN)
	}
	return a, nil
}

func (a ARN) String() string {
	resource := a.Resource
	if a.ResourceType != "" {
		resource = a.ResourceType + "/" + a.Resource
	}
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", a.Partition, a.Service, a.Region, a.AccountID, resource)
}
