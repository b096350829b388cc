package awsx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// maxPolicyVersions is the IAM limit of stored versions per managed policy.
const maxPolicyVersions = 5

// PolicyActions are the permissions cloudigrade needs in a customer account.
var PolicyActions = []string{
	"ec2:DescribeImages",
	"ec2:DescribeInstances",
	"ec2:ModifySnapshotAttribute",
	"ec2:DescribeSnapshotAttribute",
	"ec2:DescribeSnapshots",
	"ec2:CopyImage",
	"ec2:CreateTags",
	"ec2:DescribeRegions",
	"cloudtrail:CreateTrail",
	"cloudtrail:UpdateTrail",
	"cloudtrail:PutEventSelectors",
	"cloudtrail:DescribeTrails",
	"cloudtrail:StartLogging",
	"cloudtrail:DeleteTrail",
}

// PolicyDocument is an IAM policy document.
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// PolicyStatement is one statement of a PolicyDocument.
type PolicyStatement struct {
	Sid       string            `json:"Sid,omitempty"`
	Effect    string            `json:"Effect"`
	Action    any               `json:"Action"`
	Resource  any               `json:"Resource,omitempty"`
	Principal map[string]string `json:"Principal,omitempty"`
}

// CloudigradePolicy returns the managed policy granting PolicyActions.
func CloudigradePolicy() PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []PolicyStatement{{
			Sid:      "CloudigradePolicy",
			Effect:   "Allow",
			Action:   PolicyActions,
			Resource: "*",
		}},
	}
}

// AssumeRolePolicy returns the trust policy letting systemAccountID assume the role.
func AssumeRolePolicy(systemAccountID string) PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []PolicyStatement{{
			Effect:    "Allow",
			Action:    "sts:AssumeRole",
			Principal: map[string]string{"AWS": fmt.Sprintf("arn:aws:iam::%s:root", systemAccountID)},
		}},
	}
}

// PolicyName is the customer managed policy name for systemAccountID.
func PolicyName(systemAccountID string) string {
	return "cloudigrade-policy-for-" + systemAccountID
}

// RoleName is the customer role name for systemAccountID.
func RoleName(systemAccountID string) string {
	return "cloudigrade-role-for-" + systemAccountID
}

// PolicyARN is the ARN of the cloudigrade policy in customerAccountID.
func PolicyARN(customerAccountID, systemAccountID string) string {
	return fmt.Sprintf("arn:aws:iam::%s:policy/%s", customerAccountID, PolicyName(systemAccountID))
}

// RoleARN is the ARN of the cloudigrade role in customerAccountID.
func RoleARN(customerAccountID, systemAccountID string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", customerAccountID, RoleName(systemAccountID))
}

// IAM sets up the cloudigrade policy and role in an account.
type IAM struct {
	client IAMAPI
	sts    STSAPI
}

// NewIAM wraps IAM and STS clients bound to the same credentials.
func NewIAM(client IAMAPI, stsClient STSAPI) *IAM {
	return &IAM{client: client, sts: stsClient}
}

// AccountID returns the account the credentials belong to.
func (m *IAM) AccountID(ctx context.Context) (string, error) {
	out, err := m.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// Setup ensures the policy and the role for systemAccountID and returns the role ARN.
func (m *IAM) Setup(ctx context.Context, systemAccountID string) (string, error) {
	accountID, err := m.AccountID(ctx)
	if err != nil {
		return "", err
	}
	policyARN, err := m.EnsurePolicy(ctx, accountID, systemAccountID)
	if err != nil {
		return "", err
	}
	return m.EnsureRole(ctx, accountID, systemAccountID, policyARN)
}

// EnsurePolicy creates the cloudigrade policy, or pushes the current document
// as its new default version.
func (m *IAM) EnsurePolicy(ctx context.Context, accountID, systemAccountID string) (string, error) {
	arn := PolicyARN(accountID, systemAccountID)
	doc, err := json.Marshal(CloudigradePolicy())
	if err != nil {
		return "", err
	}

	_, err = m.client.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(arn)})
	if HasCode(err, CodeNoSuchEntity) {
		created, err := m.client.CreatePolicy(ctx, &iam.CreatePolicyInput{
			PolicyName:     aws.String(PolicyName(systemAccountID)),
			PolicyDocument: aws.String(string(doc)),
		})
		if err != nil {
			return "", fmt.Errorf("create policy %s: %w", arn, err)
		}
		if got := aws.ToString(created.Policy.Arn); got != arn {
			return "", fmt.Errorf("created policy ARN %s does not match expected %s", got, arn)
		}
		return arn, nil
	}
	if err != nil {
		return "", fmt.Errorf("get policy %s: %w", arn, err)
	}

	if err := m.pruneVersions(ctx, arn); err != nil {
		return "", err
	}
	_, err = m.client.CreatePolicyVersion(ctx, &iam.CreatePolicyVersionInput{
		PolicyArn:      aws.String(arn),
		PolicyDocument: aws.String(string(doc)),
		SetAsDefault:   true,
	})
	if err != nil {
		return "", fmt.Errorf("create policy version of %s: %w", arn, err)
	}
	return arn, nil
}

// pruneVersions deletes the oldest non-default version when the policy is at
// the version limit.
func (m *IAM) pruneVersions(ctx context.Context, arn string) error {
	out, err := m.client.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: aws.String(arn)})
	if err != nil {
		return fmt.Errorf("list policy versions of %s: %w", arn, err)
	}
	if len(out.Versions) < maxPolicyVersions {
		return nil
	}
	var candidates []iamtypes.PolicyVersion
	for _, v := range out.Versions {
		if !v.IsDefaultVersion {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return aws.ToTime(candidates[i].CreateDate).Before(aws.ToTime(candidates[j].CreateDate))
	})
	_, err = m.client.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
		PolicyArn: aws.String(arn),
		VersionId: candidates[0].VersionId,
	})
	if err != nil {
		return fmt.Errorf("delete policy version %s of %s: %w", aws.ToString(candidates[0].VersionId), arn, err)
	}
	return nil
}

// EnsureRole creates the cloudigrade role, or refreshes its trust policy, and
// attaches policyARN when missing.
func (m *IAM) EnsureRole(ctx context.Context, accountID, systemAccountID, policyARN string) (string, error) {
	name := RoleName(systemAccountID)
	trust := AssumeRolePolicy(systemAccountID)
	doc, err := json.Marshal(trust)
	if err != nil {
		return "", err
	}

	got, err := m.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	switch {
	case HasCode(err, CodeNoSuchEntity):
		if _, err := m.client.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(name),
			AssumeRolePolicyDocument: aws.String(string(doc)),
		}); err != nil {
			return "", fmt.Errorf("create role %s: %w", name, err)
		}
	case err != nil:
		return "", fmt.Errorf("get role %s: %w", name, err)
	default:
		same, err := samePolicy(aws.ToString(got.Role.AssumeRolePolicyDocument), trust)
		if err != nil {
			return "", err
		}
		if !same {
			if _, err := m.client.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
				RoleName:       aws.String(name),
				PolicyDocument: aws.String(string(doc)),
			}); err != nil {
				return "", fmt.Errorf("update assume role policy of %s: %w", name, err)
			}
		}
	}

	attached, err := m.client.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("list attached policies of %s: %w", name, err)
	}
	for _, p := range attached.AttachedPolicies {
		if aws.ToString(p.PolicyArn) == policyARN {
			return RoleARN(accountID, systemAccountID), nil
		}
	}
	if _, err := m.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(policyARN),
	}); err != nil {
		return "", fmt.Errorf("attach %s to %s: %w", policyARN, name, err)
	}
	return RoleARN(accountID, systemAccountID), nil
}

// samePolicy compares an IAM-returned (URL-encoded) document with want.
func samePolicy(encoded string, want PolicyDocument) (bool, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return false, fmt.Errorf("decode policy document: %w", err)
	}
	var current, expected any
	if err := json.Unmarshal([]byte(decoded), &current); err != nil {
		return false, fmt.Errorf("parse policy document: %w", err)
	}
	raw, err := json.Marshal(want)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, &expected); err != nil {
		return false, err
	}
	return reflect.DeepEqual(current, expected), nil
}
