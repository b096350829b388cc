package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

// Placeholder ids for dry-run permission checks. AWS evaluates permissions
// before it looks the resources up.
const (
	dryRunSnapshotID = "snap-0000000000000000a"
	dryRunImageID    = "ami-0000000000000000a"
)

// dryRunCheck exercises one policy action with DryRun set.
type dryRunCheck struct {
	action string
	call   func(ctx context.Context, client EC2API) error
}

var dryRunChecks = []dryRunCheck{
	{"ec2:DescribeImages", func(ctx context.Context, c EC2API) error {
		_, err := c.DescribeImages(ctx, &ec2.DescribeImagesInput{DryRun: aws.Bool(true)})
		return err
	}},
	{"ec2:DescribeInstances", func(ctx context.Context, c EC2API) error {
		_, err := c.DescribeInstances(ctx, &ec2.DescribeInstancesInput{DryRun: aws.Bool(true)})
		return err
	}},
	{"ec2:DescribeSnapshots", func(ctx context.Context, c EC2API) error {
		_, err := c.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{DryRun: aws.Bool(true)})
		return err
	}},
	{"ec2:DescribeSnapshotAttribute", func(ctx context.Context, c EC2API) error {
		_, err := c.DescribeSnapshotAttribute(ctx, &ec2.DescribeSnapshotAttributeInput{
			DryRun:     aws.Bool(true),
			SnapshotId: aws.String(dryRunSnapshotID),
			Attribute:  ec2types.SnapshotAttributeNameCreateVolumePermission,
		})
		return err
	}},
	{"ec2:ModifySnapshotAttribute", func(ctx context.Context, c EC2API) error {
		_, err := c.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
			DryRun:        aws.Bool(true),
			SnapshotId:    aws.String(dryRunSnapshotID),
			Attribute:     ec2types.SnapshotAttributeNameCreateVolumePermission,
			OperationType: ec2types.OperationTypeAdd,
			UserIds:       []string{"000000000000"},
		})
		return err
	}},
	{"ec2:CopyImage", func(ctx context.Context, c EC2API) error {
		_, err := c.CopyImage(ctx, &ec2.CopyImageInput{
			DryRun:        aws.Bool(true),
			Name:          aws.String("cloudigrade dry run"),
			SourceImageId: aws.String(dryRunImageID),
			SourceRegion:  aws.String(DefaultRegion),
		})
		return err
	}},
	{"ec2:CreateTags", func(ctx context.Context, c EC2API) error {
		_, err := c.CreateTags(ctx, &ec2.CreateTagsInput{
			DryRun:    aws.Bool(true),
			Resources: []string{dryRunImageID},
			Tags:      []ec2types.Tag{{Key: aws.String("cloudigrade"), Value: aws.String("dry-run")}},
		})
		return err
	}},
	{"ec2:DescribeRegions", func(ctx context.Context, c EC2API) error {
		_, err := c.DescribeRegions(ctx, &ec2.DescribeRegionsInput{DryRun: aws.Bool(true)})
		return err
	}},
}

// VerifyAccess dry-runs every EC2 action of the cloudigrade policy and returns
// the actions that were denied. Unexpected errors abort the check.
func (c *Customer) VerifyAccess(ctx context.Context) ([]string, error) {
	client := c.ec2(DefaultRegion)
	var denied []string
	for _, check := range dryRunChecks {
		err := check.call(ctx, client)
		switch {
		case err == nil, HasCode(err, CodeDryRunOperation):
		case IsAccessDenied(err):
			denied = append(denied, check.action)
		default:
			return nil, fmt.Errorf("verify %s: %w", check.action, err)
		}
	}
	if len(denied) > 0 {
		c.logger.WarnContext(ctx, "account is missing permissions", "denied_actions", denied)
	}
	return denied, nil
}

// ConfigureCloudTrail creates or updates trailName to deliver write events to
// bucket and starts logging.
func (c *Customer) ConfigureCloudTrail(ctx context.Context, trailName, bucket string) error {
	client := c.factories.CloudTrail(withRegion(c.cfg, DefaultRegion))
	err := configureTrail(ctx, client, trailName, bucket)
	if err != nil && IsAccessDenied(err) {
		return apperrors.Wrapf(err, apperrors.ErrCodeForbidden,
			"Access denied to create CloudTrail for ARN %q", c.arn.String()).
			WithRef(apperrors.RefCloudTrailDenied)
	}
	return err
}

func configureTrail(ctx context.Context, client CloudTrailAPI, name, bucket string) error {
	described, err := client.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{
		TrailNameList: []string{name},
	})
	if err != nil {
		return fmt.Errorf("describe trail %s: %w", name, err)
	}

	exists := false
	for _, t := range described.TrailList {
		if aws.ToString(t.Name) == name {
			exists = true
			break
		}
	}

	if exists {
		_, err = client.UpdateTrail(ctx, &cloudtrail.UpdateTrailInput{
			Name:                       aws.String(name),
			S3BucketName:               aws.String(bucket),
			IncludeGlobalServiceEvents: aws.Bool(true),
			IsMultiRegionTrail:         aws.Bool(true),
		})
	} else {
		_, err = client.CreateTrail(ctx, &cloudtrail.CreateTrailInput{
			Name:                       aws.String(name),
			S3BucketName:               aws.String(bucket),
			IncludeGlobalServiceEvents: aws.Bool(true),
			IsMultiRegionTrail:         aws.Bool(true),
		})
	}
	if err != nil {
		return fmt.Errorf("put trail %s: %w", name, err)
	}

	_, err = client.PutEventSelectors(ctx, &cloudtrail.PutEventSelectorsInput{
		TrailName: aws.String(name),
		EventSelectors: []cttypes.EventSelector{{
			ReadWriteType:           cttypes.ReadWriteTypeWriteOnly,
			IncludeManagementEvents: aws.Bool(true),
		}},
	})
	if err != nil {
		return fmt.Errorf("put event selectors on %s: %w", name, err)
	}

	if _, err = client.StartLogging(ctx, &cloudtrail.StartLoggingInput{Name: aws.String(name)}); err != nil {
		return fmt.Errorf("start logging on %s: %w", name, err)
	}
	return nil
}
