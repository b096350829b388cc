package awsx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// describeConcurrency bounds the per-region DescribeInstances fan-out.
const describeConcurrency = 8

// Customer is a session in a customer account.
type Customer struct {
	arn       ARN
	cfg       aws.Config
	factories ClientFactories
	logger    *slog.Logger
}

// AccountID returns the customer's AWS account id.
func (c *Customer) AccountID() string {
	return c.arn.AccountID
}

func (c *Customer) ec2(region string) EC2API {
	return c.factories.EC2(withRegion(c.cfg, region))
}

// Regions lists the regions enabled for the account.
func (c *Customer) Regions(ctx context.Context) ([]string, error) {
	out, err := c.ec2("").DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe regions: %w", err)
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// DescribeInstancesEverywhere describes instances in every region concurrently.
// Terminated instances are left out.
func (c *Customer) DescribeInstancesEverywhere(ctx context.Context) (map[string][]model.DescribedInstance, error) {
	regions, err := c.Regions(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	result := make(map[string][]model.DescribedInstance, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for _, region := range regions {
		g.Go(func() error {
			found, err := c.describeInstances(gctx, region, nil)
			if err != nil {
				return fmt.Errorf("describe instances in %s: %w", region, err)
			}
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			result[region] = found
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// DescribeInstances describes the given instances in region keyed by instance id.
func (c *Customer) DescribeInstances(ctx context.Context, region string, ids []string) (map[string]model.DescribedInstance, error) {
	if len(ids) == 0 {
		return map[string]model.DescribedInstance{}, nil
	}
	found, err := c.describeInstances(ctx, region, ids)
	if err != nil {
		return nil, fmt.Errorf("describe instances in %s: %w", region, err)
	}
	out := make(map[string]model.DescribedInstance, len(found))
	for _, inst := range found {
		out[inst.InstanceID] = inst
	}
	return out, nil
}

func (c *Customer) describeInstances(ctx context.Context, region string, ids []string) ([]model.DescribedInstance, error) {
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	if len(ids) == 0 {
		input.Filters = []ec2types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{"pending", "running", "shutting-down", "stopping", "stopped"},
		}}
	}

	var out []model.DescribedInstance
	pages := ec2.NewDescribeInstancesPaginator(c.ec2(region), input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			if len(ids) > 0 && HasCode(err, "InvalidInstanceID.NotFound") {
				return out, nil
			}
			return nil, err
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				out = append(out, describedInstance(inst, region))
			}
		}
	}
	return out, nil
}

func describedInstance(inst ec2types.Instance, region string) model.DescribedInstance {
	d := model.DescribedInstance{
		InstanceID:   aws.ToString(inst.InstanceId),
		ImageID:      aws.ToString(inst.ImageId),
		InstanceType: string(inst.InstanceType),
		SubnetID:     aws.ToString(inst.SubnetId),
		Platform:     string(inst.Platform),
		Region:       region,
	}
	if inst.State != nil {
		d.Running = inst.State.Name == ec2types.InstanceStateNameRunning
	}
	return d
}

// DescribeImages describes the given AMIs in region. Missing AMIs are skipped.
func (c *Customer) DescribeImages(ctx context.Context, region string, ids []string) ([]model.DescribedImage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out, err := c.ec2(region).DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: ids})
	if err != nil {
		if HasCode(err, CodeInvalidAMIIDNotFound, CodeInvalidAMIIDUnavail) && len(ids) > 1 {
			return c.describeImagesOneByOne(ctx, region, ids)
		}
		if HasCode(err, CodeInvalidAMIIDNotFound, CodeInvalidAMIIDUnavail) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe images in %s: %w", region, err)
	}
	images := make([]model.DescribedImage, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, describedImage(img, region))
	}
	return images, nil
}

// describeImagesOneByOne works around DescribeImages failing the whole call
// when a single id is unknown.
func (c *Customer) describeImagesOneByOne(ctx context.Context, region string, ids []string) ([]model.DescribedImage, error) {
	var images []model.DescribedImage
	for _, id := range ids {
		found, err := c.DescribeImages(ctx, region, []string{id})
		if err != nil {
			return nil, err
		}
		images = append(images, found...)
	}
	return images, nil
}

func describedImage(img ec2types.Image, region string) model.DescribedImage {
	d := model.DescribedImage{
		ImageID:  aws.ToString(img.ImageId),
		Name:     aws.ToString(img.Name),
		OwnerID:  aws.ToString(img.OwnerId),
		Platform: string(img.Platform),
		Public:   aws.ToBool(img.Public),
		Tags:     make(map[string]string, len(img.Tags)),
		Region:   region,
	}
	for _, t := range img.Tags {
		d.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	d.SnapshotID = rootSnapshotID(img)
	return d
}

// rootSnapshotID returns the snapshot behind the root device, falling back to
// the first EBS mapping with a snapshot.
func rootSnapshotID(img ec2types.Image) string {
	root := aws.ToString(img.RootDeviceName)
	fallback := ""
	for _, m := range img.BlockDeviceMappings {
		if m.Ebs == nil || m.Ebs.SnapshotId == nil {
			continue
		}
		if aws.ToString(m.DeviceName) == root {
			return aws.ToString(m.Ebs.SnapshotId)
		}
		if fallback == "" {
			fallback = aws.ToString(m.Ebs.SnapshotId)
		}
	}
	return fallback
}

// GetImage returns the AMI or nil when it cannot be found.
func (c *Customer) GetImage(ctx context.Context, region, amiID string) (*model.DescribedImage, error) {
	images, err := c.DescribeImages(ctx, region, []string{amiID})
	if err != nil {
		return nil, err
	}
	for i := range images {
		if images[i].ImageID == amiID {
			return &images[i], nil
		}
	}
	return nil, nil
}

// GetSnapshot describes a snapshot. AWS errors such as InvalidSnapshot.NotFound
// are returned as-is so callers can branch on the code.
func (c *Customer) GetSnapshot(ctx context.Context, region, snapshotID string) (*model.Snapshot, error) {
	out, err := c.ec2(region).DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}})
	if err != nil {
		return nil, err
	}
	if len(out.Snapshots) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, core.ErrSnapshotNotFound)
	}
	return snapshotModel(out.Snapshots[0]), nil
}

func snapshotModel(s ec2types.Snapshot) *model.Snapshot {
	return &model.Snapshot{
		SnapshotID: aws.ToString(s.SnapshotId),
		OwnerID:    aws.ToString(s.OwnerId),
		Encrypted:  aws.ToBool(s.Encrypted),
		State:      string(s.State),
	}
}

// ShareSnapshot adds or removes accountID's createVolumePermission.
func (c *Customer) ShareSnapshot(ctx context.Context, region, snapshotID, accountID string, share bool) error {
	perm := []ec2types.CreateVolumePermission{{UserId: aws.String(accountID)}}
	mods := &ec2types.CreateVolumePermissionModifications{}
	op := ec2types.OperationTypeRemove
	if share {
		mods.Add = perm
		op = ec2types.OperationTypeAdd
	} else {
		mods.Remove = perm
	}
	_, err := c.ec2(region).ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
		SnapshotId:             aws.String(snapshotID),
		Attribute:              ec2types.SnapshotAttributeNameCreateVolumePermission,
		CreateVolumePermission: mods,
		OperationType:          op,
	})
	if err != nil {
		return fmt.Errorf("modify snapshot %s attribute (%s): %w", snapshotID, op, err)
	}
	c.logger.InfoContext(ctx, "modified snapshot permission",
		"snapshot_id", snapshotID, "operation", string(op), "user_id", accountID)
	return nil
}

// CopyImage copies amiID into the customer's account in the same region.
func (c *Customer) CopyImage(ctx context.Context, region, amiID string) (string, error) {
	out, err := c.ec2(region).CopyImage(ctx, &ec2.CopyImageInput{
		Name:          aws.String(fmt.Sprintf("cloudigrade reference copy (%s)", amiID)),
		SourceImageId: aws.String(amiID),
		SourceRegion:  aws.String(region),
	})
	if err != nil {
		return "", err
	}
	newID := aws.ToString(out.ImageId)
	_, err = c.ec2(region).CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{newID},
		Tags: []ec2types.Tag{{
			Key:   aws.String("cloudigrade-reference-ami-id"),
			Value: aws.String(amiID),
		}},
	})
	if err != nil {
		c.logger.WarnContext(ctx, "tag copied image failed", "ami_id", newID, "error", err)
	}
	return newID, nil
}
