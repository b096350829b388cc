package awsx

import (
	"context"
	"io"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func apiErr(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

// fakeEC2 embeds EC2API so unimplemented calls panic.
type fakeEC2 struct {
	EC2API

	regions   []string
	images    map[string]*ec2.DescribeImagesOutput
	imagesErr map[string]error
	snapshots *ec2.DescribeSnapshotsOutput
	dryRun    map[string]error

	modified []*ec2.ModifySnapshotAttributeInput
	tagged   []*ec2.CreateTagsInput
	copyErr  error
}

func (f *fakeEC2) DescribeRegions(_ context.Context, in *ec2.DescribeRegionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRun["ec2:DescribeRegions"]
	}
	out := &ec2.DescribeRegionsOutput{}
	for _, r := range f.regions {
		out.Regions = append(out.Regions, ec2Region(r))
	}
	return out, nil
}

func (f *fakeEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRun["ec2:DescribeImages"]
	}
	key := joinIDs(in.ImageIds)
	if err, ok := f.imagesErr[key]; ok {
		return nil, err
	}
	if out, ok := f.images[key]; ok {
		return out, nil
	}
	return &ec2.DescribeImagesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return nil, f.dryRun["ec2:DescribeInstances"]
}

func (f *fakeEC2) DescribeSnapshots(_ context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRun["ec2:DescribeSnapshots"]
	}
	if f.snapshots == nil {
		return &ec2.DescribeSnapshotsOutput{}, nil
	}
	return f.snapshots, nil
}

func (f *fakeEC2) DescribeSnapshotAttribute(_ context.Context, _ *ec2.DescribeSnapshotAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotAttributeOutput, error) {
	return nil, f.dryRun["ec2:DescribeSnapshotAttribute"]
}

func (f *fakeEC2) ModifySnapshotAttribute(_ context.Context, in *ec2.ModifySnapshotAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRun["ec2:ModifySnapshotAttribute"]
	}
	f.modified = append(f.modified, in)
	return &ec2.ModifySnapshotAttributeOutput{}, nil
}

func (f *fakeEC2) CopyImage(_ context.Context, in *ec2.CopyImageInput, _ ...func(*ec2.Options)) (*ec2.CopyImageOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRun["ec2:CopyImage"]
	}
	if f.copyErr != nil {
		return nil, f.copyErr
	}
	return &ec2.CopyImageOutput{ImageId: aws.String("ami-copy")}, nil
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRun["ec2:CreateTags"]
	}
	f.tagged = append(f.tagged, in)
	return &ec2.CreateTagsOutput{}, nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

func ec2Region(name string) ec2types.Region {
	return ec2types.Region{RegionName: aws.String(name)}
}

var messageSeq int

func sqsMessage(body string) sqstypes.Message {
	messageSeq++
	id := strconv.Itoa(messageSeq)
	return sqstypes.Message{
		MessageId:     aws.String("m-" + id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}
}

func iamPolicy(arn string) *iamtypes.Policy {
	return &iamtypes.Policy{Arn: aws.String(arn)}
}

func iamRole(document string) *iamtypes.Role {
	return &iamtypes.Role{AssumeRolePolicyDocument: aws.String(document)}
}

func attachedPolicy(arn string) iamtypes.AttachedPolicy {
	return iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)}
}

func trail(name string) cttypes.Trail {
	return cttypes.Trail{Name: aws.String(name)}
}

type fakeSQS struct {
	SQSAPI

	urls       map[string]string
	attributes map[string]map[string]string
	inbox      [][]string

	created  []string
	setAttrs []*sqs.SetQueueAttributesInput
	sent     []*sqs.SendMessageBatchInput
	received []int32
	deleted  []*sqs.DeleteMessageBatchInput
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if url, ok := f.urls[aws.ToString(in.QueueName)]; ok {
		return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
	}
	return nil, apiErr(CodeNonExistentQueue, "The specified queue does not exist.")
}

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	name := aws.ToString(in.QueueName)
	url := "https://sqs.local/123456789012/" + name
	if f.urls == nil {
		f.urls = map[string]string{}
	}
	f.urls[name] = url
	f.created = append(f.created, name)
	if f.attributes == nil {
		f.attributes = map[string]map[string]string{}
	}
	f.attributes[url] = map[string]string{"QueueArn": "arn:aws:sqs:us-east-1:123456789012:" + name}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: f.attributes[aws.ToString(in.QueueUrl)]}, nil
}

func (f *fakeSQS) SetQueueAttributes(_ context.Context, in *sqs.SetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	f.setAttrs = append(f.setAttrs, in)
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageBatchOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = append(f.received, in.MaxNumberOfMessages)
	out := &sqs.ReceiveMessageOutput{}
	if len(f.inbox) == 0 {
		return out, nil
	}
	batch := f.inbox[0]
	f.inbox = f.inbox[1:]
	for _, body := range batch {
		out.Messages = append(out.Messages, sqsMessage(body))
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessageBatch(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.deleted = append(f.deleted, in)
	return &sqs.DeleteMessageBatchOutput{}, nil
}

type fakeIAM struct {
	IAMAPI

	policyErr      error
	createdARN     string
	versions       *iam.ListPolicyVersionsOutput
	roleErr        error
	roleDocument   string
	attached       []string
	calls          []string
	deletedVersion string
}

func (f *fakeIAM) GetPolicy(_ context.Context, _ *iam.GetPolicyInput, _ ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	f.calls = append(f.calls, "GetPolicy")
	if f.policyErr != nil {
		return nil, f.policyErr
	}
	return &iam.GetPolicyOutput{}, nil
}

func (f *fakeIAM) CreatePolicy(_ context.Context, _ *iam.CreatePolicyInput, _ ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	f.calls = append(f.calls, "CreatePolicy")
	return &iam.CreatePolicyOutput{Policy: iamPolicy(f.createdARN)}, nil
}

func (f *fakeIAM) ListPolicyVersions(_ context.Context, _ *iam.ListPolicyVersionsInput, _ ...func(*iam.Options)) (*iam.ListPolicyVersionsOutput, error) {
	f.calls = append(f.calls, "ListPolicyVersions")
	if f.versions == nil {
		return &iam.ListPolicyVersionsOutput{}, nil
	}
	return f.versions, nil
}

func (f *fakeIAM) DeletePolicyVersion(_ context.Context, in *iam.DeletePolicyVersionInput, _ ...func(*iam.Options)) (*iam.DeletePolicyVersionOutput, error) {
	f.calls = append(f.calls, "DeletePolicyVersion")
	f.deletedVersion = aws.ToString(in.VersionId)
	return &iam.DeletePolicyVersionOutput{}, nil
}

func (f *fakeIAM) CreatePolicyVersion(_ context.Context, _ *iam.CreatePolicyVersionInput, _ ...func(*iam.Options)) (*iam.CreatePolicyVersionOutput, error) {
	f.calls = append(f.calls, "CreatePolicyVersion")
	return &iam.CreatePolicyVersionOutput{}, nil
}

func (f *fakeIAM) GetRole(_ context.Context, _ *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.calls = append(f.calls, "GetRole")
	if f.roleErr != nil {
		return nil, f.roleErr
	}
	return &iam.GetRoleOutput{Role: iamRole(f.roleDocument)}, nil
}

func (f *fakeIAM) CreateRole(_ context.Context, _ *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.calls = append(f.calls, "CreateRole")
	return &iam.CreateRoleOutput{}, nil
}

func (f *fakeIAM) UpdateAssumeRolePolicy(_ context.Context, _ *iam.UpdateAssumeRolePolicyInput, _ ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error) {
	f.calls = append(f.calls, "UpdateAssumeRolePolicy")
	return &iam.UpdateAssumeRolePolicyOutput{}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, _ *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	f.calls = append(f.calls, "ListAttachedRolePolicies")
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, arn := range f.attached {
		out.AttachedPolicies = append(out.AttachedPolicies, attachedPolicy(arn))
	}
	return out, nil
}

func (f *fakeIAM) AttachRolePolicy(_ context.Context, _ *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.calls = append(f.calls, "AttachRolePolicy")
	return &iam.AttachRolePolicyOutput{}, nil
}

type fakeCloudTrail struct {
	CloudTrailAPI

	existing  []string
	createErr error
	calls     []string
}

func (f *fakeCloudTrail) DescribeTrails(_ context.Context, _ *cloudtrail.DescribeTrailsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error) {
	f.calls = append(f.calls, "DescribeTrails")
	out := &cloudtrail.DescribeTrailsOutput{}
	for _, name := range f.existing {
		out.TrailList = append(out.TrailList, trail(name))
	}
	return out, nil
}

func (f *fakeCloudTrail) CreateTrail(_ context.Context, _ *cloudtrail.CreateTrailInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.CreateTrailOutput, error) {
	f.calls = append(f.calls, "CreateTrail")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &cloudtrail.CreateTrailOutput{}, nil
}

func (f *fakeCloudTrail) UpdateTrail(_ context.Context, _ *cloudtrail.UpdateTrailInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.UpdateTrailOutput, error) {
	f.calls = append(f.calls, "UpdateTrail")
	return &cloudtrail.UpdateTrailOutput{}, nil
}

func (f *fakeCloudTrail) PutEventSelectors(_ context.Context, _ *cloudtrail.PutEventSelectorsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.PutEventSelectorsOutput, error) {
	f.calls = append(f.calls, "PutEventSelectors")
	return &cloudtrail.PutEventSelectorsOutput{}, nil
}

func (f *fakeCloudTrail) StartLogging(_ context.Context, _ *cloudtrail.StartLoggingInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.StartLoggingOutput, error) {
	f.calls = append(f.calls, "StartLogging")
	return &cloudtrail.StartLoggingOutput{}, nil
}

func testCustomer(ec2Client EC2API, trail CloudTrailAPI) *Customer {
	arn, _ := ParseRoleARN("arn:aws:iam::123456789012:role/cloudigrade")
	return &Customer{
		arn: arn,
		cfg: aws.Config{Region: DefaultRegion},
		factories: ClientFactories{
			EC2:        func(aws.Config) EC2API { return ec2Client },
			CloudTrail: func(aws.Config) CloudTrailAPI { return trail },
		},
		logger: discardLogger(),
	}
}
