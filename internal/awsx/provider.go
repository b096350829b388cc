package awsx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/cloudigrade/cloudigrade/internal/core"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

// DefaultRegion is used when no region is configured or requested.
const DefaultRegion = "us-east-1"

// pricingRegion hosts the AWS Price List API endpoint.
const pricingRegion = "us-east-1"

// Options configures a Provider.
type Options struct {
	// Region of cloudigrade's own clients and default customer sessions.
	Region string
	// Endpoint overrides every service endpoint (local stacks).
	Endpoint string
	// SessionName is the RoleSessionName used when assuming customer roles.
	SessionName string
	Factories   ClientFactories
	Logger      *slog.Logger
}

// Provider hands out AWS clients for cloudigrade's own account and for
// customer accounts reached through their IAM roles.
type Provider struct {
	cfg         aws.Config
	factories   ClientFactories
	sessionName string
	logger      *slog.Logger

	mu           sync.Mutex
	ownAccountID string
}

// LoadProvider resolves the default credential chain (environment, shared
// config, web identity) and returns a Provider.
func LoadProvider(ctx context.Context, opts Options) (*Provider, error) {
	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithBaseEndpoint(opts.Endpoint))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewProvider(cfg, opts), nil
}

// NewProvider wraps an already resolved configuration.
func NewProvider(cfg aws.Config, opts Options) *Provider {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.SessionName
	if name == "" {
		name = "cloudigrade"
	}
	return &Provider{
		cfg:         cfg,
		factories:   opts.Factories.withDefaults(),
		sessionName: name,
		logger:      logger.With("component", "aws"),
	}
}

// Config returns cloudigrade's own configuration.
func (p *Provider) Config() aws.Config {
	return p.cfg
}

// OwnAccountID returns cloudigrade's AWS account id, cached after the first lookup.
func (p *Provider) OwnAccountID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ownAccountID != "" {
		return p.ownAccountID, nil
	}
	out, err := p.factories.STS(p.cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	p.ownAccountID = aws.ToString(out.Account)
	return p.ownAccountID, nil
}

// AssumeRole returns a configuration holding temporary credentials for arn.
func (p *Provider) AssumeRole(ctx context.Context, arn, region string) (aws.Config, error) {
	if _, err := ParseRoleARN(arn); err != nil {
		return aws.Config{}, err
	}
	out, err := p.factories.STS(p.cfg).AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(arn),
		RoleSessionName: aws.String(p.sessionName),
	})
	if err != nil {
		if IsAccessDenied(err) {
			return aws.Config{}, apperrors.Wrapf(err, apperrors.ErrCodeForbidden,
				"Permission denied for ARN %q", arn).WithRef(apperrors.RefPermissionDenied)
		}
		return aws.Config{}, fmt.Errorf("assume role %s: %w", arn, err)
	}
	if out.Credentials == nil {
		return aws.Config{}, fmt.Errorf("assume role %s: no credentials returned", arn)
	}

	if region == "" {
		region = DefaultRegion
	}
	cfg := withRegion(p.cfg, region)
	cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		aws.ToString(out.Credentials.AccessKeyId),
		aws.ToString(out.Credentials.SecretAccessKey),
		aws.ToString(out.Credentials.SessionToken),
	))
	return cfg, nil
}

// Customer opens a session in the customer account behind arn.
func (p *Provider) Customer(ctx context.Context, arn, region string) (core.CustomerCloud, error) {
	parsed, err := ParseRoleARN(arn)
	if err != nil {
		return nil, err
	}
	cfg, err := p.AssumeRole(ctx, arn, region)
	if err != nil {
		return nil, err
	}
	return &Customer{
		arn:       parsed,
		cfg:       cfg,
		factories: p.factories,
		logger:    p.logger.With("aws_account_id", parsed.AccountID),
	}, nil
}

// Inspection returns the own-account client for the inspection region.
func (p *Provider) Inspection(region string) *Inspection {
	cfg := withRegion(p.cfg, region)
	return &Inspection{
		ec2:         p.factories.EC2(cfg),
		ecs:         p.factories.ECS(cfg),
		autoscaling: p.factories.AutoScaling(cfg),
		logger:      p.logger,
	}
}

// Queues returns an SQS client in region.
func (p *Provider) Queues(region string) *Queues {
	return NewQueues(p.factories.SQS(withRegion(p.cfg, region)), p.logger)
}

// Objects returns an S3 reader.
func (p *Provider) Objects() *Objects {
	return &Objects{client: p.factories.S3(p.cfg)}
}

// Catalog returns the EC2 instance type catalog backed by the Price List API.
func (p *Provider) Catalog() *Catalog {
	return &Catalog{client: p.factories.Pricing(withRegion(p.cfg, pricingRegion)), logger: p.logger}
}

// IAM returns an IAM helper bound to cfg, typically customer credentials.
func (p *Provider) IAM(cfg aws.Config) *IAM {
	return &IAM{client: p.factories.IAM(cfg), sts: p.factories.STS(cfg)}
}

var (
	_ core.CloudSessions   = (*Provider)(nil)
	_ core.CustomerCloud   = (*Customer)(nil)
	_ core.InspectionCloud = (*Inspection)(nil)
	_ core.MessageQueue    = (*Queues)(nil)
	_ core.ObjectStore     = (*Objects)(nil)
	_ core.InstanceCatalog = (*Catalog)(nil)
)
