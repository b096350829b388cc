package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// Repository ports. Services depend on these interfaces; internal/data provides
// the Postgres implementations.

// JobRepository defines the task queue operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ReserveNext(ctx context.Context, types []model.JobType, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context) (model.JobType, error)
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Delete(ctx context.Context, id string) error
}

// JobRepositoryTx defines transactional job creation.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines job cleanup operations.
type ReaperRepository interface {
	// FailStalePendingJobs marks up to batchSize pending jobs older than maxAge as failed.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	// DeleteOldJobs deletes up to BatchSize jobs in Status older than MaxAge.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// UserRepository stores platform users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByAccountNumber(ctx context.Context, accountNumber string) (*model.User, error)
	// GetOrCreate returns the user for req.AccountNumber, creating it when absent.
	GetOrCreate(ctx context.Context, req model.CreateUserRequest) (*model.User, bool, error)
	List(ctx context.Context) ([]*model.User, error)
}

// CreateCloudAccountParams carries the columns written when registering an AWS account.
type CreateCloudAccountParams struct {
	UserID                   int64
	Name                     string
	AWSAccountID             string
	ARN                      string
	PlatformAuthenticationID *int64
	PlatformApplicationID    *int64
	PlatformSourceID         *int64
	EnabledAt                time.Time
}

// PlatformLookup selects accounts by their sources platform ids. Nil fields are ignored.
type PlatformLookup struct {
	AuthenticationID *int64
	ApplicationID    *int64
	SourceID         *int64
}

// AccountRepository stores cloud accounts and their AWS details.
type AccountRepository interface {
	Create(ctx context.Context, params CreateCloudAccountParams) (*model.CloudAccount, error)
	GetByID(ctx context.Context, id int64) (*model.CloudAccount, error)
	GetByAWSAccountID(ctx context.Context, awsAccountID string) (*model.CloudAccount, error)
	GetByARN(ctx context.Context, arn string) (*model.CloudAccount, error)
	FindByPlatform(ctx context.Context, lookup PlatformLookup) ([]*model.CloudAccount, error)
	List(ctx context.Context, opts model.CloudAccountListOptions) ([]*model.CloudAccount, error)
	Count(ctx context.Context, opts model.CloudAccountListOptions) (int, error)
	SetEnabled(ctx context.Context, id int64, enabled bool, at time.Time) error
	SetPaused(ctx context.Context, id int64, paused bool) error
	UpdateARN(ctx context.Context, id int64, arn, awsAccountID string) error
	Delete(ctx context.Context, id int64) (bool, error)
}

// UpdateImageParams changes image state. Nil fields are left unchanged.
type UpdateImageParams struct {
	Status         *model.ImageStatus
	IsEncrypted    *bool
	IsMarketplace  *bool
	InspectionJSON []byte
}

// ImageRepository stores machine images, their copies and inspection attempts.
type ImageRepository interface {
	GetByID(ctx context.Context, id int64) (*model.MachineImage, error)
	GetByAMIID(ctx context.Context, amiID string) (*model.MachineImage, error)
	GetByAMIIDs(ctx context.Context, amiIDs []string) (map[string]*model.MachineImage, error)
	// Create inserts an image unless its AMI id exists; the bool reports insertion.
	Create(ctx context.Context, img model.NewMachineImage, status model.ImageStatus) (*model.MachineImage, bool, error)
	CreateUnavailable(ctx context.Context, amiID string) (*model.MachineImage, error)
	Update(ctx context.Context, amiID string, params UpdateImageParams) (bool, error)
	SetTagFlags(ctx context.Context, amiIDs []string, flags TagFlags) error
	AddInspectionStart(ctx context.Context, imageID int64) error
	CountInspectionStarts(ctx context.Context, imageID int64) (int, error)
	CreateCopy(ctx context.Context, copy model.MachineImageCopy) error
	// ListRestartable returns in-progress images with a regioned instance, untouched since before.
	ListRestartable(ctx context.Context, before time.Time) ([]model.RestartableImage, error)
	List(ctx context.Context, opts model.ImageListOptions) ([]*model.MachineImage, error)
}

// TagFlags selects which tag-derived flags SetTagFlags writes.
type TagFlags struct {
	RHEL      *bool
	OpenShift *bool
}

// InstanceRepository stores instances and their events.
type InstanceRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Instance, error)
	GetByEC2ID(ctx context.Context, ec2InstanceID string) (*model.Instance, error)
	// Save upserts by EC2 instance id and returns the stored row.
	Save(ctx context.Context, inst model.SaveInstanceParams) (*model.Instance, error)
	AddEvent(ctx context.Context, ev model.InstanceEvent) (*model.InstanceEvent, error)
	ListEvents(ctx context.Context, instanceID int64) ([]*model.InstanceEvent, error)
	// IsDefined reports whether the instance has an image and at least one typed event.
	IsDefined(ctx context.Context, ec2InstanceID string) (bool, error)
	List(ctx context.Context, opts model.InstanceListOptions) ([]*model.Instance, error)
	ListByAccount(ctx context.Context, cloudAccountID int64) ([]*model.Instance, error)
}

// RunRepository stores derived runs.
type RunRepository interface {
	ReplaceForInstance(ctx context.Context, instanceID int64, runs []model.Run) error
	ListForInstance(ctx context.Context, instanceID int64) ([]model.Run, error)
	// ListOverlapping returns runs of the user's instances active in [start, end).
	ListOverlapping(ctx context.Context, userID int64, start, end time.Time) ([]model.RunWithContext, error)
	CloseOpenForAccount(ctx context.Context, cloudAccountID int64, at time.Time) (int64, error)
}

// DefinitionRepository stores instance type definitions.
type DefinitionRepository interface {
	Get(ctx context.Context, instanceType string) (*model.InstanceDefinition, error)
	// InsertIfMissing never overwrites an existing definition.
	InsertIfMissing(ctx context.Context, def model.InstanceDefinition) (bool, error)
}

// UsageRepository stores daily concurrent usage.
type UsageRepository interface {
	Upsert(ctx context.Context, usage model.ConcurrentUsage) error
	List(ctx context.Context, q model.UsageQuery) ([]model.ConcurrentUsage, error)
}

// OverviewRepository computes account overview reports.
type OverviewRepository interface {
	Overviews(ctx context.Context, q model.OverviewQuery) ([]model.CloudAccountOverview, error)
}

// Repos bundles the domain repositories bound to one database handle.
type Repos struct {
	Users       UserRepository
	Accounts    AccountRepository
	Images      ImageRepository
	Instances   InstanceRepository
	Runs        RunRepository
	Definitions DefinitionRepository
	Usage       UsageRepository
	Jobs        JobEnqueuer
}

// JobEnqueuer inserts jobs; inside InTx the job becomes visible on commit.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
}

// UnitOfWork runs fn with repositories sharing a single transaction.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(Repos) error) error
}

// Store hands out repositories bound either to the pool or to one transaction.
type Store interface {
	UnitOfWork
	Repos() Repos
}
