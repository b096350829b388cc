package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/data"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

const (
	testARN          = "arn:aws:iam::123456789012:role/cloudigrade"
	testAWSAccountID = "123456789012"
	testOwnAccountID = "999999999999"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *tasks.Registry {
	t.Helper()
	r, err := tasks.NewRegistry()
	require.NoError(t, err)
	return r
}

// fakeStore is an in-memory core.Store. InTx runs fn against the same data
// and only publishes jobs enqueued inside it when fn succeeds.
type fakeStore struct {
	nextID int64

	users       map[int64]*model.User
	accounts    map[int64]*model.CloudAccount
	images      map[string]*model.MachineImage
	starts      map[int64]int
	copies      []model.MachineImageCopy
	restartable []model.RestartableImage
	instances   map[int64]*model.Instance
	events      map[int64][]*model.InstanceEvent
	runs        map[int64][]model.Run
	definitions map[string]model.InstanceDefinition
	usage       []model.ConcurrentUsage
	jobs        []*model.CreateJobRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[int64]*model.User{},
		accounts:    map[int64]*model.CloudAccount{},
		images:      map[string]*model.MachineImage{},
		starts:      map[int64]int{},
		instances:   map[int64]*model.Instance{},
		events:      map[int64][]*model.InstanceEvent{},
		runs:        map[int64][]model.Run{},
		definitions: map[string]model.InstanceDefinition{},
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) repos(jobs core.JobEnqueuer) core.Repos {
	return core.Repos{
		Users:       fakeUsers{f},
		Accounts:    fakeAccounts{f},
		Images:      fakeImages{f},
		Instances:   fakeInstances{f},
		Runs:        fakeRuns{f},
		Definitions: fakeDefinitions{f},
		Usage:       fakeUsage{f},
		Jobs:        jobs,
	}
}

func (f *fakeStore) Repos() core.Repos { return f.repos(fakeJobs{store: f}) }

func (f *fakeStore) InTx(_ context.Context, fn func(core.Repos) error) error {
	pending := &txJobs{}
	if err := fn(f.repos(pending)); err != nil {
		return err
	}
	f.jobs = append(f.jobs, pending.reqs...)
	return nil
}

// jobsOf returns the decoded payloads of enqueued jobs of type name.
func (f *fakeStore) jobsOf(name model.JobType) []json.RawMessage {
	var out []json.RawMessage
	for _, req := range f.jobs {
		if req.Type == name {
			out = append(out, req.Payload)
		}
	}
	return out
}

func (f *fakeStore) jobTypes() []model.JobType {
	out := make([]model.JobType, 0, len(f.jobs))
	for _, req := range f.jobs {
		out = append(out, req.Type)
	}
	return out
}

func (f *fakeStore) addUser(accountNumber string) *model.User {
	u := &model.User{ID: f.id(), AccountNumber: accountNumber, DateJoined: testNow}
	f.users[u.ID] = u
	return u
}

func (f *fakeStore) addAccount(userID int64, arn, awsAccountID string) *model.CloudAccount {
	id := f.id()
	a := &model.CloudAccount{
		ID:        id,
		UserID:    userID,
		Name:      model.StandardCloudAccountName(model.CloudTypeAWS, awsAccountID),
		CloudType: model.CloudTypeAWS,
		IsEnabled: true,
		CreatedAt: testNow.Add(-30 * 24 * time.Hour),
		AWS:       &model.AwsCloudAccount{ID: id, AWSAccountID: awsAccountID, AccountARN: arn},
	}
	f.accounts[id] = a
	return a
}

func (f *fakeStore) addImage(amiID string, status model.ImageStatus) *model.MachineImage {
	img := &model.MachineImage{ID: f.id(), EC2AMIID: amiID, Status: status, Platform: model.PlatformNone}
	f.images[amiID] = img
	return img
}

func (f *fakeStore) addInstance(accountID int64, ec2ID string, imageID *int64) *model.Instance {
	inst := &model.Instance{ID: f.id(), CloudAccountID: accountID, EC2InstanceID: ec2ID, Region: "us-east-1", MachineImageID: imageID}
	f.instances[inst.ID] = inst
	return inst
}

type fakeJobs struct{ store *fakeStore }

func (j fakeJobs) Enqueue(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	j.store.jobs = append(j.store.jobs, req)
	return &model.Job{ID: strconv.Itoa(len(j.store.jobs)), Type: req.Type, Payload: req.Payload}, nil
}

// txJobs buffers jobs until the fake transaction commits.
type txJobs struct {
	reqs []*model.CreateJobRequest
}

func (j *txJobs) Enqueue(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	j.reqs = append(j.reqs, req)
	return &model.Job{ID: "tx-" + strconv.Itoa(len(j.reqs)), Type: req.Type, Payload: req.Payload}, nil
}

type fakeUsers struct{ f *fakeStore }

func (r fakeUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	if u, ok := r.f.users[id]; ok {
		return u, nil
	}
	return nil, data.ErrUserNotFound
}

func (r fakeUsers) GetByAccountNumber(_ context.Context, accountNumber string) (*model.User, error) {
	for _, u := range r.f.users {
		if u.AccountNumber == accountNumber {
			return u, nil
		}
	}
	return nil, data.ErrUserNotFound
}

func (r fakeUsers) GetOrCreate(ctx context.Context, req model.CreateUserRequest) (*model.User, bool, error) {
	if u, err := r.GetByAccountNumber(ctx, req.AccountNumber); err == nil {
		return u, false, nil
	}
	u := r.f.addUser(req.AccountNumber)
	u.OrgID = req.OrgID
	u.IsOrgAdmin = req.IsOrgAdmin
	return u, true, nil
}

func (r fakeUsers) List(context.Context) ([]*model.User, error) {
	out := make([]*model.User, 0, len(r.f.users))
	for _, u := range r.f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeAccounts struct{ f *fakeStore }

func (r fakeAccounts) Create(_ context.Context, p core.CreateCloudAccountParams) (*model.CloudAccount, error) {
	a := r.f.addAccount(p.UserID, p.ARN, p.AWSAccountID)
	a.Name = p.Name
	a.CreatedAt = testNow
	enabledAt := p.EnabledAt
	a.EnabledAt = &enabledAt
	a.PlatformAuthenticationID = p.PlatformAuthenticationID
	a.PlatformApplicationID = p.PlatformApplicationID
	a.PlatformSourceID = p.PlatformSourceID
	return a, nil
}

func (r fakeAccounts) GetByID(_ context.Context, id int64) (*model.CloudAccount, error) {
	if a, ok := r.f.accounts[id]; ok {
		return a, nil
	}
	return nil, data.ErrAccountNotFound
}

func (r fakeAccounts) GetByAWSAccountID(_ context.Context, awsAccountID string) (*model.CloudAccount, error) {
	for _, a := range r.f.accounts {
		if a.AWS != nil && a.AWS.AWSAccountID == awsAccountID {
			return a, nil
		}
	}
	return nil, data.ErrAccountNotFound
}

func (r fakeAccounts) GetByARN(_ context.Context, arn string) (*model.CloudAccount, error) {
	for _, a := range r.f.accounts {
		if a.ARN() == arn {
			return a, nil
		}
	}
	return nil, data.ErrAccountNotFound
}

func (r fakeAccounts) FindByPlatform(_ context.Context, q core.PlatformLookup) ([]*model.CloudAccount, error) {
	matches := func(want, got *int64) bool { return want == nil || (got != nil && *got == *want) }
	var out []*model.CloudAccount
	for _, a := range r.f.accounts {
		if matches(q.AuthenticationID, a.PlatformAuthenticationID) &&
			matches(q.ApplicationID, a.PlatformApplicationID) &&
			matches(q.SourceID, a.PlatformSourceID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r fakeAccounts) List(_ context.Context, opts model.CloudAccountListOptions) ([]*model.CloudAccount, error) {
	var out []*model.CloudAccount
	for _, a := range r.f.accounts {
		if opts.Enabled != nil && a.IsEnabled != *opts.Enabled {
			continue
		}
		if opts.UserID != nil && a.UserID != *opts.UserID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, opts.Limit, opts.Offset), nil
}

func (r fakeAccounts) Count(ctx context.Context, opts model.CloudAccountListOptions) (int, error) {
	list, err := r.List(ctx, opts)
	return len(list), err
}

func (r fakeAccounts) SetEnabled(_ context.Context, id int64, enabled bool, at time.Time) error {
	a, ok := r.f.accounts[id]
	if !ok {
		return data.ErrAccountNotFound
	}
	a.IsEnabled = enabled
	if enabled {
		a.EnabledAt = &at
	}
	return nil
}

func (r fakeAccounts) SetPaused(_ context.Context, id int64, paused bool) error {
	a, ok := r.f.accounts[id]
	if !ok {
		return data.ErrAccountNotFound
	}
	a.IsPaused = paused
	return nil
}

func (r fakeAccounts) UpdateARN(_ context.Context, id int64, arn, awsAccountID string) error {
	a, ok := r.f.accounts[id]
	if !ok {
		return data.ErrAccountNotFound
	}
	a.AWS.AccountARN = arn
	a.AWS.AWSAccountID = awsAccountID
	return nil
}

func (r fakeAccounts) Delete(_ context.Context, id int64) (bool, error) {
	if _, ok := r.f.accounts[id]; !ok {
		return false, nil
	}
	delete(r.f.accounts, id)
	for instID, inst := range r.f.instances {
		if inst.CloudAccountID == id {
			delete(r.f.instances, instID)
			delete(r.f.events, instID)
			delete(r.f.runs, instID)
		}
	}
	return true, nil
}

type fakeImages struct{ f *fakeStore }

func (r fakeImages) GetByID(_ context.Context, id int64) (*model.MachineImage, error) {
	for _, img := range r.f.images {
		if img.ID == id {
			return img, nil
		}
	}
	return nil, data.ErrImageNotFound
}

func (r fakeImages) GetByAMIID(_ context.Context, amiID string) (*model.MachineImage, error) {
	if img, ok := r.f.images[amiID]; ok {
		return img, nil
	}
	return nil, data.ErrImageNotFound
}

func (r fakeImages) GetByAMIIDs(_ context.Context, amiIDs []string) (map[string]*model.MachineImage, error) {
	out := map[string]*model.MachineImage{}
	for _, id := range amiIDs {
		if img, ok := r.f.images[id]; ok {
			out[id] = img
		}
	}
	return out, nil
}

func (r fakeImages) Create(_ context.Context, n model.NewMachineImage, status model.ImageStatus) (*model.MachineImage, bool, error) {
	if img, ok := r.f.images[n.EC2AMIID]; ok {
		return img, false, nil
	}
	img := r.f.addImage(n.EC2AMIID, status)
	if n.Windows {
		img.Platform = model.PlatformWindows
	}
	name, owner, region := n.Name, n.OwnerAWSAccountID, n.Region
	img.Name, img.OwnerAWSAccountID, img.Region = &name, &owner, &region
	img.RHELDetectedByTag = n.RHEL
	img.OpenShiftDetected = n.OpenShift
	img.IsCloudAccess = n.IsCloudAccess()
	img.IsMarketplace = n.IsMarketplace()
	return img, true, nil
}

func (r fakeImages) CreateUnavailable(_ context.Context, amiID string) (*model.MachineImage, error) {
	if img, ok := r.f.images[amiID]; ok {
		return img, nil
	}
	return r.f.addImage(amiID, model.ImageStatusUnavailable), nil
}

func (r fakeImages) Update(_ context.Context, amiID string, p core.UpdateImageParams) (bool, error) {
	img, ok := r.f.images[amiID]
	if !ok {
		return false, nil
	}
	if p.Status != nil {
		img.Status = *p.Status
	}
	if p.IsEncrypted != nil {
		img.IsEncrypted = *p.IsEncrypted
	}
	if p.IsMarketplace != nil {
		img.IsMarketplace = *p.IsMarketplace
	}
	if p.InspectionJSON != nil {
		img.InspectionJSON = p.InspectionJSON
	}
	return true, nil
}

func (r fakeImages) SetTagFlags(_ context.Context, amiIDs []string, flags core.TagFlags) error {
	for _, id := range amiIDs {
		img, ok := r.f.images[id]
		if !ok {
			continue
		}
		if flags.RHEL != nil {
			img.RHELDetectedByTag = *flags.RHEL
		}
		if flags.OpenShift != nil {
			img.OpenShiftDetected = *flags.OpenShift
		}
	}
	return nil
}

func (r fakeImages) AddInspectionStart(_ context.Context, imageID int64) error {
	r.f.starts[imageID]++
	return nil
}

func (r fakeImages) CountInspectionStarts(_ context.Context, imageID int64) (int, error) {
	return r.f.starts[imageID], nil
}

func (r fakeImages) CreateCopy(_ context.Context, c model.MachineImageCopy) error {
	r.f.copies = append(r.f.copies, c)
	return nil
}

func (r fakeImages) ListRestartable(context.Context, time.Time) ([]model.RestartableImage, error) {
	return r.f.restartable, nil
}

func (r fakeImages) List(_ context.Context, opts model.ImageListOptions) ([]*model.MachineImage, error) {
	out := make([]*model.MachineImage, 0, len(r.f.images))
	for _, img := range r.f.images {
		if opts.ImageID != nil && img.ID != *opts.ImageID {
			continue
		}
		if opts.UserID != nil && !r.usedBy(img.ID, *opts.UserID) {
			continue
		}
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, opts.Limit, opts.Offset), nil
}

func (r fakeImages) usedBy(imageID, userID int64) bool {
	for _, inst := range r.f.instances {
		a, ok := r.f.accounts[inst.CloudAccountID]
		if ok && a.UserID == userID && inst.MachineImageID != nil && *inst.MachineImageID == imageID {
			return true
		}
	}
	return false
}

// window applies limit and offset; a zero limit keeps everything.
func window[T any](items []T, limit, offset int) []T {
	offset = min(max(offset, 0), len(items))
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

type fakeInstances struct{ f *fakeStore }

func (r fakeInstances) GetByID(_ context.Context, id int64) (*model.Instance, error) {
	if inst, ok := r.f.instances[id]; ok {
		return inst, nil
	}
	return nil, data.ErrInstanceNotFound
}

func (r fakeInstances) GetByEC2ID(_ context.Context, ec2ID string) (*model.Instance, error) {
	for _, inst := range r.f.instances {
		if inst.EC2InstanceID == ec2ID {
			return inst, nil
		}
	}
	return nil, data.ErrInstanceNotFound
}

func (r fakeInstances) Save(ctx context.Context, p model.SaveInstanceParams) (*model.Instance, error) {
	if inst, err := r.GetByEC2ID(ctx, p.EC2InstanceID); err == nil {
		inst.CloudAccountID = p.CloudAccountID
		inst.Region = p.Region
		if p.MachineImageID != nil {
			inst.MachineImageID = p.MachineImageID
		}
		return inst, nil
	}
	inst := r.f.addInstance(p.CloudAccountID, p.EC2InstanceID, p.MachineImageID)
	inst.Region = p.Region
	return inst, nil
}

func (r fakeInstances) AddEvent(_ context.Context, ev model.InstanceEvent) (*model.InstanceEvent, error) {
	ev.ID = r.f.id()
	r.f.events[ev.InstanceID] = append(r.f.events[ev.InstanceID], &ev)
	return &ev, nil
}

func (r fakeInstances) ListEvents(_ context.Context, instanceID int64) ([]*model.InstanceEvent, error) {
	return r.f.events[instanceID], nil
}

func (r fakeInstances) IsDefined(ctx context.Context, ec2ID string) (bool, error) {
	inst, err := r.GetByEC2ID(ctx, ec2ID)
	if err != nil || inst.MachineImageID == nil {
		return false, nil
	}
	for _, ev := range r.f.events[inst.ID] {
		if ev.InstanceType != nil {
			return true, nil
		}
	}
	return false, nil
}

func (r fakeInstances) List(_ context.Context, opts model.InstanceListOptions) ([]*model.Instance, error) {
	out := make([]*model.Instance, 0, len(r.f.instances))
	for _, inst := range r.f.instances {
		if opts.CloudAccountID != nil && inst.CloudAccountID != *opts.CloudAccountID {
			continue
		}
		if opts.UserID != nil {
			if a, ok := r.f.accounts[inst.CloudAccountID]; !ok || a.UserID != *opts.UserID {
				continue
			}
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, opts.Limit, opts.Offset), nil
}

func (r fakeInstances) ListByAccount(ctx context.Context, accountID int64) ([]*model.Instance, error) {
	all, _ := r.List(ctx, model.InstanceListOptions{})
	var out []*model.Instance
	for _, inst := range all {
		if inst.CloudAccountID == accountID {
			out = append(out, inst)
		}
	}
	return out, nil
}

type fakeRuns struct{ f *fakeStore }

func (r fakeRuns) ReplaceForInstance(_ context.Context, instanceID int64, runs []model.Run) error {
	stored := make([]model.Run, len(runs))
	for i, run := range runs {
		run.ID = r.f.id()
		stored[i] = run
	}
	r.f.runs[instanceID] = stored
	return nil
}

func (r fakeRuns) ListForInstance(_ context.Context, instanceID int64) ([]model.Run, error) {
	return r.f.runs[instanceID], nil
}

func (r fakeRuns) ListOverlapping(_ context.Context, userID int64, start, end time.Time) ([]model.RunWithContext, error) {
	var out []model.RunWithContext
	for instID, runs := range r.f.runs {
		inst := r.f.instances[instID]
		account := r.f.accounts[inst.CloudAccountID]
		if account == nil || account.UserID != userID {
			continue
		}
		for _, run := range runs {
			if !run.Overlaps(start, end) {
				continue
			}
			rc := model.RunWithContext{Run: run, CloudAccountID: account.ID}
			for _, img := range r.f.images {
				if run.MachineImageID != nil && img.ID == *run.MachineImageID {
					rc.RHEL = img.RHEL()
					rc.OpenShift = img.OpenShift()
				}
			}
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r fakeRuns) CloseOpenForAccount(_ context.Context, accountID int64, at time.Time) (int64, error) {
	var closed int64
	for instID, runs := range r.f.runs {
		if inst := r.f.instances[instID]; inst == nil || inst.CloudAccountID != accountID {
			continue
		}
		for i := range runs {
			if runs[i].EndTime == nil {
				end := at
				runs[i].EndTime = &end
				closed++
			}
		}
	}
	return closed, nil
}

type fakeDefinitions struct{ f *fakeStore }

func (r fakeDefinitions) Get(_ context.Context, instanceType string) (*model.InstanceDefinition, error) {
	if def, ok := r.f.definitions[instanceType]; ok {
		return &def, nil
	}
	return nil, data.ErrDefinitionNotFound
}

func (r fakeDefinitions) InsertIfMissing(_ context.Context, def model.InstanceDefinition) (bool, error) {
	if _, ok := r.f.definitions[def.InstanceType]; ok {
		return false, nil
	}
	r.f.definitions[def.InstanceType] = def
	return true, nil
}

type fakeUsage struct{ f *fakeStore }

func (r fakeUsage) Upsert(_ context.Context, u model.ConcurrentUsage) error {
	for i, existing := range r.f.usage {
		sameAccount := (existing.CloudAccountID == nil && u.CloudAccountID == nil) ||
			(existing.CloudAccountID != nil && u.CloudAccountID != nil && *existing.CloudAccountID == *u.CloudAccountID)
		if existing.UserID == u.UserID && existing.Date.Equal(u.Date) && sameAccount {
			r.f.usage[i] = u
			return nil
		}
	}
	r.f.usage = append(r.f.usage, u)
	return nil
}

func (r fakeUsage) List(_ context.Context, q model.UsageQuery) ([]model.ConcurrentUsage, error) {
	if q.Start.IsZero() && q.End.IsZero() {
		return r.f.usage, nil
	}
	var out []model.ConcurrentUsage
	for _, u := range r.f.usage {
		sameAccount := (q.CloudAccountID == nil && u.CloudAccountID == nil) ||
			(q.CloudAccountID != nil && u.CloudAccountID != nil && *q.CloudAccountID == *u.CloudAccountID)
		if u.UserID == q.UserID && sameAccount && !u.Date.Before(q.Start) && u.Date.Before(q.End) {
			out = append(out, u)
		}
	}
	return out, nil
}

// fakeCloud is a customer AWS account.
type fakeCloud struct {
	accountID    string
	denied       []string
	verifyErr    error
	trailErr     error
	trails       []string
	everywhere   map[string][]model.DescribedInstance
	instances    map[string]model.DescribedInstance
	images       map[string]model.DescribedImage
	snapshots    map[string]*model.Snapshot
	snapshotErr  error
	shared       map[string]bool
	copyImageID  string
	copyImageErr error
	described    [][]string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		accountID: testAWSAccountID,
		instances: map[string]model.DescribedInstance{},
		images:    map[string]model.DescribedImage{},
		snapshots: map[string]*model.Snapshot{},
		shared:    map[string]bool{},
	}
}

func (c *fakeCloud) AccountID() string { return c.accountID }

func (c *fakeCloud) DescribeInstancesEverywhere(context.Context) (map[string][]model.DescribedInstance, error) {
	return c.everywhere, nil
}

func (c *fakeCloud) DescribeInstances(_ context.Context, _ string, ids []string) (map[string]model.DescribedInstance, error) {
	c.described = append(c.described, ids)
	out := map[string]model.DescribedInstance{}
	for _, id := range ids {
		if inst, ok := c.instances[id]; ok {
			out[id] = inst
		}
	}
	return out, nil
}

func (c *fakeCloud) DescribeImages(_ context.Context, _ string, ids []string) ([]model.DescribedImage, error) {
	var out []model.DescribedImage
	for _, id := range ids {
		if img, ok := c.images[id]; ok {
			out = append(out, img)
		}
	}
	return out, nil
}

func (c *fakeCloud) GetImage(_ context.Context, _, amiID string) (*model.DescribedImage, error) {
	img, ok := c.images[amiID]
	if !ok {
		return nil, nil
	}
	return &img, nil
}

func (c *fakeCloud) GetSnapshot(_ context.Context, _, snapshotID string) (*model.Snapshot, error) {
	if c.snapshotErr != nil {
		return nil, c.snapshotErr
	}
	snap, ok := c.snapshots[snapshotID]
	if !ok {
		return nil, errors.New("snapshot not configured")
	}
	return snap, nil
}

func (c *fakeCloud) ShareSnapshot(_ context.Context, _, snapshotID, accountID string, share bool) error {
	c.shared[snapshotID+"/"+accountID] = share
	return nil
}

func (c *fakeCloud) CopyImage(context.Context, string, string) (string, error) {
	return c.copyImageID, c.copyImageErr
}

func (c *fakeCloud) VerifyAccess(context.Context) ([]string, error) {
	return c.denied, c.verifyErr
}

func (c *fakeCloud) ConfigureCloudTrail(_ context.Context, trailName, _ string) error {
	if c.trailErr != nil {
		return c.trailErr
	}
	c.trails = append(c.trails, trailName)
	return nil
}

type fakeSessions struct {
	cloud *fakeCloud
	arns  []string
}

func (s *fakeSessions) Customer(_ context.Context, arn, _ string) (core.CustomerCloud, error) {
	s.arns = append(s.arns, arn)
	return s.cloud, nil
}

func (s *fakeSessions) OwnAccountID(context.Context) (string, error) { return testOwnAccountID, nil }

// fakeInspection is cloudigrade's own account.
type fakeInspection struct {
	copyID       string
	volumeID     string
	attachErr    map[string]error
	attached     []string
	deleted      []string
	running      bool
	group        model.ScalingGroup
	scaleErr     error
	scaledTo     []int32
	tasks        []model.HoundigradeTask
	deletedSnaps []string
}

func (c *fakeInspection) CopySnapshot(context.Context, string, string) (string, error) {
	return c.copyID, nil
}

func (c *fakeInspection) WaitSnapshotCompleted(context.Context, string) error { return nil }

func (c *fakeInspection) CreateVolume(context.Context, string, string) (string, error) {
	return c.volumeID, nil
}

func (c *fakeInspection) WaitVolumeAvailable(context.Context, string) error { return nil }

func (c *fakeInspection) DeleteSnapshot(_ context.Context, snapshotID string) error {
	c.deletedSnaps = append(c.deletedSnaps, snapshotID)
	return nil
}

func (c *fakeInspection) DeleteVolume(_ context.Context, volumeID string) error {
	c.deleted = append(c.deleted, volumeID)
	return nil
}

func (c *fakeInspection) AttachVolume(_ context.Context, volumeID, _, device string) error {
	if err := c.attachErr[volumeID]; err != nil {
		return err
	}
	c.attached = append(c.attached, volumeID+"@"+device)
	return nil
}

func (c *fakeInspection) SetDeleteOnTermination(context.Context, string, string) error { return nil }

func (c *fakeInspection) InstanceRunning(context.Context, string) (bool, error) { return c.running, nil }

func (c *fakeInspection) ClusterInstanceID(context.Context, string) (string, error) {
	return "i-0cluster", nil
}

func (c *fakeInspection) RunHoundigrade(_ context.Context, task model.HoundigradeTask) (string, error) {
	c.tasks = append(c.tasks, task)
	return "arn:aws:ecs:us-east-1:999999999999:task/houndigrade", nil
}

func (c *fakeInspection) DescribeScalingGroup(context.Context, string) (*model.ScalingGroup, error) {
	g := c.group
	return &g, nil
}

func (c *fakeInspection) ScaleTo(_ context.Context, _ string, size int32) error {
	if c.scaleErr != nil {
		return c.scaleErr
	}
	c.scaledTo = append(c.scaledTo, size)
	return nil
}

// fakeQueues holds queues by URL; QueueURL maps a name to "url/<name>".
type fakeQueues struct {
	messages map[string][]model.QueueMessage
	sent     map[string][]string
	deleted  map[string][]model.QueueMessage
	counts   map[string]int64
	dlqs     map[string]string
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{
		messages: map[string][]model.QueueMessage{},
		sent:     map[string][]string{},
		deleted:  map[string][]model.QueueMessage{},
		counts:   map[string]int64{},
		dlqs:     map[string]string{},
	}
}

func (q *fakeQueues) QueueURL(_ context.Context, name string) (string, error) { return "url/" + name, nil }

func (q *fakeQueues) Send(_ context.Context, url string, bodies []string) error {
	q.sent[url] = append(q.sent[url], bodies...)
	return nil
}

func (q *fakeQueues) Receive(_ context.Context, url string, limit int) ([]model.QueueMessage, error) {
	msgs := q.messages[url]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (q *fakeQueues) Delete(_ context.Context, url string, msgs []model.QueueMessage) error {
	q.deleted[url] = append(q.deleted[url], msgs...)
	return nil
}

func (q *fakeQueues) ApproximateCount(_ context.Context, url string) (int64, error) {
	return q.counts[url], nil
}

func (q *fakeQueues) DeadLetterURL(_ context.Context, url string) (string, error) {
	return q.dlqs[url], nil
}

type fakeObjects map[string][]byte

func (o fakeObjects) GetObjectContent(_ context.Context, bucket, key string) ([]byte, error) {
	body, ok := o[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return body, nil
}

// recordingInspector records inspections started by other services.
type recordingInspector struct {
	started []string
}

func (r *recordingInspector) StartImageInspection(_ context.Context, _ core.Repos, _, amiID, _ string) error {
	r.started = append(r.started, amiID)
	return nil
}

type fakeProducer struct {
	messages []core.Message
	err      error
}

func (p *fakeProducer) Produce(_ context.Context, msgs ...core.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

type fakeSourcesAPI struct {
	apps   map[int64]*model.SourcesApplication
	auths  map[int64]*model.SourcesAuthentication
	typeID string
	idents []identity.Identity
}

func (a *fakeSourcesAPI) GetApplication(_ context.Context, ident identity.Identity, id int64) (*model.SourcesApplication, error) {
	a.idents = append(a.idents, ident)
	return a.apps[id], nil
}

func (a *fakeSourcesAPI) GetAuthentication(_ context.Context, _ identity.Identity, id int64) (*model.SourcesAuthentication, error) {
	return a.auths[id], nil
}

func (a *fakeSourcesAPI) ApplicationTypeID(context.Context, identity.Identity, string) (string, error) {
	return a.typeID, nil
}

// runJob invokes the handler for name with payload encoded as the job payload.
func runJob(t *testing.T, handlers map[model.JobType]tasks.Handler, name model.JobType, payload any) error {
	t.Helper()
	h, ok := handlers[name]
	require.True(t, ok, "no handler for %s", name)
	if payload == nil {
		payload = tasks.Empty{}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return h(context.Background(), &model.Job{ID: "job-1", Type: name, Payload: body})
}

func decodePayload[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
