// Package tasks names cloudigrade's asynchronous tasks, validates their payloads
// against embedded JSON schemas and carries the periodic schedule.
package tasks

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-openapi/loads"
	"github.com/go-openapi/spec"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
	"gopkg.in/yaml.v3"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
)

//go:embed schemas/*.json schedule.yaml
var files embed.FS

// Handler executes one job of a task.
type Handler func(ctx context.Context, job *model.Job) error

// PeriodicTask is one entry of the periodic schedule.
type PeriodicTask struct {
	Task     model.JobType `yaml:"task"`
	Schedule string        `yaml:"schedule"`
	Overrun  string        `yaml:"overrun,omitempty"`
}

// OverrunPolicy returns the task's overrun policy, or nil to use the scheduler default.
func (p PeriodicTask) OverrunPolicy() (*domain.OverrunPolicy, error) {
	if p.Overrun == "" {
		return nil, nil
	}
	var policy domain.OverrunPolicy
	if err := policy.UnmarshalText([]byte(p.Overrun)); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Registry maps task names to payload schemas and handlers.
type Registry struct {
	mu       sync.RWMutex
	raw      map[model.JobType]json.RawMessage
	schemas  map[model.JobType]*spec.Schema
	handlers map[model.JobType]Handler
	periodic []PeriodicTask
}

// NewRegistry loads the embedded schemas and periodic schedule.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		raw:      make(map[model.JobType]json.RawMessage, len(model.AllJobTypes)),
		schemas:  make(map[model.JobType]*spec.Schema, len(model.AllJobTypes)),
		handlers: make(map[model.JobType]Handler, len(model.AllJobTypes)),
	}
	for _, name := range model.AllJobTypes {
		raw, err := files.ReadFile(path.Join("schemas", string(name)+".json"))
		if err != nil {
			return nil, fmt.Errorf("schema for task %s: %w", name, err)
		}
		schema := new(spec.Schema)
		if err := json.Unmarshal(raw, schema); err != nil {
			return nil, fmt.Errorf("decode schema for task %s: %w", name, err)
		}
		r.raw[name] = raw
		r.schemas[name] = schema
	}

	raw, err := files.ReadFile("schedule.yaml")
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	if err := yaml.Unmarshal(raw, &r.periodic); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return r, nil
}

// MustNewRegistry is NewRegistry for package-level initialization; the
// embedded files are fixed at build time.
func MustNewRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Register binds a handler to a task, replacing any previous one.
func (r *Registry) Register(name model.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Handler returns the handler bound to name.
func (r *Registry) Handler(name model.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Registered returns the names of tasks that have a handler, sorted.
func (r *Registry) Registered() []model.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.JobType, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Schema returns the raw JSON schema of a task's payload.
func (r *Registry) Schema(name model.JobType) (json.RawMessage, bool) {
	raw, ok := r.raw[name]
	return raw, ok
}

// Validate checks payload against the task's schema. An empty payload is
// treated as an empty object.
func (r *Registry) Validate(name model.JobType, payload []byte) error {
	schema, ok := r.schemas[name]
	if !ok {
		return apperrors.ValidationField("type", fmt.Sprintf("unknown task %q", name))
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "payload for task %s is not JSON", name)
	}
	if err := validate.AgainstSchema(schema, data, strfmt.Default); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "invalid payload for task %s", name)
	}
	return nil
}

// Decode validates job's payload and decodes it into dst.
func (r *Registry) Decode(job *model.Job, dst any) error {
	if err := r.Validate(job.Type, job.Payload); err != nil {
		return err
	}
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "decode payload for task %s", job.Type)
	}
	return nil
}

// EnqueueOption adjusts the job created by Enqueue.
type EnqueueOption func(*model.CreateJobRequest)

// WithPriority sets the job priority (0-100).
func WithPriority(p int) EnqueueOption {
	return func(req *model.CreateJobRequest) { req.Priority = p }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) EnqueueOption {
	return func(req *model.CreateJobRequest) { req.MaxRetries = n }
}

// WithDelay schedules the job d after now.
func WithDelay(now time.Time, d time.Duration) EnqueueOption {
	return func(req *model.CreateJobRequest) {
		at := now.Add(d)
		req.ScheduledAt = &at
	}
}

// WithMetadata attaches metadata to the job.
func WithMetadata(md json.RawMessage) EnqueueOption {
	return func(req *model.CreateJobRequest) { req.Metadata = md }
}

// Request builds a validated job request for task name.
func (r *Registry) Request(name model.JobType, payload any, opts ...EnqueueOption) (*model.CreateJobRequest, error) {
	if payload == nil {
		payload = Empty{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for task %s: %w", name, err)
	}
	if err := r.Validate(name, body); err != nil {
		return nil, err
	}
	req := &model.CreateJobRequest{Type: name, Payload: body}
	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

// Enqueue validates payload and hands the job to jobs. Inside a unit of work
// the job becomes visible when the transaction commits.
func (r *Registry) Enqueue(
	ctx context.Context,
	jobs core.JobEnqueuer,
	name model.JobType,
	payload any,
	opts ...EnqueueOption,
) (*model.Job, error) {
	req, err := r.Request(name, payload, opts...)
	if err != nil {
		return nil, err
	}
	return jobs.Enqueue(ctx, req)
}

// Periodic returns the periodic schedule with overrides (task name to
// schedule) applied. Every schedule is parsed before returning.
func (r *Registry) Periodic(overrides map[string]string) ([]PeriodicTask, error) {
	out := make([]PeriodicTask, 0, len(r.periodic))
	for _, p := range r.periodic {
		if s, ok := overrides[string(p.Task)]; ok {
			p.Schedule = s
		}
		if _, err := domain.ParseSchedule(p.Schedule); err != nil {
			return nil, fmt.Errorf("task %s: %w", p.Task, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ValidateSchemas checks that every payload schema is a valid Swagger 2.0
// schema object by loading them all as definitions of one document.
func (r *Registry) ValidateSchemas() error {
	defs := make(map[string]json.RawMessage, len(r.raw))
	for name, raw := range r.raw {
		defs[string(name)] = raw
	}
	doc, err := json.Marshal(map[string]any{
		"swagger":     "2.0",
		"info":        map[string]string{"title": "cloudigrade tasks", "version": "1"},
		"paths":       map[string]any{},
		"definitions": defs,
	})
	if err != nil {
		return err
	}
	analyzed, err := loads.Analyzed(doc, "2.0")
	if err != nil {
		return fmt.Errorf("load task schemas: %w", err)
	}
	if err := validate.Spec(analyzed, strfmt.Default); err != nil {
		return fmt.Errorf("task schemas: %w", err)
	}
	return nil
}

// ValidateConfig reports every problem with the task configuration: tasks
// without handlers plus everything ValidateDefinitions checks.
func (r *Registry) ValidateConfig(overrides map[string]string) error {
	var errs []error
	for _, name := range model.AllJobTypes {
		if _, ok := r.Handler(name); !ok {
			errs = append(errs, fmt.Errorf("task %s has no handler", name))
		}
	}
	if err := r.ValidateDefinitions(overrides); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateDefinitions checks schemas, the periodic table and schedule
// overrides. Handlers are not required.
func (r *Registry) ValidateDefinitions(overrides map[string]string) error {
	var errs []error
	if err := r.ValidateSchemas(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range r.periodic {
		if !p.Task.Valid() {
			errs = append(errs, fmt.Errorf("periodic task %q is not a known task", p.Task))
		}
		if _, err := p.OverrunPolicy(); err != nil {
			errs = append(errs, fmt.Errorf("periodic task %s: %w", p.Task, err))
		}
		if err := r.Validate(p.Task, nil); err != nil {
			errs = append(errs, fmt.Errorf("periodic task %s must accept an empty payload: %w", p.Task, err))
		}
	}
	for name := range overrides {
		if !model.JobType(name).Valid() {
			errs = append(errs, fmt.Errorf("schedule override for unknown task %q", name))
		}
	}
	if _, err := r.Periodic(overrides); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
