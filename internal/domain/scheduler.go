// Package domain contains scheduling types shared by the scheduler service and its repository.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledTask is a periodic task enqueued by the scheduler.
type ScheduledTask struct {
	ID       string          `json:"id"`
	TaskName string          `json:"task_name"`
	Payload  json.RawMessage `json:"payload"`
	// Schedule is a cron spec ("*/2 * * * *") or a descriptor ("@every 2m", "@weekly").
	Schedule      string         `json:"schedule"`
	LastQueuedAt  *time.Time     `json:"last_queued_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	OverrunPolicy *OverrunPolicy `json:"overrun_policy,omitempty"`
	ActiveFireKey *string        `json:"active_fire_key,omitempty"`
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron spec or descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// NextFire returns when the task should next be enqueued. A task that has never
// been queued is due immediately.
func (t ScheduledTask) NextFire() (time.Time, error) {
	if t.LastQueuedAt == nil {
		return time.Time{}, nil
	}
	s, err := ParseSchedule(t.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(t.LastQueuedAt.UTC()), nil
}

// Due reports whether the task should be enqueued at now.
func (t ScheduledTask) Due(now time.Time) (bool, error) {
	next, err := t.NextFire()
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// FireKey identifies a single scheduled firing so that duplicate enqueues
// from competing schedulers collapse onto one job.
func (t ScheduledTask) FireKey(now time.Time) string {
	return fmt.Sprintf("%s:%d", t.TaskName, now.UTC().Truncate(time.Minute).Unix())
}

// OverrunPolicy defines how to handle scheduling when a previous job is still outstanding.
type OverrunPolicy string

const (
	// OverrunPolicySkip skips the firing while a previous job for the task is pending or running.
	OverrunPolicySkip OverrunPolicy = "skip"
	// OverrunPolicyQueue always enqueues a new job.
	OverrunPolicyQueue OverrunPolicy = "queue"
)

// UnmarshalText implements encoding.TextUnmarshaler to parse OverrunPolicy from env or text.
func (p *OverrunPolicy) UnmarshalText(text []byte) error {
	v := OverrunPolicy(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case OverrunPolicySkip, OverrunPolicyQueue:
		*p = v
		return nil
	default:
		return fmt.Errorf("invalid OverrunPolicy: %q", v)
	}
}

// OverrunStateMask reports which job states currently exist for a scheduled task.
type OverrunStateMask uint8

const (
	// OverrunStateRunning marks an in-progress job with an active lease.
	OverrunStateRunning OverrunStateMask = 1 << iota
	// OverrunStatePending marks a job waiting to be reserved.
	OverrunStatePending
)

// Has reports whether the mask includes the provided flag.
func (m OverrunStateMask) Has(flag OverrunStateMask) bool {
	return m&flag != 0
}

// UpsertTaskParams holds the fields written when syncing the periodic schedule.
type UpsertTaskParams struct {
	TaskName      string
	Payload       json.RawMessage
	Schedule      string
	OverrunPolicy *OverrunPolicy
}

// MarkQueuedParams records that a task fired.
type MarkQueuedParams struct {
	ID            string
	Now           time.Time
	ActiveFireKey *string
}
