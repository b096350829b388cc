// Package metrics defines cloudigrade's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	obserrors "github.com/cloudigrade/cloudigrade/internal/observability/errors"
)

// Result constants for metric labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Job lifecycle transitions.
const (
	TransitionComplete = "complete"
	TransitionFail     = "fail"
	TransitionReap     = "reap"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// Jobs holds the task queue collectors.
type Jobs struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	reaped      *prometheus.CounterVec
}

// NewJobs creates the job collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use.
func NewJobs(reg prometheus.Registerer) *Jobs {
	j := &Jobs{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudigrade_job_transitions_total",
			Help: "Task job lifecycle transitions by task, transition, result and error class",
		}, []string{"job_type", "transition", "result", "error_class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cloudigrade_job_duration_seconds",
			Help:    "Duration of task job executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"job_type", "result"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudigrade_jobs_reaped_total",
			Help: "Jobs failed or deleted by the reaper",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(j.transitions, j.duration, j.reaped)
	}
	return j
}

// EmitJobLifecycle records one transition. Nil receivers are ignored.
func (j *Jobs) EmitJobLifecycle(in JobMetric) {
	if j == nil {
		return
	}
	class := ""
	if in.Err != nil && in.Result == ResultError {
		class = obserrors.Classify(in.Err)
	}
	j.transitions.WithLabelValues(in.JobType, in.Transition, in.Result, class).Inc()
	if in.Duration > 0 {
		j.duration.WithLabelValues(in.JobType, in.Result).Observe(in.Duration.Seconds())
	}
}

// Reaped adds n to the reaper counter for action.
func (j *Jobs) Reaped(action string, n int64) {
	if j == nil || n <= 0 {
		return
	}
	j.reaped.WithLabelValues(action).Add(float64(n))
}
