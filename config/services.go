package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs task workers.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the periodic task scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeSourcesListener consumes platform sources events from Kafka.
	ServiceModeSourcesListener ServiceMode = "sources-listener"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeReaper,
		ServiceModeSourcesListener,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeWorker,
			ServiceModeScheduler,
			ServiceModeReaper,
			ServiceModeSourcesListener:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, scheduler, reaper, sources-listener)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains task worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// JobLease is the duration to lease a job; workers heartbeat at a third of it.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"60s"`

	// JobTimeout bounds a single task execution.
	JobTimeout time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"15m"`

	// Tasks limits the worker to a comma list of task names; empty means all.
	Tasks []string `env:"WORKER_TASKS" envSeparator:","`

	// RetryDelay is how long a failed job waits before its next attempt.
	RetryDelay time.Duration `env:"WORKER_RETRY_DELAY" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = 15 * time.Minute
	}
	if w.RetryDelay < time.Second {
		w.RetryDelay = time.Second
	}
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// BatchSize is the number of tasks to schedule per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`

	// DefaultPriority is the default priority for scheduled jobs.
	DefaultPriority int `env:"SCHEDULER_DEFAULT_PRIORITY" envDefault:"0"`

	// MaxRetries is the maximum number of retries for failed jobs.
	MaxRetries int `env:"SCHEDULER_MAX_RETRIES" envDefault:"3"`

	// OverrunPolicy determines how to handle tasks whose previous job is outstanding.
	// Valid values: skip, queue
	OverrunPolicy domain.OverrunPolicy `env:"SCHEDULER_OVERRUN" envDefault:"skip"`

	// Interval is the scheduler tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"10s"`

	// Schedules overrides the periodic schedule of individual tasks.
	Schedules ScheduleOverrides
}

// ScheduleOverrides replace the schedule of a periodic task when set.
// Values are cron specs or descriptors such as "@every 2m".
type ScheduleOverrides struct {
	ScaleUpInspectionCluster     string `env:"SCALE_UP_INSPECTION_CLUSTER_SCHEDULE"`
	PersistInspectionResults     string `env:"PERSIST_INSPECTION_CLUSTER_RESULTS_SCHEDULE"`
	AnalyzeLog                   string `env:"ANALYZE_LOG_SCHEDULE"`
	InspectPendingImages         string `env:"INSPECT_PENDING_IMAGES_SCHEDULE"`
	RepopulateEC2InstanceMapping string `env:"REPOPULATE_EC2_INSTANCE_MAPPING_SCHEDULE"`
	VerifyAllAccountPermissions  string `env:"VERIFY_ALL_ACCOUNT_PERMISSIONS_SCHEDULE"`
	UpdateSQSMessageCounts       string `env:"UPDATE_SQS_MESSAGE_COUNTS_SCHEDULE"`
	CalculateMaxConcurrentUsage  string `env:"CALCULATE_MAX_CONCURRENT_USAGE_SCHEDULE"`
}

// ByTask returns the non-empty overrides keyed by task name.
func (s ScheduleOverrides) ByTask() map[string]string {
	all := map[string]string{
		"scale_up_inspection_cluster":        s.ScaleUpInspectionCluster,
		"persist_inspection_cluster_results": s.PersistInspectionResults,
		"analyze_log":                        s.AnalyzeLog,
		"inspect_pending_images":             s.InspectPendingImages,
		"repopulate_ec2_instance_mapping":    s.RepopulateEC2InstanceMapping,
		"verify_all_account_permissions":     s.VerifyAllAccountPermissions,
		"update_sqs_message_counts":          s.UpdateSQSMessageCounts,
		"calculate_max_concurrent_usage":     s.CalculateMaxConcurrentUsage,
	}
	out := make(map[string]string, len(all))
	for name, spec := range all {
		if spec = strings.TrimSpace(spec); spec != "" {
			out[name] = spec
		}
	}
	return out
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.OverrunPolicy == "" {
		s.OverrunPolicy = domain.OverrunPolicySkip
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"24h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
