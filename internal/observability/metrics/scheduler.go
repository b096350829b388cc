package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	obserrors "github.com/cloudigrade/cloudigrade/internal/observability/errors"
)

// Scheduler holds the periodic task scheduler collectors.
type Scheduler struct {
	ticks       *prometheus.CounterVec
	enqueued    prometheus.Counter
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewScheduler creates the scheduler collectors and registers them with reg
// when reg is non-nil.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudigrade_scheduler_ticks_total",
			Help: "Scheduler ticks by result and error class",
		}, []string{"result", "error_class"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudigrade_scheduler_tasks_enqueued_total",
			Help: "Periodic task jobs enqueued by the scheduler",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cloudigrade_scheduler_tick_duration_seconds",
			Help:    "Duration of scheduler ticks in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cloudigrade_scheduler_last_success_timestamp_seconds",
			Help: "Unix time of the last successful scheduler tick",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.ticks, s.enqueued, s.duration, s.lastSuccess)
	}
	return s
}

// ObserveTick records one tick. Nil receivers are ignored.
func (s *Scheduler) ObserveTick(processed int, elapsed time.Duration, err error) {
	if s == nil {
		return
	}
	result := ResultSuccess
	switch {
	case err != nil:
		result = ResultError
	case processed == 0:
		result = ResultNoop
	}
	s.ticks.WithLabelValues(result, obserrors.Classify(err)).Inc()
	if processed > 0 {
		s.enqueued.Add(float64(processed))
	}
	if elapsed > 0 {
		s.duration.Observe(elapsed.Seconds())
	}
	if err == nil {
		s.lastSuccess.SetToCurrentTime()
	}
}
