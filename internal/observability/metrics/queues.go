package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudigrade/cloudigrade/internal/core"
)

var queueGaugeHelp = map[string]string{
	core.HoundigradeResultsMessageCountKey:      "approximate message count for houndigrade results queue",
	core.HoundigradeResultsDLQMessageCountKey:   "approximate message count for houndigrade results DLQ",
	core.CloudTrailNotificationsMessageCountKey: "approximate message count for CloudTrail notifications queue",
	core.CloudTrailNotificationsDLQCountKey:     "approximate message count for CloudTrail notifications DLQ",
}

// scrapeTimeout bounds the cache read behind each gauge.
const scrapeTimeout = 2 * time.Second

// QueueGauges exposes the cached SQS message counts. Values are read from the
// cache on every scrape so that scrapes never call AWS.
type QueueGauges struct {
	once        sync.Once
	initialized bool
	mu          sync.Mutex
	logger      *slog.Logger
}

// NewQueueGauges creates an uninitialized QueueGauges.
func NewQueueGauges(logger *slog.Logger) *QueueGauges {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueGauges{logger: logger}
}

// Initialize registers one GaugeFunc per cached count with reg. Only the
// first call registers; later calls log a warning and return nil.
func (q *QueueGauges) Initialize(reg prometheus.Registerer, counts *core.MessageCountCache) error {
	var err error
	first := false
	q.once.Do(func() {
		first = true
		err = registerQueueGauges(reg, counts)
		q.mu.Lock()
		q.initialized = err == nil
		q.mu.Unlock()
	})
	if !first {
		q.logger.Warn("Cannot reinitialize gauge metrics")
	}
	return err
}

// Initialized reports whether the gauges were registered.
func (q *QueueGauges) Initialized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.initialized
}

func registerQueueGauges(reg prometheus.Registerer, counts *core.MessageCountCache) error {
	for _, key := range core.MessageCountKeys {
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: key,
			Help: queueGaugeHelp[key],
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
			defer cancel()
			return counts.Load(ctx, key)
		})
		if err := reg.Register(gauge); err != nil {
			return err
		}
	}
	return nil
}
