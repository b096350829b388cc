package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// QueueCountService copies SQS queue depths into the cache read by the
// metrics gauges.
type QueueCountService struct {
	queues core.MessageQueue
	counts *core.MessageCountCache
	aws    config.AWSConfig
	logger *slog.Logger
}

// NewQueueCountService constructs a QueueCountService.
func NewQueueCountService(
	queues core.MessageQueue,
	counts *core.MessageCountCache,
	aws config.AWSConfig,
	logger *slog.Logger,
) (*QueueCountService, error) {
	if queues == nil {
		return nil, errors.New("message queue is required")
	}
	if counts == nil {
		return nil, errors.New("message count cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueCountService{
		queues: queues,
		counts: counts,
		aws:    aws,
		logger: logger.With("component", "queue_count_service"),
	}, nil
}

// Handlers returns the queue count task handlers.
func (s *QueueCountService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskUpdateSQSMessageCounts: func(ctx context.Context, _ *model.Job) error {
			return s.Update(ctx)
		},
	}
}

// Update refreshes every cached count. A queue that cannot be read keeps its
// previous value; the errors are joined.
func (s *QueueCountService) Update(ctx context.Context) error {
	var errs []error

	resultsURL, err := s.queues.QueueURL(ctx, s.aws.HoundigradeResultsQueueName())
	if err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, s.store(ctx, resultsURL,
			core.HoundigradeResultsMessageCountKey, core.HoundigradeResultsDLQMessageCountKey))
	}

	if s.aws.CloudTrailEventURL != "" {
		errs = append(errs, s.store(ctx, s.aws.CloudTrailEventURL,
			core.CloudTrailNotificationsMessageCountKey, core.CloudTrailNotificationsDLQCountKey))
	}
	return errors.Join(errs...)
}

func (s *QueueCountService) store(ctx context.Context, queueURL, key, dlqKey string) error {
	count, err := s.queues.ApproximateCount(ctx, queueURL)
	if err != nil {
		return err
	}
	if err := s.counts.Store(ctx, key, count); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "stored queue count", "key", key, "count", count)

	dlqURL, err := s.queues.DeadLetterURL(ctx, queueURL)
	if err != nil || dlqURL == "" {
		return err
	}
	dlqCount, err := s.queues.ApproximateCount(ctx, dlqURL)
	if err != nil {
		return err
	}
	return s.counts.Store(ctx, dlqKey, dlqCount)
}
