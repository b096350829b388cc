package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cloudigrade/cloudigrade/internal/core"
	"github.com/cloudigrade/cloudigrade/internal/domain/model"
	"github.com/cloudigrade/cloudigrade/internal/identity"
	"github.com/cloudigrade/cloudigrade/internal/sources"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// AvailabilityEventType is the event_type header of availability messages.
const AvailabilityEventType = "availability_status"

// availabilityMessage is the value sources expects on its status topic.
type availabilityMessage struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Status       string `json:"status"`
	Error        string `json:"error"`
}

// AvailabilityService reports application availability back to sources.
type AvailabilityService struct {
	registry *tasks.Registry
	producer core.MessageProducer
	topic    string
	logger   *slog.Logger
}

// NewAvailabilityService constructs an AvailabilityService producing to topic.
func NewAvailabilityService(
	registry *tasks.Registry,
	producer core.MessageProducer,
	topic string,
	logger *slog.Logger,
) (*AvailabilityService, error) {
	if registry == nil {
		return nil, errors.New("task registry is required")
	}
	if producer == nil {
		return nil, errors.New("message producer is required")
	}
	if topic == "" {
		return nil, errors.New("sources status topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AvailabilityService{
		registry: registry,
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "availability_service"),
	}, nil
}

// Handlers returns the availability task handlers.
func (s *AvailabilityService) Handlers() map[model.JobType]tasks.Handler {
	return map[model.JobType]tasks.Handler{
		model.TaskNotifyApplicationAvailability: s.notify,
	}
}

func (s *AvailabilityService) notify(ctx context.Context, job *model.Job) error {
	var p tasks.NotifyAvailability
	if err := s.registry.Decode(job, &p); err != nil {
		return err
	}
	return s.Send(ctx, p)
}

// Send produces one availability message. Producer errors are returned so the
// task is retried.
func (s *AvailabilityService) Send(ctx context.Context, p tasks.NotifyAvailability) error {
	value, err := json.Marshal(availabilityMessage{
		ResourceType: "Application",
		ResourceID:   strconv.FormatInt(p.ApplicationID, 10),
		Status:       p.Status,
		Error:        p.Error,
	})
	if err != nil {
		return err
	}

	ident := identity.Identity{AccountNumber: p.AccountNumber, OrgID: p.OrgID}
	headers := map[string]string{
		"event_type":           AvailabilityEventType,
		sources.HeaderIdentity: ident.Encode(),
	}
	if p.AccountNumber != "" {
		headers[sources.HeaderAccountNumber] = p.AccountNumber
	}
	if p.OrgID != "" {
		headers[sources.HeaderOrgID] = p.OrgID
	}

	if err := s.producer.Produce(ctx, core.Message{Topic: s.topic, Value: value, Headers: headers}); err != nil {
		return fmt.Errorf("produce availability for application %d: %w", p.ApplicationID, err)
	}
	s.logger.InfoContext(ctx, "sent application availability",
		"application_id", p.ApplicationID, "status", p.Status, "error_message", p.Error)
	return nil
}

// notifyAvailability enqueues notify_application_availability on jobs. It is a
// no-op for accounts that were not created through sources.
func notifyAvailability(
	ctx context.Context,
	registry *tasks.Registry,
	jobs core.JobEnqueuer,
	user *model.User,
	applicationID int64,
	status, message string,
) error {
	if applicationID == 0 {
		return nil
	}
	p := tasks.NotifyAvailability{ApplicationID: applicationID, Status: status, Error: message}
	if user != nil {
		p.AccountNumber = user.AccountNumber
		if user.OrgID != nil {
			p.OrgID = *user.OrgID
		}
	}
	_, err := registry.Enqueue(ctx, jobs, model.TaskNotifyApplicationAvailability, p)
	return err
}
