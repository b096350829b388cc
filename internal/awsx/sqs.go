package awsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

const (
	// sqsBatchSize is the SQS limit for batch send, receive and delete.
	sqsBatchSize = 10
	// DefaultMaxReceiveCount is the redrive threshold for newly created queues.
	DefaultMaxReceiveCount = 3
	deadLetterSuffix       = "-dlq"
	retentionSeconds       = "1209600"
)

// Queues reads and writes SQS queues.
type Queues struct {
	client          SQSAPI
	logger          *slog.Logger
	MaxReceiveCount int
}

// NewQueues wraps an SQS client.
func NewQueues(client SQSAPI, logger *slog.Logger) *Queues {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queues{client: client, logger: logger, MaxReceiveCount: DefaultMaxReceiveCount}
}

// QueueURL resolves name. A missing queue is created together with a
// dead-letter queue wired through its redrive policy.
func (q *Queues) QueueURL(ctx context.Context, name string) (string, error) {
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		return aws.ToString(out.QueueUrl), nil
	}
	if !isMissingQueue(err) {
		return "", fmt.Errorf("get queue url %s: %w", name, err)
	}
	return q.createWithDeadLetter(ctx, name)
}

func isMissingQueue(err error) bool {
	if HasCode(err, CodeNonExistentQueue, CodeQueueDoesNotExist) {
		return true
	}
	var notExist *sqstypes.QueueDoesNotExist
	return errors.As(err, &notExist)
}

func (q *Queues) createWithDeadLetter(ctx context.Context, name string) (string, error) {
	created, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: map[string]string{string(sqstypes.QueueAttributeNameMessageRetentionPeriod): retentionSeconds},
	})
	if err != nil {
		return "", fmt.Errorf("create queue %s: %w", name, err)
	}
	url := aws.ToString(created.QueueUrl)
	q.logger.InfoContext(ctx, "created queue", "queue", name)

	if strings.HasSuffix(name, deadLetterSuffix) {
		return url, nil
	}
	if err := q.ensureDeadLetter(ctx, url, name+deadLetterSuffix); err != nil {
		return "", err
	}
	return url, nil
}

func (q *Queues) ensureDeadLetter(ctx context.Context, queueURL, dlqName string) error {
	dlqURL, err := q.QueueURL(ctx, dlqName)
	if err != nil {
		return err
	}
	attrs, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(dlqURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("get attributes of %s: %w", dlqName, err)
	}
	policy, err := json.Marshal(redrivePolicy{
		DeadLetterTargetArn: attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)],
		MaxReceiveCount:     json.Number(strconv.Itoa(q.MaxReceiveCount)),
	})
	if err != nil {
		return err
	}
	_, err = q.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queueURL),
		Attributes: map[string]string{string(sqstypes.QueueAttributeNameRedrivePolicy): string(policy)},
	})
	if err != nil {
		return fmt.Errorf("set redrive policy on %s: %w", queueURL, err)
	}
	return nil
}

type redrivePolicy struct {
	DeadLetterTargetArn string      `json:"deadLetterTargetArn"`
	MaxReceiveCount     json.Number `json:"maxReceiveCount"`
}

// Send enqueues bodies in batches of ten.
func (q *Queues) Send(ctx context.Context, queueURL string, bodies []string) error {
	for start := 0; start < len(bodies); start += sqsBatchSize {
		end := min(start+sqsBatchSize, len(bodies))
		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for _, body := range bodies[start:end] {
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(uuid.NewString()),
				MessageBody: aws.String(body),
			})
		}
		out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("send messages to %s: %w", queueURL, err)
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("send messages to %s: %d of %d failed: %s",
				queueURL, len(out.Failed), len(entries), aws.ToString(out.Failed[0].Message))
		}
	}
	return nil
}

// Receive polls up to limit messages, stopping early when the queue runs dry.
func (q *Queues) Receive(ctx context.Context, queueURL string, limit int) ([]model.QueueMessage, error) {
	var messages []model.QueueMessage
	for len(messages) < limit {
		want := min(sqsBatchSize, limit-len(messages))
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: int32(want),
		})
		if err != nil {
			return nil, fmt.Errorf("receive messages from %s: %w", queueURL, err)
		}
		if len(out.Messages) == 0 {
			break
		}
		for _, m := range out.Messages {
			messages = append(messages, model.QueueMessage{
				MessageID:     aws.ToString(m.MessageId),
				ReceiptHandle: aws.ToString(m.ReceiptHandle),
				Body:          aws.ToString(m.Body),
			})
		}
	}
	return messages, nil
}

// Delete removes received messages in batches of ten.
func (q *Queues) Delete(ctx context.Context, queueURL string, messages []model.QueueMessage) error {
	for start := 0; start < len(messages); start += sqsBatchSize {
		end := min(start+sqsBatchSize, len(messages))
		entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, end-start)
		for i, m := range messages[start:end] {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(start + i)),
				ReceiptHandle: aws.String(m.ReceiptHandle),
			})
		}
		out, err := q.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("delete messages from %s: %w", queueURL, err)
		}
		for _, f := range out.Failed {
			q.logger.WarnContext(ctx, "delete message failed",
				"queue_url", queueURL, "entry", aws.ToString(f.Id), "reason", aws.ToString(f.Message))
		}
	}
	return nil
}

// ApproximateCount returns the visible message count of the queue.
func (q *Queues) ApproximateCount(ctx context.Context, queueURL string) (int64, error) {
	name := string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("get message count of %s: %w", queueURL, err)
	}
	n, err := strconv.ParseInt(out.Attributes[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse message count of %s: %w", queueURL, err)
	}
	return n, nil
}

// DeadLetterURL follows the queue's redrive policy to its dead-letter queue.
func (q *Queues) DeadLetterURL(ctx context.Context, queueURL string) (string, error) {
	name := string(sqstypes.QueueAttributeNameRedrivePolicy)
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameRedrivePolicy},
	})
	if err != nil {
		return "", fmt.Errorf("get redrive policy of %s: %w", queueURL, err)
	}
	raw := out.Attributes[name]
	if raw == "" {
		return "", nil
	}
	var policy redrivePolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return "", fmt.Errorf("parse redrive policy of %s: %w", queueURL, err)
	}
	arn := policy.DeadLetterTargetArn
	dlqName := arn[strings.LastIndex(arn, ":")+1:]
	if dlqName == "" {
		return "", nil
	}
	return q.QueueURL(ctx, dlqName)
}
