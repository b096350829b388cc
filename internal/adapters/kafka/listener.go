package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	kafkago "github.com/segmentio/kafka-go"

	apperrors "github.com/cloudigrade/cloudigrade/internal/errors"
	"github.com/cloudigrade/cloudigrade/internal/tasks"
)

// EventTypeHeader names the header that carries the sources event type.
const EventTypeHeader = "event_type"

// MessageReader is the part of *kafka.Reader the Listener uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Dispatcher turns one sources event into a task.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, ev tasks.SourcesEvent) (bool, error)
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Reader     MessageReader // Required
	Dispatcher Dispatcher    // Required
	Logger     *slog.Logger

	// DispatchAttempts bounds how often a failing dispatch is retried
	// before the message is skipped; defaults to 3.
	DispatchAttempts int
	RetryBackoff     time.Duration
}

// Listener consumes the sources event stream. Every message is committed
// once handled, including malformed ones, so a bad record never blocks the
// partition.
type Listener struct {
	reader   MessageReader
	dispatch Dispatcher
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewListener validates opts and constructs a Listener.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Reader == nil {
		return nil, errors.New("kafka reader is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("sources dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DispatchAttempts <= 0 {
		opts.DispatchAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Listener{
		reader:   opts.Reader,
		dispatch: opts.Dispatcher,
		logger:   opts.Logger.With("component", "sources_listener"),
		attempts: opts.DispatchAttempts,
		backoff:  opts.RetryBackoff,
	}, nil
}

// Run consumes messages until ctx is cancelled, then closes the reader.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "listener ready to run")
	defer func() {
		l.logger.InfoContext(ctx, "listener closing")
		if err := l.reader.Close(); err != nil {
			l.logger.WarnContext(ctx, "close kafka reader", "error", err)
		}
	}()

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		l.process(ctx, msg)

		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d on partition %d: %w", msg.Offset, msg.Partition, err)
		}
	}
}

// process handles one message. Problems are logged; the message is committed regardless.
func (l *Listener) process(ctx context.Context, msg kafkago.Message) {
	eventType, ev, err := extract(msg)
	if err != nil {
		l.logger.WarnContext(ctx, "malformed sources kafka message",
			"error", err,
			"value", string(msg.Value),
			"headers", headerPairs(msg.Headers),
			"offset", msg.Offset)
		return
	}

	for attempt := 1; ; attempt++ {
		_, err := l.dispatch.Dispatch(ctx, eventType, ev)
		if err == nil {
			return
		}
		if apperrors.IsValidation(err) || attempt >= l.attempts || ctx.Err() != nil {
			l.logger.ErrorContext(ctx, "dropping sources event after failed dispatch",
				"event_type", eventType, "attempts", attempt, "error", err, "value", string(msg.Value))
			return
		}
		l.logger.WarnContext(ctx, "sources event dispatch failed; retrying",
			"event_type", eventType, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(l.backoff * time.Duration(attempt)):
		}
	}
}

// extract returns the event type and the task payload of a sources message.
func extract(msg kafkago.Message) (string, tasks.SourcesEvent, error) {
	ev := tasks.SourcesEvent{Headers: make([]tasks.KafkaHeader, 0, len(msg.Headers))}
	var eventType string
	for _, h := range msg.Headers {
		if !utf8.Valid(h.Value) {
			return "", ev, fmt.Errorf("header %q is not UTF-8", h.Key)
		}
		value := string(h.Value)
		if eventType == "" && h.Key == EventTypeHeader {
			eventType = value
		}
		ev.Headers = append(ev.Headers, tasks.KafkaHeader{Key: h.Key, Value: value})
	}
	if !json.Valid(msg.Value) {
		return "", ev, errors.New("value is not valid JSON")
	}
	ev.Value = json.RawMessage(msg.Value)
	return eventType, ev, nil
}

func headerPairs(headers []kafkago.Header) []string {
	out := make([]string, 0, len(headers))
	for _, h := range headers {
		out = append(out, h.Key+"="+string(h.Value))
	}
	return out
}
