package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/cloudigrade/cloudigrade/internal/core"
)

// MessageWriter is the part of *kafka.Writer the Producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer implements core.MessageProducer on a kafka-go writer.
type Producer struct {
	w MessageWriter
}

var _ core.MessageProducer = (*Producer)(nil)

// NewProducer wraps w.
func NewProducer(w MessageWriter) *Producer {
	return &Producer{w: w}
}

// Produce writes msgs synchronously and returns once every message is acknowledged.
func (p *Producer) Produce(ctx context.Context, msgs ...core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafkago.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Topic == "" {
			return errors.New("message topic is required")
		}
		out = append(out, kafkago.Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Headers: toHeaders(m.Headers),
		})
	}
	if err := p.w.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("produce %d messages: %w", len(out), err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.w.Close()
}

// toHeaders converts headers in key order so produced records are stable.
func toHeaders(h map[string]string) []kafkago.Header {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafkago.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafkago.Header{Key: k, Value: []byte(h[k])})
	}
	return out
}
