// Package kafka connects cloudigrade to the platform Kafka: it consumes
// sources events and produces application availability statuses.
package kafka

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/cloudigrade/cloudigrade/config"
)

const dialTimeout = 10 * time.Second

func mechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	switch cfg.SASLMechanism {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported KAFKA_SASL_MECHANISM %q", cfg.SASLMechanism)
	}
}

func tlsConfig(cfg config.KafkaConfig) *tls.Config {
	if !cfg.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// NewReader builds a consumer-group reader for the sources event topic.
// Offsets are committed explicitly by the Listener.
func NewReader(cfg config.KafkaConfig) (*kafkago.Reader, error) {
	broker := cfg.Broker()
	if broker == "" {
		return nil, errors.New("kafka host is not configured")
	}
	mech, err := mechanism(cfg)
	if err != nil {
		return nil, err
	}
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: []string{broker},
		GroupID: cfg.ListenerGroupID,
		Topic:   cfg.ListenerTopic,
		Dialer: &kafkago.Dialer{
			Timeout:       dialTimeout,
			DualStack:     true,
			SASLMechanism: mech,
			TLS:           tlsConfig(cfg),
		},
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
	}), nil
}

// NewWriter builds a writer that routes each message by its own topic.
func NewWriter(cfg config.KafkaConfig) (*kafkago.Writer, error) {
	broker := cfg.Broker()
	if broker == "" {
		return nil, errors.New("kafka host is not configured")
	}
	mech, err := mechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafkago.Writer{
		Addr:         kafkago.TCP(broker),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: dialTimeout,
		Transport: &kafkago.Transport{
			DialTimeout: dialTimeout,
			SASL:        mech,
			TLS:         tlsConfig(cfg),
		},
	}, nil
}
