package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudigrade/cloudigrade/config"
	"github.com/cloudigrade/cloudigrade/internal/adapters/kafka"
	"github.com/cloudigrade/cloudigrade/internal/awsx"
	"github.com/cloudigrade/cloudigrade/internal/sources"
)

// ConnectAWS resolves cloudigrade's own AWS credentials.
func ConnectAWS(ctx context.Context, cfg config.AWSConfig, logger *slog.Logger) (*awsx.Provider, error) {
	provider, err := awsx.LoadProvider(ctx, awsx.Options{
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect aws: %w", err)
	}
	return provider, nil
}

// NewSourcesClient builds the sources API client.
func NewSourcesClient(cfg config.SourcesConfig) (*sources.Client, error) {
	client, err := sources.NewClient(sources.Config{
		BaseURL:    cfg.APIBaseURL,
		Path:       cfg.APIPath,
		PSK:        cfg.PSK,
		Timeout:    cfg.Timeout,
		RetryLimit: cfg.RetryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create sources client: %w", err)
	}
	return client, nil
}

// NewKafkaProducer builds the producer for sources availability statuses.
// It returns nil when no broker is configured.
//
//nolint:nilnil // a missing broker is a supported deployment, not an error.
func NewKafkaProducer(cfg config.KafkaConfig, logger *slog.Logger) (*kafka.Producer, error) {
	if cfg.Broker() == "" {
		if logger != nil {
			logger.Warn("kafka is not configured; availability statuses will not be reported")
		}
		return nil, nil
	}
	writer, err := kafka.NewWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka writer: %w", err)
	}
	return kafka.NewProducer(writer), nil
}
