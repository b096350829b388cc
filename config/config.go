package config

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: identity header configuration
//   - aws.go: AWS and houndigrade inspection configuration
//   - database.go: Database and cache configuration
//   - http.go: HTTP server configuration
//   - kafka.go: sources listener and producer configuration
//   - services.go: Service mode, worker, scheduler and reaper configuration
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Identity header configuration
	Auth AuthConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// AWS and inspection pipeline configuration
	AWS        AWSConfig
	Inspection InspectionConfig

	// Platform sources integration
	Kafka   KafkaConfig
	Sources SourcesConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	// Worker configuration
	Worker WorkerConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Reaper configuration
	Reaper ReaperConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}

	c.HTTP.Sanitize()
	c.AWS.Sanitize()
	c.Inspection.Sanitize()
	c.Kafka.Sanitize()
	c.Sources.Sanitize()
	c.Worker.Sanitize()
	c.Scheduler.Sanitize()
	c.Reaper.Sanitize()
}

// Validate rejects combinations of settings that cannot work together.
func (c *AppConfig) Validate() error {
	services, err := c.GetEnabledServices()
	if err != nil {
		return err
	}
	if services[ServiceModeSourcesListener] && c.Kafka.Host == "" {
		return errors.New("sources-listener requires KAFKA_SERVER_HOST")
	}
	if services[ServiceModeSourcesListener] && c.Kafka.ListenerTopic == "" {
		return errors.New("sources-listener requires LISTENER_TOPIC")
	}
	if services[ServiceModeWorker] && c.AWS.NamePrefix == "" {
		return errors.New("worker requires AWS_NAME_PREFIX")
	}
	if c.Inspection.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ALLOWED_INSPECTION_ATTEMPTS must be positive, got %d", c.Inspection.MaxAttempts)
	}
	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsEnabled returns true if mode is among the enabled services.
func (c *AppConfig) IsEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
