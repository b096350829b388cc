package config

import (
	"fmt"
	"strings"
	"time"
)

// KafkaConfig contains the platform sources Kafka settings.
type KafkaConfig struct {
	Host               string `env:"KAFKA_SERVER_HOST"`
	Port               int    `env:"KAFKA_SERVER_PORT"    envDefault:"9092"`
	ListenerTopic      string `env:"LISTENER_TOPIC"       envDefault:"platform.sources.event-stream"`
	ListenerGroupID    string `env:"LISTENER_GROUP_ID"    envDefault:"cloudmeter_ci"`
	SourcesStatusTopic string `env:"SOURCES_STATUS_TOPIC" envDefault:"platform.sources.status"`

	// SASL settings for managed Kafka; an empty mechanism disables SASL.
	SASLMechanism string `env:"KAFKA_SASL_MECHANISM"`
	SASLUsername  string `env:"KAFKA_SASL_USERNAME"`
	SASLPassword  string `env:"KAFKA_SASL_PASSWORD"`
	TLS           bool   `env:"KAFKA_TLS"             envDefault:"false"`
}

// Sanitize trims Kafka settings.
func (k *KafkaConfig) Sanitize() {
	k.Host = strings.TrimSpace(k.Host)
	if k.Port <= 0 {
		k.Port = 9092
	}
	k.SASLMechanism = strings.ToUpper(strings.TrimSpace(k.SASLMechanism))
}

// Broker returns host:port, or "" when no host is configured.
func (k *KafkaConfig) Broker() string {
	if k.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// SourcesConfig gates how much cloudigrade acts on sources events and
// locates the sources API.
type SourcesConfig struct {
	EnableDataManagement          bool `env:"SOURCES_ENABLE_DATA_MANAGEMENT"            envDefault:"false"`
	EnableDataManagementFromKafka bool `env:"SOURCES_ENABLE_DATA_MANAGEMENT_FROM_KAFKA" envDefault:"false"`

	APIBaseURL string        `env:"SOURCES_API_BASE_URL"        envDefault:"http://localhost:8000"`
	APIPath    string        `env:"SOURCES_API_EXTERNAL_URI"    envDefault:"/api/sources/v3.1"`
	PSK        string        `env:"SOURCES_PSK"`
	Timeout    time.Duration `env:"SOURCES_API_TIMEOUT"         envDefault:"10s"`
	RetryLimit int           `env:"SOURCES_API_RETRY_LIMIT"     envDefault:"2"`

	// AuthTypes lists the authentication types cloudigrade accepts.
	AuthTypes []string `env:"SOURCES_CLOUDMETER_AUTHTYPES" envSeparator:"," envDefault:"cloud-meter-arn"`
	// ResourceType is the resource type an authentication must belong to.
	ResourceType string `env:"SOURCES_RESOURCE_TYPE" envDefault:"Application"`
	// ApplicationTypeName names cloudigrade's application type in sources.
	ApplicationTypeName string `env:"SOURCES_APPLICATION_TYPE_NAME" envDefault:"/insights/platform/cloud-meter"`
}

// Sanitize trims sources API settings.
func (s *SourcesConfig) Sanitize() {
	s.APIBaseURL = strings.TrimRight(strings.TrimSpace(s.APIBaseURL), "/")
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.RetryLimit < 0 {
		s.RetryLimit = 0
	}
}

// AcceptsAuthType reports whether authType is one of AuthTypes.
func (s SourcesConfig) AcceptsAuthType(authType string) bool {
	for _, t := range s.AuthTypes {
		if strings.TrimSpace(t) == authType {
			return true
		}
	}
	return false
}

// KafkaTasksEnabled reports whether sources events may enqueue tasks.
func (s SourcesConfig) KafkaTasksEnabled() bool {
	return s.EnableDataManagement && s.EnableDataManagementFromKafka
}
