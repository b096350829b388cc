package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - http",
			input: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
			expectError: false,
		},
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "single service - scheduler",
			input: "scheduler",
			expected: map[ServiceMode]bool{
				ServiceModeScheduler: true,
			},
			expectError: false,
		},
		{
			name:  "multiple services - http and worker",
			input: "http,worker",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "all services",
			input: "http,worker,scheduler",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:      true,
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " http , worker , scheduler ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:      true,
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "http,http,worker",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "http,invalid-service",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "mixed valid and invalid",
			input:       "http,worker,invalid",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_GetEnabledServices(t *testing.T) {
	tests := []struct {
		name        string
		services    string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "default configuration",
			services: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
			expectError: false,
		},
		{
			name:     "multiple services",
			services: "http,worker",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:        "invalid configuration",
			services:    "invalid-service",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}
			result, err := cfg.GetEnabledServices()

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestAppConfig_ParseEnv(t *testing.T) {
	t.Setenv("INSIGHTS_IDENTITY_HEADER", "X-Custom-Identity")
	t.Setenv("VERBOSE_INSIGHTS_IDENTITY_HEADER_LOGGING", "true")
	t.Setenv("AWS_NAME_PREFIX", "test-")
	t.Setenv("HOUNDIGRADE_AWS_AVAILABILITY_ZONE", "us-west-2c")
	t.Setenv("HOUNDIGRADE_AWS_VOLUME_BATCH_SIZE", "8")
	t.Setenv("KAFKA_SERVER_HOST", "kafka")
	t.Setenv("SOURCES_ENABLE_DATA_MANAGEMENT", "true")
	t.Setenv("SOURCES_ENABLE_DATA_MANAGEMENT_FROM_KAFKA", "true")
	t.Setenv("ANALYZE_LOG_SCHEDULE", "@every 2m")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	expectedAuth := AuthConfig{
		IdentityHeader:  "X-Custom-Identity",
		RequestIDHeader: "x-rh-insights-request-id",
		VerboseLogging:  true,
	}
	if !reflect.DeepEqual(cfg.Auth, expectedAuth) {
		t.Fatalf("unexpected auth configuration:\nexpected: %#v\ngot:      %#v", expectedAuth, cfg.Auth)
	}
	if got := cfg.AWS.ReadyVolumesQueueName(); got != "test-ready_volumes" {
		t.Errorf("ready volumes queue = %q", got)
	}
	if got := cfg.AWS.HoundigradeResultsQueueName(); got != "test-inspection_results" {
		t.Errorf("results queue = %q", got)
	}
	if got := cfg.Inspection.Region(); got != "us-west-2" {
		t.Errorf("inspection region = %q", got)
	}
	if cfg.Inspection.VolumeBatchSize != 8 {
		t.Errorf("volume batch size = %d", cfg.Inspection.VolumeBatchSize)
	}
	if got := cfg.Kafka.Broker(); got != "kafka:9092" {
		t.Errorf("broker = %q", got)
	}
	if !cfg.Sources.KafkaTasksEnabled() {
		t.Error("expected kafka tasks to be enabled")
	}
	if got := cfg.Scheduler.Schedules.ByTask(); !reflect.DeepEqual(got, map[string]string{"analyze_log": "@every 2m"}) {
		t.Errorf("schedule overrides = %v", got)
	}
}

func TestConfig_ServiceEnabled(t *testing.T) {
	cfg := AppConfig{Services: "http,scheduler"}
	if !cfg.IsEnabled(ServiceModeHTTP) || !cfg.IsEnabled(ServiceModeScheduler) {
		t.Fatal("expected http and scheduler to be enabled")
	}
	if cfg.IsEnabled(ServiceModeWorker) {
		t.Fatal("worker should not be enabled")
	}

	invalid := AppConfig{Services: "bogus"}
	if invalid.IsEnabled(ServiceModeHTTP) {
		t.Fatal("invalid configuration should enable nothing")
	}
}

func TestAppConfig_Validate(t *testing.T) {
	base := func() AppConfig {
		return AppConfig{
			Services:   "http,worker",
			AWS:        AWSConfig{NamePrefix: "cloudigrade-"},
			Inspection: InspectionConfig{MaxAttempts: 5},
		}
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg = base()
	cfg.Services = "sources-listener"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sources-listener without kafka host")
	}

	cfg = base()
	cfg.AWS.NamePrefix = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for worker without name prefix")
	}

	cfg = base()
	cfg.Services = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when no services are set")
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	if len(modes) != 5 {
		t.Fatalf("expected 5 service modes, got %d", len(modes))
	}
	for _, m := range modes {
		if _, err := ParseServices(string(m)); err != nil {
			t.Errorf("mode %s should parse: %v", m, err)
		}
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	r := ReaperConfig{Interval: time.Second, BatchSize: 50000}
	r.Sanitize()
	if r.Interval != time.Minute {
		t.Errorf("interval = %v", r.Interval)
	}
	if r.BatchSize != 10000 {
		t.Errorf("batch size = %d", r.BatchSize)
	}
	if r.PendingMaxAge != 5*time.Minute {
		t.Errorf("pending max age = %v", r.PendingMaxAge)
	}
}

func TestAppConfig_SanitizeLogLevel(t *testing.T) {
	cfg := AppConfig{LogLevel: " DEBUG "}
	cfg.Sanitize()
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	cfg.LogLevel = "verbose"
	cfg.Sanitize()
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}
