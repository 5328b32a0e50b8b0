package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/retryq/internal/core/classifier"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/core/worker"
	"github.com/vietddude/retryq/internal/health"
	"github.com/vietddude/retryq/internal/infra/archive"
	"github.com/vietddude/retryq/internal/telemetry"
)

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	q := queue.DefaultConfig()
	if cfg.Queue.MaxPending == 0 {
		cfg.Queue.MaxPending = q.MaxPending
	}
	if cfg.Queue.ProcessingTimeout == 0 {
		cfg.Queue.ProcessingTimeout = q.ProcessingTimeout
	}
	if cfg.Queue.DefaultCategory == "" {
		cfg.Queue.DefaultCategory = q.DefaultCategory
	}
	if cfg.Queue.RecoveryCategory == "" {
		cfg.Queue.RecoveryCategory = q.RecoveryCategory
	}

	b := classifier.DefaultBreakerConfig()
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = b.FailureThreshold
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = b.Window
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = b.Cooldown
	}
	if len(cfg.Breaker.Categories) == 0 {
		cfg.Breaker.Categories = b.Categories
	}

	d := worker.DefaultDispatcherConfig()
	if cfg.Dispatcher.Interval == 0 {
		cfg.Dispatcher.Interval = d.Interval
	}
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = d.BatchSize
	}
	if cfg.Dispatcher.Concurrency == 0 {
		cfg.Dispatcher.Concurrency = d.Concurrency
	}

	a := archive.DefaultConfig()
	if cfg.Archive.Delivery.BufferSize == 0 {
		cfg.Archive.Delivery.BufferSize = a.BufferSize
	}
	if cfg.Archive.Delivery.MaxRetries == 0 {
		cfg.Archive.Delivery.MaxRetries = a.MaxRetries
	}
	if cfg.Archive.Delivery.RetryBase == 0 {
		cfg.Archive.Delivery.RetryBase = a.RetryBase
	}
	if cfg.Archive.Delivery.WriteTimeout == 0 {
		cfg.Archive.Delivery.WriteTimeout = a.WriteTimeout
	}

	h := health.DefaultThresholds()
	if cfg.Health.DegradedPending == 0 {
		cfg.Health.DegradedPending = h.DegradedPending
	}
	if cfg.Health.CriticalPending == 0 {
		cfg.Health.CriticalPending = h.CriticalPending
	}
	if cfg.Health.DegradedDeadLetters == 0 {
		cfg.Health.DegradedDeadLetters = h.DegradedDeadLetters
	}

	t := telemetry.DefaultConfig()
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = t.ServiceName
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = t.Environment
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = t.OTLPEndpoint
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = t.SampleRate
	}
}

// Validate checks categories, policies and numeric bounds.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if c.Queue.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("queue.max_pending must be >= 0, got %d", c.Queue.MaxPending))
	}
	if !c.Queue.DefaultCategory.Valid() {
		errs = append(errs, fmt.Errorf("queue.default_category %q is unknown", c.Queue.DefaultCategory))
	}
	if !c.Queue.RecoveryCategory.Valid() {
		errs = append(errs, fmt.Errorf("queue.recovery_category %q is unknown", c.Queue.RecoveryCategory))
	}

	if _, err := classifier.New(classifier.WithPolicies(c.Policies)); err != nil {
		errs = append(errs, fmt.Errorf("policies: %w", err))
	}
	for _, cat := range c.Breaker.Categories {
		if !cat.Valid() {
			errs = append(errs, fmt.Errorf("breaker.categories: %q is unknown", cat))
		}
	}
	if c.Breaker.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be >= 0, got %d", c.Breaker.FailureThreshold))
	}

	if c.Dispatcher.BatchSize < 0 || c.Dispatcher.Concurrency < 0 {
		errs = append(errs, errors.New("dispatcher.batch_size and dispatcher.concurrency must be >= 0"))
	}
	if c.Archive.Retention < 0 {
		errs = append(errs, errors.New("archive.retention must be >= 0"))
	}
	if c.Archive.KafkaEnabled() && c.Archive.Kafka.Topic == "" {
		errs = append(errs, errors.New("archive.kafka.topic is required when brokers are set"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v must be within [0, 1]", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}
