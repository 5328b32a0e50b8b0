package config

import (
	"time"

	"github.com/vietddude/retryq/internal/core/classifier"
	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/core/worker"
	"github.com/vietddude/retryq/internal/health"
	"github.com/vietddude/retryq/internal/infra/archive"
	"github.com/vietddude/retryq/internal/infra/executor"
	"github.com/vietddude/retryq/internal/infra/kafka"
	redisclient "github.com/vietddude/retryq/internal/infra/redis"
	"github.com/vietddude/retryq/internal/infra/storage/postgres"
	"github.com/vietddude/retryq/internal/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig                                 `yaml:"server"`
	Logging    LoggingConfig                                `yaml:"logging"`
	Queue      queue.Config                                 `yaml:"queue"`
	Policies   map[domain.FailureCategory]classifier.Policy `yaml:"policies"`
	Breaker    classifier.BreakerConfig                     `yaml:"breaker"`
	Dispatcher worker.DispatcherConfig                      `yaml:"dispatcher"`
	Executor   executor.Config                              `yaml:"executor"`
	Archive    ArchiveConfig                                `yaml:"archive"`
	Health     health.Thresholds                            `yaml:"health"`
	Telemetry  telemetry.Config                             `yaml:"telemetry"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ArchiveConfig selects dead letter sinks. A sink is enabled when its
// connection setting is present.
type ArchiveConfig struct {
	Delivery  archive.Config     `yaml:"delivery"`
	Retention time.Duration      `yaml:"retention"` // 0 = keep forever
	Memory    bool               `yaml:"memory"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  postgres.Config    `yaml:"database"`
	Kafka     kafka.Config       `yaml:"kafka"`
}

// RedisEnabled reports whether the Redis sink is configured.
func (a ArchiveConfig) RedisEnabled() bool { return a.Redis.URL != "" }

// DatabaseEnabled reports whether the PostgreSQL sink is configured.
func (a ArchiveConfig) DatabaseEnabled() bool { return a.Database.URL != "" }

// KafkaEnabled reports whether the Kafka sink is configured.
func (a ArchiveConfig) KafkaEnabled() bool { return len(a.Kafka.Brokers) > 0 }
