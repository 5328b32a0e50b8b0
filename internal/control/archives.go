package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/retryq/internal/core/config"
	"github.com/vietddude/retryq/internal/infra/archive"
	"github.com/vietddude/retryq/internal/infra/kafka"
	redisclient "github.com/vietddude/retryq/internal/infra/redis"
	"github.com/vietddude/retryq/internal/infra/storage"
	"github.com/vietddude/retryq/internal/infra/storage/memory"
	"github.com/vietddude/retryq/internal/infra/storage/postgres"
)

// Archives holds the configured dead letter sinks and their connections.
type Archives struct {
	// Repos are the queryable sinks, keyed by name.
	Repos map[string]storage.DeadLetterRepository
	// Sinks include Repos plus publish-only sinks such as Kafka.
	Sinks []archive.Sink

	db        *postgres.DB
	redis     *redisclient.Client
	publisher *kafka.Publisher
}

// OpenArchives connects every sink enabled in cfg. When withPublishers is
// false, publish-only sinks are skipped (CLI queries do not need them).
func OpenArchives(ctx context.Context, cfg config.ArchiveConfig, withPublishers bool, log *slog.Logger) (*Archives, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Archives{Repos: make(map[string]storage.DeadLetterRepository)}

	if cfg.Memory {
		a.add("memory", memory.NewDeadLetterRepo())
		log.Info("Using memory dead letter archive")
	}

	if cfg.DatabaseEnabled() {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.add("postgres", postgres.NewDeadLetterRepo(db))
		log.Info("Using PostgreSQL dead letter archive")
	}

	if cfg.RedisEnabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.redis = client
		a.add("redis", redisclient.NewDeadLetterRepo(client, cfg.Redis.TTL))
		log.Info("Using Redis dead letter archive")
	}

	if withPublishers && cfg.KafkaEnabled() {
		pub, err := kafka.NewPublisher(cfg.Kafka, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init kafka: %w", err)
		}
		a.publisher = pub
		a.Sinks = append(a.Sinks, pub)
		log.Info("Publishing dead letters to Kafka", "topic", cfg.Kafka.Topic)
	}

	return a, nil
}

func (a *Archives) add(name string, repo storage.DeadLetterRepository) {
	a.Repos[name] = repo
	a.Sinks = append(a.Sinks, archive.NewRepositorySink(name, repo))
}

// Primary returns the repository used for queries: postgres, then redis, then memory.
func (a *Archives) Primary() storage.DeadLetterRepository {
	for _, name := range []string{"postgres", "redis", "memory"} {
		if repo, ok := a.Repos[name]; ok {
			return repo
		}
	}
	return nil
}

// Lookup returns the named repository, or Primary when name is empty.
func (a *Archives) Lookup(name string) (storage.DeadLetterRepository, error) {
	if name == "" {
		if repo := a.Primary(); repo != nil {
			return repo, nil
		}
		return nil, errors.New("no dead letter archive configured")
	}
	repo, ok := a.Repos[name]
	if !ok {
		return nil, fmt.Errorf("archive %q is not configured", name)
	}
	return repo, nil
}

// StartMetricsCollector starts pool metrics for the database sink, if any.
func (a *Archives) StartMetricsCollector(ctx context.Context) {
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
}

// Close releases every connection.
func (a *Archives) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
