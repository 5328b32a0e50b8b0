package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/vietddude/retryq/internal/core/domain"
)

// Config holds the dead letter topic settings.
type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// Publisher writes dead letters to a Kafka topic, keyed by message id.
// It is write-only: the topic is for downstream consumers and replay tools.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
	ready    atomic.Bool
}

// NewPublisher connects a sync producer to cfg.Brokers.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, defaultConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: create sync producer: %w", err)
	}
	return NewPublisherFromProducer(producer, cfg.Topic, logger), nil
}

// NewPublisherFromProducer wraps an existing producer.
func NewPublisherFromProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		producer: producer,
		topic:    topic,
		log:      logger.With("component", "kafka_publisher", "topic", topic),
	}
	p.ready.Store(true)
	return p
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "kafka" }

// Archive publishes one dead letter and waits for the broker acknowledgement.
func (p *Publisher) Archive(ctx context.Context, dl *domain.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dead letter: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(dl.MessageID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("category"), Value: []byte(dl.Category)},
			{Key: []byte("reason"), Value: []byte(dl.Reason)},
		},
		Timestamp: dl.DeadLetteredAt,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka publisher: send: %w", err)
	}
	p.ready.Store(true)

	p.log.Debug("Dead letter published", "id", dl.MessageID, "partition", partition, "offset", offset)
	return nil
}

// IsReady reports whether the last send succeeded.
func (p *Publisher) IsReady() bool {
	return p.ready.Load()
}

// Close releases the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

func defaultConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}
