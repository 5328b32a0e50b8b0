package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vietddude/retryq/internal/core/domain"
)

func testLetter() *domain.DeadLetter {
	return &domain.DeadLetter{
		MessageID:      "msg-1",
		Payload:        json.RawMessage(`{"order":42}`),
		Attempts:       4,
		Category:       domain.FailureTimeout,
		Reason:         "retries_exhausted",
		DeadLetteredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_Archive(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "dlq" {
			t.Errorf("topic = %s, want dlq", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "msg-1" {
			t.Errorf("key = %s, want msg-1", key)
		}

		raw, _ := msg.Value.Encode()
		var got domain.DeadLetter
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.Reason != "retries_exhausted" || got.Attempts != 4 {
			t.Errorf("published %+v", got)
		}

		var sawCategory bool
		for _, h := range msg.Headers {
			if string(h.Key) == "category" && string(h.Value) == "timeout" {
				sawCategory = true
			}
		}
		if !sawCategory {
			t.Error("category header missing")
		}
		return nil
	})

	p := NewPublisherFromProducer(producer, "dlq", nil)
	if err := p.Archive(context.Background(), testLetter()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !p.IsReady() {
		t.Error("publisher should be ready after a successful send")
	}
}

func TestPublisher_ArchiveError(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewPublisherFromProducer(producer, "dlq", nil)
	err := p.Archive(context.Background(), testLetter())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("err = %v, want ErrOutOfBrokers", err)
	}
	if p.IsReady() {
		t.Error("publisher should not be ready after a failed send")
	}
}

func TestPublisher_CanceledContext(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPublisherFromProducer(producer, "dlq", nil)
	if err := p.Archive(ctx, testLetter()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	if _, err := NewPublisher(Config{Topic: "dlq"}, nil); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}}, nil); err == nil {
		t.Error("expected error without topic")
	}
}
