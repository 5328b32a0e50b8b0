package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/infra/storage"
	"github.com/vietddude/retryq/internal/metrics"
)

// Sink receives every dead-lettered message.
type Sink interface {
	// Name identifies the sink in logs and metrics
	Name() string

	// Archive stores or publishes one dead letter
	Archive(ctx context.Context, dl *domain.DeadLetter) error
}

// RepositorySink adapts a DeadLetterRepository to Sink.
type RepositorySink struct {
	name string
	repo storage.DeadLetterRepository
}

// NewRepositorySink wraps repo under name.
func NewRepositorySink(name string, repo storage.DeadLetterRepository) *RepositorySink {
	return &RepositorySink{name: name, repo: repo}
}

func (s *RepositorySink) Name() string { return s.name }

func (s *RepositorySink) Archive(ctx context.Context, dl *domain.DeadLetter) error {
	return s.repo.Save(ctx, dl)
}

// Repository returns the wrapped repository.
func (s *RepositorySink) Repository() storage.DeadLetterRepository { return s.repo }

// Config controls delivery to sinks.
type Config struct {
	BufferSize   int           `yaml:"buffer_size"`
	MaxRetries   uint64        `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the built-in delivery settings.
func DefaultConfig() Config {
	return Config{
		BufferSize:   1024,
		MaxRetries:   3,
		RetryBase:    200 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// ErrBufferFull is reported when a dead letter is dropped because the buffer is full.
var ErrBufferFull = errors.New("archive buffer full")

// Recorder forwards dead-lettered messages to all sinks in the background.
// Sink failures are retried, then logged; they never reach the queue.
type Recorder struct {
	cfg   Config
	sinks []Sink
	log   *slog.Logger

	buf    chan *domain.DeadLetter
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a Recorder. Call Start before transitions are observed.
func NewRecorder(cfg Config, logger *slog.Logger, sinks ...Sink) *Recorder {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		cfg:   cfg,
		sinks: sinks,
		log:   logger.With("component", "archive"),
		buf:   make(chan *domain.DeadLetter, cfg.BufferSize),
	}
}

// Sinks returns the configured sinks.
func (r *Recorder) Sinks() []Sink { return r.sinks }

// Observe has the queue.TransitionFunc signature. Only dead-letter
// transitions are archived; the call never blocks.
func (r *Recorder) Observe(t queue.Transition, msg *domain.Message) {
	if t.To != domain.MessageStatusDeadLetter || len(r.sinks) == 0 {
		return
	}

	dl, err := domain.NewDeadLetter(msg, t.Reason)
	if err != nil {
		r.log.Error("Failed to build dead letter", "id", t.MessageID, "error", err)
		return
	}

	if err := r.enqueue(dl); err != nil {
		r.log.Error("Dead letter not archived", "id", dl.MessageID, "error", err)
		for _, s := range r.sinks {
			metrics.ArchiveWrites.WithLabelValues(s.Name(), "dropped").Inc()
		}
	}
}

func (r *Recorder) enqueue(dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("archive recorder stopped")
	}
	select {
	case r.buf <- dl:
		return nil
	default:
		return ErrBufferFull
	}
}

// Start launches the delivery goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for dl := range r.buf {
			r.deliver(ctx, dl)
		}
	}()
}

// Stop drains buffered dead letters and waits for delivery to finish.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.buf)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive drain: %w", ctx.Err())
	}
}

func (r *Recorder) deliver(ctx context.Context, dl *domain.DeadLetter) {
	for _, s := range r.sinks {
		if err := r.write(ctx, s, dl); err != nil {
			metrics.ArchiveWrites.WithLabelValues(s.Name(), "error").Inc()
			r.log.Error("Failed to archive dead letter",
				"sink", s.Name(),
				"id", dl.MessageID,
				"error", err,
			)
			continue
		}
		metrics.ArchiveWrites.WithLabelValues(s.Name(), "ok").Inc()
	}
}

func (r *Recorder) write(ctx context.Context, s Sink, dl *domain.DeadLetter) error {
	backoff := retry.WithMaxRetries(r.cfg.MaxRetries, retry.NewExponential(r.cfg.RetryBase))

	// Delivery outlives the service context so Stop can drain.
	ctx = context.WithoutCancel(ctx)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()

		if err := s.Archive(wctx, dl); err != nil {
			r.log.Debug("Archive attempt failed", "sink", s.Name(), "id", dl.MessageID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
