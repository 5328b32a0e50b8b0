package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/metrics"
)

// ResourceChecker reports whether a message waiting on resources may run.
// It is consulted while the queue is locked, so it must answer without blocking.
type ResourceChecker interface {
	Available(ctx context.Context, msg *domain.Message) bool
}

// ResourceCheckFunc adapts a function to ResourceChecker.
type ResourceCheckFunc func(ctx context.Context, msg *domain.Message) bool

func (f ResourceCheckFunc) Available(ctx context.Context, msg *domain.Message) bool {
	return f(ctx, msg)
}

// DispatcherConfig holds scheduling settings.
type DispatcherConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	// MemoryLimitMB gates resource-wait retries on heap usage. 0 = no gate.
	MemoryLimitMB uint64 `yaml:"memory_limit_mb"`
}

// DefaultDispatcherConfig returns the built-in scheduling settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:    time.Second,
		BatchSize:   100,
		Concurrency: 8,
	}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResourceChecker gates messages flagged RequiresResourceCheck.
func WithResourceChecker(rc ResourceChecker) DispatcherOption {
	return func(d *Dispatcher) { d.resources = rc }
}

// WithDispatcherClock overrides time.Now.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher periodically hands due messages to the executor.
type Dispatcher struct {
	cfg       DispatcherConfig
	mgr       queue.Manager
	exec      queue.Executor
	resources ResourceChecker
	sem       *semaphore.Weighted
	now       func() time.Time
	log       *slog.Logger

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher creates a dispatcher over mgr.
func NewDispatcher(cfg DispatcherConfig, mgr queue.Manager, exec queue.Executor, opts ...DispatcherOption) (*Dispatcher, error) {
	if mgr == nil {
		return nil, errors.New("dispatcher requires a queue manager")
	}
	if exec == nil {
		return nil, queue.ErrNilExecutor
	}

	def := DefaultDispatcherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	d := &Dispatcher{
		cfg:  cfg,
		mgr:  mgr,
		exec: exec,
		sem:  semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:  time.Now,
		log:  slog.Default(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "dispatcher")
	return d, nil
}

// Start recovers interrupted messages, then dispatches until ctx is done or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer close(d.done)

	if n, err := d.mgr.RecoverProcessing(ctx); err != nil {
		d.log.Error("Recovery incomplete", "recovered", n, "error", err)
	} else if n > 0 {
		d.log.Warn("Recovered interrupted messages", "count", n)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Stop ends the loop and waits for the current batch to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.running.Load() {
		<-d.done
	}
}

// Tick processes one batch of due messages and returns how many were run.
// It returns once every message in the batch has been handled.
func (d *Dispatcher) Tick(ctx context.Context) int {
	deferred := 0
	due := d.mgr.DueMatching(d.now(), d.cfg.BatchSize, func(msg *domain.Message) bool {
		if msg.RequiresResourceCheck && d.resources != nil && !d.resources.Available(ctx, msg) {
			deferred++
			return false
		}
		return true
	})
	defer func() { metrics.ObserveHealth(d.mgr.Health()) }()
	if deferred > 0 {
		d.log.Debug("Resources unavailable, deferring", "count", deferred)
	}
	if len(due) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	dispatched := 0
	for _, msg := range due {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}

		dispatched++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer d.sem.Release(1)
			d.run(ctx, id)
		}(msg.ID)
	}
	wg.Wait()
	return dispatched
}

func (d *Dispatcher) run(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Dispatch panic", "id", id, "panic", r)
		}
	}()

	start := d.now()
	res, err := d.mgr.Process(ctx, id, d.exec)
	if err != nil {
		if errors.Is(err, queue.ErrNotPending) || errors.Is(err, queue.ErrNotDue) {
			d.log.Debug("Skipped message", "id", id, "reason", err)
			return
		}
		d.log.Error("Process failed", "id", id, "error", err)
		return
	}

	metrics.ProcessingDuration.WithLabelValues(string(res.Outcome)).Observe(d.now().Sub(start).Seconds())
}
