package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/retryq/internal/core/classifier"
	"github.com/vietddude/retryq/internal/core/domain"
)

var (
	// ErrInvalidPayload is returned when enqueueing a nil payload.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrMessageNotFound is returned for an id that is in no collection.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotPending is returned when a message must be pending but is not.
	ErrNotPending = errors.New("message is not pending")

	// ErrNotProcessing is returned when a message must be processing but is not.
	ErrNotProcessing = errors.New("message is not processing")

	// ErrNotDue is returned when a message is claimed before its next process time.
	ErrNotDue = errors.New("message is not due yet")

	// ErrNilExecutor is returned when Process is called without an executor.
	ErrNilExecutor = errors.New("nil executor")

	// ErrStaleReceipt is returned when a receipt handle no longer owns the message.
	ErrStaleReceipt = errors.New("stale receipt handle")
)

const tracerName = "github.com/vietddude/retryq/internal/core/queue"

// Classifier decides what happens to a failed message.
type Classifier interface {
	Classify(msg *domain.Message, category domain.FailureCategory) (*domain.Message, classifier.Decision, error)
}

// Manager owns the pending queue, the processing set and the dead-letter store.
type Manager interface {
	// Enqueue appends a new pending message and returns its id.
	Enqueue(ctx context.Context, payload any) (string, error)

	// Process claims a pending message, runs exec on its payload and applies the outcome.
	Process(ctx context.Context, id string, exec Executor) (Result, error)

	// Claim moves a pending message into processing for an external executor.
	// The returned message carries the receipt handle for Complete and Fail.
	Claim(ctx context.Context, id string) (*domain.Message, error)

	// Complete marks a processing message as completed and forgets it.
	Complete(ctx context.Context, id, receipt string) (*domain.Message, error)

	// Fail runs a processing message through the failure path.
	Fail(ctx context.Context, id, receipt string, category domain.FailureCategory, cause error) (Result, error)

	// RecoverProcessing fails every abandoned message left in processing with
	// the recovery category. Messages owned by a running Process call are kept.
	RecoverProcessing(ctx context.Context) (int, error)

	// Health returns a snapshot of collection sizes.
	Health() Health

	// Get returns a copy of a message still held by the manager.
	Get(id string) (*domain.Message, error)

	// Due returns pending messages eligible at now, oldest first. limit <= 0 means all.
	Due(now time.Time, limit int) []*domain.Message

	// DueMatching is Due restricted to messages accepted by keep. The limit
	// applies after filtering.
	DueMatching(now time.Time, limit int, keep func(*domain.Message) bool) []*domain.Message

	// DeadLetters returns copies of dead-lettered messages in arrival order.
	DeadLetters() []*domain.Message

	// Stats returns lifetime counters and recent transitions.
	Stats() Stats

	// OnTransition registers a callback invoked after every status change.
	OnTransition(fn TransitionFunc)
}

// TransitionFunc observes a status change. msg is a copy taken after the change.
type TransitionFunc func(t Transition, msg *domain.Message)

// Health is a point-in-time count of each collection.
type Health struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	DeadLetter int `json:"dead_letter"`
}

// Outcome is the result of one processing attempt.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// Result describes what Process or Fail did with a message.
type Result struct {
	Message  *domain.Message
	Outcome  Outcome
	Decision classifier.Decision // zero for OutcomeCompleted
	Err      error               // executor error, nil on success
}

// Config holds manager settings.
type Config struct {
	MaxPending        int           `yaml:"max_pending"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	// DefaultCategory is used for executor errors that carry no category.
	DefaultCategory domain.FailureCategory `yaml:"default_category"`
	// RecoveryCategory is used for messages found in processing on recovery
	// and for executor panics.
	RecoveryCategory domain.FailureCategory `yaml:"recovery_category"`
}

// DefaultConfig returns the built-in manager settings.
func DefaultConfig() Config {
	return Config{
		MaxPending:        10000,
		ProcessingTimeout: 30 * time.Second,
		DefaultCategory:   domain.FailureNetwork,
		RecoveryCategory:  domain.FailureTimeout,
	}
}

// Option configures a DefaultManager.
type Option func(*DefaultManager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *DefaultManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *DefaultManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTracer sets the tracer used for Process spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *DefaultManager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithOutcomeRecorder feeds every success and failure to r, typically a circuit breaker.
func WithOutcomeRecorder(r classifier.OutcomeRecorder) Option {
	return func(m *DefaultManager) {
		m.recorder = r
	}
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *DefaultManager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// DefaultManager implements Manager in memory.
type DefaultManager struct {
	cfg        Config
	classifier Classifier
	recorder   classifier.OutcomeRecorder
	now        func() time.Time
	newID      func() string
	newReceipt func() string
	log        *slog.Logger
	tracer     trace.Tracer

	mu           sync.Mutex
	pendingOrder []string
	pending      map[string]*domain.Message
	processing   map[string]*domain.Message
	running      map[string]struct{} // receipts held by in-flight Process calls
	deadOrder    []string
	dead         map[string]*domain.Message
	stats        *statsCollector
	observers    []TransitionFunc
}

// NewManager creates a manager. Zero config fields fall back to DefaultConfig.
func NewManager(cfg Config, cls Classifier, opts ...Option) (*DefaultManager, error) {
	if cls == nil {
		return nil, errors.New("classifier is required")
	}

	def := DefaultConfig()
	if cfg.MaxPending == 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.ProcessingTimeout == 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = def.DefaultCategory
	}
	if cfg.RecoveryCategory == "" {
		cfg.RecoveryCategory = def.RecoveryCategory
	}
	if !cfg.DefaultCategory.Valid() {
		return nil, fmt.Errorf("default category: %w: %q", domain.ErrUnknownCategory, cfg.DefaultCategory)
	}
	if !cfg.RecoveryCategory.Valid() {
		return nil, fmt.Errorf("recovery category: %w: %q", domain.ErrUnknownCategory, cfg.RecoveryCategory)
	}

	m := &DefaultManager{
		cfg:        cfg,
		classifier: cls,
		now:        time.Now,
		newID:      uuid.NewString,
		newReceipt: uuid.NewString,
		log:        slog.Default(),
		tracer:     otel.Tracer(tracerName),
		pending:    make(map[string]*domain.Message),
		processing: make(map[string]*domain.Message),
		running:    make(map[string]struct{}),
		dead:       make(map[string]*domain.Message),
		stats:      newStatsCollector(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "queue")
	return m, nil
}

// Enqueue appends a new pending message.
func (m *DefaultManager) Enqueue(ctx context.Context, payload any) (string, error) {
	if payload == nil {
		return "", ErrInvalidPayload
	}

	m.mu.Lock()
	if m.cfg.MaxPending > 0 && len(m.pendingOrder) >= m.cfg.MaxPending {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d pending", ErrQueueFull, m.cfg.MaxPending)
	}

	now := m.now()
	msg := &domain.Message{
		ID:        m.newID(),
		Payload:   payload,
		Status:    domain.MessageStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.pushPending(msg)
	events := []event{m.record(msg, "", "", "enqueued")}
	m.mu.Unlock()

	m.notify(events)
	m.log.Debug("Message enqueued", "id", msg.ID)
	return msg.ID, nil
}

// Claim moves a due pending message into processing.
func (m *DefaultManager) Claim(ctx context.Context, id string) (*domain.Message, error) {
	return m.claim(id, false)
}

// claim issues a new receipt handle. running marks the claim as owned by a
// live Process call so that recovery leaves it alone.
func (m *DefaultManager) claim(id string, running bool) (*domain.Message, error) {
	m.mu.Lock()
	msg, ok := m.pending[id]
	if !ok {
		err := m.locate(id, ErrNotPending)
		m.mu.Unlock()
		return nil, err
	}

	now := m.now()
	if !msg.DueAt(now) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s scheduled at %s", ErrNotDue, id, msg.NextProcessTime.Format(time.RFC3339))
	}
	if !CanTransition(msg.Status, domain.MessageStatusProcessing) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, msg.Status, domain.MessageStatusProcessing)
	}

	m.removePending(id)
	claimed := msg.Clone()
	from := claimed.Status
	claimed.Status = domain.MessageStatusProcessing
	claimed.ReceiptHandle = m.newReceipt()
	claimed.UpdatedAt = now
	m.processing[id] = claimed
	if running {
		m.running[claimed.ReceiptHandle] = struct{}{}
	}
	events := []event{m.record(claimed, from, "", "claimed")}
	out := claimed.Clone()
	m.mu.Unlock()

	m.notify(events)
	return out, nil
}

// Complete marks a processing message as completed. Completed messages are
// removed from every collection.
func (m *DefaultManager) Complete(ctx context.Context, id, receipt string) (*domain.Message, error) {
	m.mu.Lock()
	msg, err := m.owned(id, receipt)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	delete(m.processing, id)
	delete(m.running, receipt)
	done := msg.Clone()
	done.Status = domain.MessageStatusCompleted
	done.NextProcessTime = nil
	done.ReceiptHandle = ""
	done.UpdatedAt = m.now()
	events := []event{m.record(done, domain.MessageStatusProcessing, "", "completed")}
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordSuccess()
	}
	m.notify(events)
	return done, nil
}

// Fail runs a processing message through the failure path.
func (m *DefaultManager) Fail(
	ctx context.Context,
	id, receipt string,
	category domain.FailureCategory,
	cause error,
) (Result, error) {
	if !category.Valid() {
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, category)
	}

	m.mu.Lock()
	msg, err := m.owned(id, receipt)
	if err != nil {
		m.mu.Unlock()
		return Result{}, err
	}

	// Recorded before Classify so a tripping failure is already gated.
	if m.recorder != nil {
		m.recorder.RecordFailure(category)
	}

	now := m.now()
	failed := msg.Clone()
	failed.ReceiptHandle = ""
	failed.Attempts++
	failed.Status = domain.MessageStatusFailed
	failed.UpdatedAt = now
	if cause != nil {
		failed.LastError = cause.Error()
	}

	next, d, err := m.classifier.Classify(failed, category)
	if err != nil {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("failed to classify %s: %w", id, err)
	}

	delete(m.processing, id)
	delete(m.running, receipt)
	events := []event{m.record(failed, domain.MessageStatusProcessing, category, errorText(cause))}

	res := Result{Decision: d, Err: cause}
	switch d.Action {
	case classifier.ActionRetry:
		m.pushPending(next)
		res.Outcome = OutcomeRetry
		events = append(events, m.record(next, domain.MessageStatusFailed, category, string(d.Strategy)))
	default:
		m.pushDead(next)
		res.Outcome = OutcomeDeadLetter
		events = append(events, m.record(next, domain.MessageStatusFailed, category, d.Reason))
	}
	res.Message = next.Clone()
	m.mu.Unlock()

	m.notify(events)

	if res.Outcome == OutcomeDeadLetter {
		m.log.Warn("Message dead-lettered",
			"id", id,
			"category", category,
			"attempts", next.Attempts,
			"reason", d.Reason,
			"error", cause,
		)
	} else {
		m.log.Info("Message scheduled for retry",
			"id", id,
			"category", category,
			"attempt", d.Attempt,
			"delay", d.Delay,
			"error", cause,
		)
	}
	return res, nil
}

// Process claims a pending message, runs exec and applies the outcome.
//
// The executor runs outside the manager lock with ProcessingTimeout applied.
// An executor panic is treated as a failure of RecoveryCategory.
func (m *DefaultManager) Process(ctx context.Context, id string, exec Executor) (Result, error) {
	if exec == nil {
		return Result{}, ErrNilExecutor
	}

	ctx, span := m.tracer.Start(ctx, "queue.Process",
		trace.WithAttributes(attribute.String("message.id", id)))
	defer span.End()

	msg, err := m.claim(id, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return Result{}, err
	}
	receipt := msg.ReceiptHandle
	defer m.release(receipt)

	start := m.now()
	execErr := m.execute(ctx, msg.Payload, exec)
	span.SetAttributes(attribute.Int64("process.duration_ms", m.now().Sub(start).Milliseconds()))

	if execErr == nil {
		done, err := m.Complete(ctx, id, receipt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "complete failed")
			return Result{}, err
		}
		span.SetAttributes(attribute.String("process.outcome", string(OutcomeCompleted)))
		return Result{Message: done, Outcome: OutcomeCompleted}, nil
	}

	category, ok := classifier.ClassifyError(execErr)
	if !ok {
		category = m.cfg.DefaultCategory
	}

	res, err := m.Fail(ctx, id, receipt, category, execErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failure handling failed")
		return Result{}, err
	}

	span.RecordError(execErr)
	span.SetAttributes(
		attribute.String("process.outcome", string(res.Outcome)),
		attribute.String("failure.category", string(category)),
		attribute.Int("message.attempts", res.Message.Attempts),
	)
	return res, nil
}

// execute runs exec with the per-attempt timeout and converts panics into failures.
func (m *DefaultManager) execute(ctx context.Context, payload any, exec Executor) (err error) {
	if m.cfg.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProcessingTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewFailure(m.cfg.RecoveryCategory, fmt.Errorf("executor panic: %v", r))
		}
	}()

	err = exec.Execute(ctx, payload)
	if err != nil && ctx.Err() != nil {
		if _, ok := classifier.ClassifyError(err); !ok {
			err = domain.NewFailure(domain.FailureTimeout, err)
		}
	}
	return err
}

// RecoverProcessing fails every abandoned message in processing with
// RecoveryCategory. Claims held by a running Process call are skipped;
// externally claimed messages are abandoned unless completed or failed first.
func (m *DefaultManager) RecoverProcessing(ctx context.Context) (int, error) {
	m.mu.Lock()
	receipts := make(map[string]string, len(m.processing))
	ids := make([]string, 0, len(m.processing))
	inFlight := 0
	for id, msg := range m.processing {
		if _, ok := m.running[msg.ReceiptHandle]; ok {
			inFlight++
			continue
		}
		receipts[id] = msg.ReceiptHandle
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	slices.Sort(ids)

	cause := errors.New("interrupted while processing")
	recovered := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.Fail(ctx, id, receipts[id], m.cfg.RecoveryCategory, cause); err != nil {
			// Finished or reclaimed in the meantime.
			if errors.Is(err, ErrNotProcessing) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrStaleReceipt) {
				continue
			}
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
			continue
		}
		recovered++
	}

	m.mu.Lock()
	m.stats.stats.Recovered += uint64(recovered)
	m.mu.Unlock()

	m.log.Info("Recovered processing messages", "count", recovered, "in_flight", inFlight)
	return recovered, errors.Join(errs...)
}

// Health returns a snapshot of collection sizes.
func (m *DefaultManager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Health{
		Pending:    len(m.pendingOrder),
		Processing: len(m.processing),
		DeadLetter: len(m.deadOrder),
	}
}

// Get returns a copy of a message in any collection.
func (m *DefaultManager) Get(id string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg, ok := m.pending[id]; ok {
		return msg.Clone(), nil
	}
	if msg, ok := m.processing[id]; ok {
		return msg.Clone(), nil
	}
	if msg, ok := m.dead[id]; ok {
		return msg.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

// Due returns pending messages whose next process time has passed.
func (m *DefaultManager) Due(now time.Time, limit int) []*domain.Message {
	return m.DueMatching(now, limit, nil)
}

// DueMatching returns due messages accepted by keep. keep runs under the
// manager lock: it must not block, call back into the manager or retain msg.
func (m *DefaultManager) DueMatching(now time.Time, limit int, keep func(*domain.Message) bool) []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Message
	for _, id := range m.pendingOrder {
		msg := m.pending[id]
		if !msg.DueAt(now) {
			continue
		}
		if keep != nil && !keep(msg) {
			continue
		}
		out = append(out, msg.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// DeadLetters returns copies of the dead-letter store.
func (m *DefaultManager) DeadLetters() []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Message, 0, len(m.deadOrder))
	for _, id := range m.deadOrder {
		out = append(out, m.dead[id].Clone())
	}
	return out
}

// Stats returns lifetime counters and recent transitions.
func (m *DefaultManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.snapshot()
}

// OnTransition registers fn. Callbacks run outside the manager lock in the
// goroutine that caused the change.
func (m *DefaultManager) OnTransition(fn TransitionFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

type event struct {
	t   Transition
	msg *domain.Message
}

// record must be called with mu held.
func (m *DefaultManager) record(msg *domain.Message, from Status, category domain.FailureCategory, reason string) event {
	t := Transition{
		MessageID: msg.ID,
		From:      from,
		To:        msg.Status,
		Category:  category,
		Reason:    reason,
		Timestamp: msg.UpdatedAt,
	}
	if !t.IsValid() {
		// The manager only performs moves it has checked; this is a bug.
		m.log.Error("Invalid transition recorded", "id", msg.ID, "from", from, "to", msg.Status)
	}
	m.stats.record(t)
	return event{t: t, msg: msg.Clone()}
}

func (m *DefaultManager) notify(events []event) {
	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, e := range events {
		for _, fn := range observers {
			fn(e.t, e.msg)
		}
	}
}

// locate builds the error for an id that is not where the caller expected.
// Must be called with mu held.
func (m *DefaultManager) locate(id string, wrongPlace error) error {
	var where Status
	switch {
	case m.pending[id] != nil:
		where = m.pending[id].Status
	case m.processing[id] != nil:
		where = domain.MessageStatusProcessing
	case m.dead[id] != nil:
		where = domain.MessageStatusDeadLetter
	default:
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s", wrongPlace, id, where)
}

// owned returns the processing entry for id if receipt still owns it.
// Must be called with mu held.
func (m *DefaultManager) owned(id, receipt string) (*domain.Message, error) {
	msg, ok := m.processing[id]
	if !ok {
		return nil, m.locate(id, ErrNotProcessing)
	}
	if msg.ReceiptHandle != receipt {
		return nil, fmt.Errorf("%w: %s", ErrStaleReceipt, id)
	}
	return msg, nil
}

func (m *DefaultManager) release(receipt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, receipt)
}

func (m *DefaultManager) pushPending(msg *domain.Message) {
	m.pending[msg.ID] = msg
	m.pendingOrder = append(m.pendingOrder, msg.ID)
}

func (m *DefaultManager) removePending(id string) {
	delete(m.pending, id)
	if i := slices.Index(m.pendingOrder, id); i >= 0 {
		m.pendingOrder = slices.Delete(m.pendingOrder, i, i+1)
	}
}

func (m *DefaultManager) pushDead(msg *domain.Message) {
	m.dead[msg.ID] = msg
	m.deadOrder = append(m.deadOrder, msg.ID)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Manager = (*DefaultManager)(nil)
