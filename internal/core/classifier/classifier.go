package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

// ErrNilMessage is returned when Classify is called without a message.
var ErrNilMessage = errors.New("nil message")

// Action is what the queue should do with a failed message.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
)

// Dead-letter reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonNonRetryable     = "non_retryable"
	ReasonCircuitOpen      = "circuit_open"
)

// Decision is the outcome of classifying one failure.
type Decision struct {
	Action   Action
	Strategy Strategy
	Delay    time.Duration
	Reason   string
	Category domain.FailureCategory
	Attempt  int // failure count for Category, including this one
}

// Retry reports whether the message goes back to the pending queue.
func (d Decision) Retry() bool { return d.Action == ActionRetry }

// Classifier turns a failure category into a retry decision.
// It holds no per-message state and is safe for concurrent use.
type Classifier struct {
	policies map[domain.FailureCategory]Policy
	breaker  CircuitBreaker
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithBreaker sets the breaker consulted by the circuit-breaker strategy.
func WithBreaker(b CircuitBreaker) Option {
	return func(c *Classifier) {
		if b != nil {
			c.breaker = b
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPolicies overrides individual category policies. Non-zero fields of an
// override replace the default for that category; the rest are kept.
func WithPolicies(overrides map[domain.FailureCategory]Policy) Option {
	return func(c *Classifier) {
		for cat, p := range overrides {
			c.policies[cat] = c.policies[cat].Merge(p)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Classifier with the default policy table.
func New(opts ...Option) (*Classifier, error) {
	c := &Classifier{
		policies: DefaultPolicies(),
		breaker:  AlwaysClosed{},
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "classifier")

	for cat, p := range c.policies {
		if !cat.Valid() {
			return nil, fmt.Errorf("policy for %q: %w", cat, domain.ErrUnknownCategory)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %s: %w", cat, err)
		}
	}
	for _, cat := range []domain.FailureCategory{domain.FailureValidation, domain.FailureBusiness} {
		if c.policies[cat].Strategy != StrategyDeadLetter {
			return nil, fmt.Errorf("policy for %s: category is never retried", cat)
		}
	}
	if s := c.policies[domain.FailureDatabase].Strategy; s != StrategyCircuitBreaker {
		return nil, fmt.Errorf("policy for %s: strategy must be %s, got %s", domain.FailureDatabase, StrategyCircuitBreaker, s)
	}
	return c, nil
}

// Policy returns the active policy for category.
func (c *Classifier) Policy(category domain.FailureCategory) (Policy, bool) {
	p, ok := c.policies[category]
	return p, ok
}

// Classify records one failure of category on a copy of msg and decides
// whether it is retried or dead-lettered. msg itself is never modified.
func (c *Classifier) Classify(msg *domain.Message, category domain.FailureCategory) (*domain.Message, Decision, error) {
	if msg == nil {
		return nil, Decision{}, ErrNilMessage
	}
	policy, ok := c.policies[category]
	if !ok {
		return nil, Decision{}, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, category)
	}

	now := c.now()
	next := msg.Clone()
	if next.FailureCounts == nil {
		next.FailureCounts = make(map[domain.FailureCategory]int, 1)
	}
	next.FailureCounts[category]++
	count := next.FailureCounts[category]
	next.LastFailure = &domain.FailureRecord{
		Category:  category,
		Timestamp: now,
		Attempt:   count,
		Error:     next.LastError,
	}

	d := c.decide(policy, category, count)

	switch d.Action {
	case ActionDeadLetter:
		next.Status = domain.MessageStatusDeadLetter
		next.NextProcessTime = nil
		next.RequiresResourceCheck = false
	case ActionRetry:
		at := now.Add(d.Delay)
		next.Status = domain.MessageStatusRetry
		next.NextProcessTime = &at
		next.RequiresResourceCheck = d.Strategy == StrategyResourceWait
	}
	next.UpdatedAt = now

	c.log.Debug("Failure classified",
		"id", next.ID,
		"category", category,
		"attempt", count,
		"action", d.Action,
		"delay", d.Delay,
		"reason", d.Reason,
	)
	return next, d, nil
}

func (c *Classifier) decide(p Policy, category domain.FailureCategory, count int) Decision {
	d := Decision{
		Strategy: p.Strategy,
		Category: category,
		Attempt:  count,
	}

	switch {
	case count > p.MaxRetries:
		d.Action = ActionDeadLetter
		d.Reason = ReasonRetriesExhausted
	case p.Strategy == StrategyDeadLetter:
		d.Action = ActionDeadLetter
		d.Reason = ReasonNonRetryable
	case p.Strategy == StrategyCircuitBreaker && !c.breaker.Allow():
		d.Action = ActionDeadLetter
		d.Reason = ReasonCircuitOpen
	default:
		d.Action = ActionRetry
		d.Delay = p.Delay(count)
	}
	return d
}
