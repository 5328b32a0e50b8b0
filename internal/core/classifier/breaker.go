package classifier

import (
	"sync"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

// CircuitBreaker answers "is it safe to retry now". Implementations must not
// block: Allow is called on the processing path.
type CircuitBreaker interface {
	Allow() bool
}

// AlwaysClosed is a breaker that never opens.
type AlwaysClosed struct{}

func (AlwaysClosed) Allow() bool { return true }

// BreakerFunc adapts a function to CircuitBreaker.
type BreakerFunc func() bool

func (f BreakerFunc) Allow() bool { return f() }

// OutcomeRecorder receives processing outcomes so a breaker can track health.
type OutcomeRecorder interface {
	RecordSuccess()
	RecordFailure(category domain.FailureCategory)
}

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a rolling-window Breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	// Categories counted as failures. Defaults to database only.
	Categories []domain.FailureCategory `yaml:"categories"`
}

// DefaultBreakerConfig opens after 5 database failures in a minute and
// probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		Categories:       []domain.FailureCategory{domain.FailureDatabase},
	}
}

// Breaker is a local circuit breaker fed by processing outcomes.
//
//	closed --threshold failures in window--> open
//	open --cooldown elapsed--> half_open
//	half_open --success--> closed, --failure--> open
type Breaker struct {
	cfg     BreakerConfig
	tracked map[domain.FailureCategory]struct{}
	now     func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	onChange func(from, to BreakerState)
}

// NewBreaker creates a Breaker. Zero fields in cfg fall back to defaults.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = def.Categories
	}
	if now == nil {
		now = time.Now
	}

	tracked := make(map[domain.FailureCategory]struct{}, len(cfg.Categories))
	for _, c := range cfg.Categories {
		tracked[c] = struct{}{}
	}

	return &Breaker{
		cfg:      cfg,
		tracked:  tracked,
		now:      now,
		failures: make([]time.Time, 0, cfg.FailureThreshold),
	}
}

// SetStateChangeCallback registers fn to be called on every state change.
func (b *Breaker) SetStateChangeCallback(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether retries are currently permitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current() != BreakerOpen
}

// State returns the current state. An open breaker whose cooldown has
// elapsed is reported, and moved to, half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current applies the cooldown transition. Must be called with mu held.
func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(BreakerHalfOpen)
	}
	return b.state
}

// RecordSuccess closes the breaker and clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a failure if its category is tracked.
func (b *Breaker) RecordFailure(category domain.FailureCategory) {
	if _, ok := b.tracked[category]; !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == BreakerHalfOpen {
		b.trip(now)
		return
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if b.state == BreakerClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.failures = b.failures[:0]
	b.setState(BreakerOpen)
}

// setState must be called with mu held.
func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
