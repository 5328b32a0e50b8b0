package classifier

import (
	"fmt"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

// Strategy names how a category is retried while under its ceiling.
type Strategy string

const (
	StrategyExponential    Strategy = "exponential_backoff"
	StrategyFixed          Strategy = "fixed_delay"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyResourceWait   Strategy = "resource_wait"
	StrategyDeadLetter     Strategy = "dead_letter"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExponential, StrategyFixed, StrategyCircuitBreaker, StrategyResourceWait, StrategyDeadLetter:
		return true
	}
	return false
}

// Policy is the retry rule for one failure category.
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	Strategy   Strategy      `yaml:"strategy"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`  // exponential only
	Multiplier float64       `yaml:"multiplier"` // exponential only
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[domain.FailureCategory]Policy {
	return map[domain.FailureCategory]Policy{
		domain.FailureTimeout: {
			MaxRetries: 3,
			Strategy:   StrategyExponential,
			BaseDelay:  5 * time.Second,
			MaxDelay:   300 * time.Second,
			Multiplier: 2,
		},
		domain.FailureNetwork: {
			MaxRetries: 5,
			Strategy:   StrategyExponential,
			BaseDelay:  10 * time.Second,
			MaxDelay:   600 * time.Second,
			Multiplier: 2,
		},
		domain.FailureDatabase: {
			MaxRetries: 3,
			Strategy:   StrategyCircuitBreaker,
			BaseDelay:  5 * time.Minute,
		},
		domain.FailureValidation: {
			MaxRetries: 1,
			Strategy:   StrategyDeadLetter,
		},
		domain.FailureResource: {
			MaxRetries: 2,
			Strategy:   StrategyResourceWait,
			BaseDelay:  1 * time.Minute,
		},
		domain.FailureBusiness: {
			MaxRetries: 0,
			Strategy:   StrategyDeadLetter,
		},
	}
}

// Merge returns p with every non-zero field of o applied over it. A zero
// MaxRetries cannot be expressed as an override; use StrategyDeadLetter.
func (p Policy) Merge(o Policy) Policy {
	if o.MaxRetries != 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.Strategy != "" {
		p.Strategy = o.Strategy
	}
	if o.BaseDelay != 0 {
		p.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay != 0 {
		p.MaxDelay = o.MaxDelay
	}
	if o.Multiplier != 0 {
		p.Multiplier = o.Multiplier
	}
	return p
}

// Delay returns the wait before the given attempt (1-based, within the category).
func (p Policy) Delay(attempt int) time.Duration {
	switch p.Strategy {
	case StrategyExponential:
		return ExponentialDelay(p.BaseDelay, p.MaxDelay, p.Multiplier, attempt)
	case StrategyDeadLetter:
		return 0
	default:
		return p.BaseDelay
	}
}

// Validate checks that the policy can produce a future retry time.
func (p Policy) Validate() error {
	if !p.Strategy.Valid() {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.Strategy == StrategyDeadLetter {
		return nil
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("%s requires a positive base delay", p.Strategy)
	}
	if p.Strategy == StrategyExponential {
		if p.Multiplier < 1 {
			return fmt.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
		}
		if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
			return fmt.Errorf("max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
		}
	}
	return nil
}
