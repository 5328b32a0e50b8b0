package health

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/vietddude/retryq/internal/core/classifier"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/infra/storage"
)

// BreakerStateSource exposes the circuit breaker state.
type BreakerStateSource interface {
	State() classifier.BreakerState
}

// Monitor aggregates health status from the queue, breaker and archives.
type Monitor struct {
	mgr        queue.Manager
	breaker    BreakerStateSource
	archives   map[string]storage.DeadLetterRepository
	thresholds Thresholds
	now        func() time.Time
}

// NewMonitor creates a new health monitor. breaker and archives may be nil.
func NewMonitor(
	mgr queue.Manager,
	breaker BreakerStateSource,
	archives map[string]storage.DeadLetterRepository,
	thresholds Thresholds,
) *Monitor {
	def := DefaultThresholds()
	if thresholds.DegradedPending <= 0 {
		thresholds.DegradedPending = def.DegradedPending
	}
	if thresholds.CriticalPending <= 0 {
		thresholds.CriticalPending = def.CriticalPending
	}
	if thresholds.DegradedDeadLetters <= 0 {
		thresholds.DegradedDeadLetters = def.DegradedDeadLetters
	}
	return &Monitor{
		mgr:        mgr,
		breaker:    breaker,
		archives:   archives,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Status returns the overall status from in-memory state only.
func (m *Monitor) Status() SystemStatus {
	status, _ := m.evaluate(m.mgr.Health())
	return status
}

// CheckHealth builds a detailed report, counting archived dead letters.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	h := m.mgr.Health()
	status, issues := m.evaluate(h)

	report := Report{
		Status:    status,
		Queue:     h,
		Stats:     m.mgr.Stats(),
		Issues:    issues,
		CheckedAt: m.now(),
	}
	if m.breaker != nil {
		report.Breaker = m.breaker.State().String()
	}

	if len(m.archives) > 0 {
		report.Archives = make(map[string]int, len(m.archives))
		names := make([]string, 0, len(m.archives))
		for name := range m.archives {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			count, err := m.archives[name].Count(ctx)
			if err != nil {
				// Archive outage never stops the queue
				report.Issues = append(report.Issues, fmt.Sprintf("archive %s unreachable: %v", name, err))
				if report.Status == StatusHealthy {
					report.Status = StatusDegraded
				}
				continue
			}
			report.Archives[name] = count
		}
	}
	return report
}

func (m *Monitor) evaluate(h queue.Health) (SystemStatus, []string) {
	var issues []string
	status := StatusHealthy

	if m.breaker != nil {
		switch m.breaker.State() {
		case classifier.BreakerOpen:
			status = StatusCritical
			issues = append(issues, "circuit breaker open")
		case classifier.BreakerHalfOpen:
			status = StatusDegraded
			issues = append(issues, "circuit breaker half-open")
		}
	}

	if h.Pending >= m.thresholds.CriticalPending {
		status = StatusCritical
		issues = append(issues, fmt.Sprintf("pending backlog %d", h.Pending))
	} else if h.Pending >= m.thresholds.DegradedPending {
		status = worst(status, StatusDegraded)
		issues = append(issues, fmt.Sprintf("pending backlog %d", h.Pending))
	}

	if h.DeadLetter >= m.thresholds.DegradedDeadLetters {
		status = worst(status, StatusDegraded)
		issues = append(issues, fmt.Sprintf("%d dead letters", h.DeadLetter))
	}
	return status, issues
}

func worst(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
