package queue

import (
	"maps"

	"github.com/vietddude/retryq/internal/core/domain"
)

const transitionHistory = 10

// Stats holds lifetime counters for a manager.
type Stats struct {
	Enqueued     uint64                            `json:"enqueued"`
	Completed    uint64                            `json:"completed"`
	Retried      uint64                            `json:"retried"`
	DeadLettered uint64                            `json:"dead_lettered"`
	Recovered    uint64                            `json:"recovered"`
	Failures     map[domain.FailureCategory]uint64 `json:"failures"`
	// Most recent transitions, oldest first.
	RecentTransitions []Transition `json:"recent_transitions"`
}

// statsCollector is not safe for concurrent use; the manager guards it.
type statsCollector struct {
	stats       Stats
	transitions []Transition // ring buffer of recent transitions
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		stats:       Stats{Failures: make(map[domain.FailureCategory]uint64)},
		transitions: make([]Transition, 0, transitionHistory),
	}
}

func (sc *statsCollector) record(t Transition) {
	if len(sc.transitions) >= transitionHistory {
		// Shift elements left, drop oldest
		copy(sc.transitions, sc.transitions[1:])
		sc.transitions[len(sc.transitions)-1] = t
	} else {
		sc.transitions = append(sc.transitions, t)
	}

	switch t.To {
	case domain.MessageStatusPending:
		sc.stats.Enqueued++
	case domain.MessageStatusCompleted:
		sc.stats.Completed++
	case domain.MessageStatusFailed:
		sc.stats.Failures[t.Category]++
	case domain.MessageStatusRetry:
		sc.stats.Retried++
	case domain.MessageStatusDeadLetter:
		sc.stats.DeadLettered++
	}
}

func (sc *statsCollector) snapshot() Stats {
	s := sc.stats
	s.Failures = maps.Clone(sc.stats.Failures)
	s.RecentTransitions = make([]Transition, len(sc.transitions))
	copy(s.RecentTransitions, sc.transitions)
	return s
}
