package queue

import (
	"errors"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

// Status is an alias for domain.MessageStatus for internal use.
type Status = domain.MessageStatus

// ErrInvalidTransition is returned when an invalid status transition is attempted.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions defines allowed status transitions.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[Status][]Status{
	domain.MessageStatusPending:    {domain.MessageStatusProcessing},
	domain.MessageStatusRetry:      {domain.MessageStatusProcessing},
	domain.MessageStatusProcessing: {domain.MessageStatusCompleted, domain.MessageStatusFailed},
	domain.MessageStatusFailed:     {domain.MessageStatusRetry, domain.MessageStatusDeadLetter},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition records one status change of one message.
type Transition struct {
	MessageID string                 `json:"message_id"`
	From      Status                 `json:"from,omitempty"` // empty for enqueue
	To        Status                 `json:"to"`
	Category  domain.FailureCategory `json:"category,omitempty"` // set on failure transitions
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// IsValid returns true if this transition is allowed by the state machine.
// Enqueue (empty From into pending) is always valid.
func (t Transition) IsValid() bool {
	if t.From == "" {
		return t.To == domain.MessageStatusPending
	}
	return CanTransition(t.From, t.To)
}

// StatusDescription returns a human-readable description of a status.
func StatusDescription(s Status) string {
	switch s {
	case domain.MessageStatusPending:
		return "Pending - queued, waiting for first attempt"
	case domain.MessageStatusProcessing:
		return "Processing - claimed by a worker"
	case domain.MessageStatusRetry:
		return "Retry - queued again after a failure"
	case domain.MessageStatusCompleted:
		return "Completed - processed successfully"
	case domain.MessageStatusFailed:
		return "Failed - attempt failed, awaiting classification"
	case domain.MessageStatusDeadLetter:
		return "Dead letter - no further attempts"
	default:
		return "Unknown status"
	}
}
