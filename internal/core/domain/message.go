package domain

import (
	"maps"
	"time"
)

// MessageStatus is the lifecycle state of a queued message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusRetry      MessageStatus = "retry"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusDeadLetter MessageStatus = "dead_letter"
)

// IsTerminal reports whether no further transition is possible.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusCompleted || s == MessageStatusDeadLetter
}

// FailureRecord describes the most recent failure of a message.
type FailureRecord struct {
	Category  FailureCategory `json:"category"`
	Timestamp time.Time       `json:"timestamp"`
	Attempt   int             `json:"attempt"` // attempt number within Category
	Error     string          `json:"error,omitempty"`
}

// Message is the envelope moved through the queue. Payload is opaque.
type Message struct {
	ID                    string                  `json:"id"`
	Payload               any                     `json:"payload"`
	Status                MessageStatus           `json:"status"`
	Attempts              int                     `json:"attempts"`
	FailureCounts         map[FailureCategory]int `json:"failure_counts,omitempty"`
	LastFailure           *FailureRecord          `json:"last_failure,omitempty"`
	NextProcessTime       *time.Time              `json:"next_process_time,omitempty"`
	RequiresResourceCheck bool                    `json:"requires_resource_check,omitempty"`
	// ReceiptHandle identifies the current claim. Set only while processing.
	ReceiptHandle         string                  `json:"receipt_handle,omitempty"`
	LastError             string                  `json:"last_error,omitempty"`
	CreatedAt             time.Time               `json:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

// FailureCount returns the number of recorded failures for c.
func (m *Message) FailureCount(c FailureCategory) int {
	return m.FailureCounts[c]
}

// DueAt reports whether the message may be picked up at now.
func (m *Message) DueAt(now time.Time) bool {
	return m.NextProcessTime == nil || !now.Before(*m.NextProcessTime)
}

// Clone returns a deep copy. The payload itself is shared since it is never mutated.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	c := *m
	if m.FailureCounts != nil {
		c.FailureCounts = maps.Clone(m.FailureCounts)
	}
	if m.LastFailure != nil {
		lf := *m.LastFailure
		c.LastFailure = &lf
	}
	if m.NextProcessTime != nil {
		t := *m.NextProcessTime
		c.NextProcessTime = &t
	}
	return &c
}
