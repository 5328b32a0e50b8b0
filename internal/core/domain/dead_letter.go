package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// DeadLetter is the archived form of a dead-lettered message.
type DeadLetter struct {
	MessageID      string                  `json:"message_id"`
	Payload        json.RawMessage         `json:"payload,omitempty"`
	Attempts       int                     `json:"attempts"`
	FailureCounts  map[FailureCategory]int `json:"failure_counts,omitempty"`
	Category       FailureCategory         `json:"category"`
	Reason         string                  `json:"reason"`
	LastError      string                  `json:"last_error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	DeadLetteredAt time.Time               `json:"dead_lettered_at"`
}

// NewDeadLetter builds an archive record from a terminal message.
// The payload is JSON-encoded; payloads that cannot be encoded are stored as a string.
func NewDeadLetter(msg *Message, reason string) (*DeadLetter, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.Status != MessageStatusDeadLetter {
		return nil, fmt.Errorf("message %s is %s, not dead-lettered", msg.ID, msg.Status)
	}

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%v", msg.Payload))
	}

	dl := &DeadLetter{
		MessageID:      msg.ID,
		Payload:        raw,
		Attempts:       msg.Attempts,
		FailureCounts:  make(map[FailureCategory]int, len(msg.FailureCounts)),
		Reason:         reason,
		LastError:      msg.LastError,
		CreatedAt:      msg.CreatedAt,
		DeadLetteredAt: msg.UpdatedAt,
	}
	for c, n := range msg.FailureCounts {
		dl.FailureCounts[c] = n
	}
	if msg.LastFailure != nil {
		dl.Category = msg.LastFailure.Category
	}
	return dl, nil
}

// Categories returns the categories seen for this message, sorted.
func (d *DeadLetter) Categories() []string {
	out := make([]string, 0, len(d.FailureCounts))
	for c := range d.FailureCounts {
		out = append(out, string(c))
	}
	slices.Sort(out)
	return out
}
