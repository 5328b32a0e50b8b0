package metrics

import (
	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/core/queue"
)

// ObserveTransition updates counters from a queue transition.
// It has the queue.TransitionFunc signature.
func ObserveTransition(t queue.Transition, msg *domain.Message) {
	category := string(t.Category)

	switch t.To {
	case domain.MessageStatusPending:
		MessagesEnqueued.Inc()
	case domain.MessageStatusCompleted:
		MessagesCompleted.Inc()
	case domain.MessageStatusFailed:
		MessageFailures.WithLabelValues(category).Inc()
	case domain.MessageStatusRetry:
		MessagesRetried.WithLabelValues(category, t.Reason).Inc()
		if msg != nil && msg.NextProcessTime != nil {
			RetryDelay.WithLabelValues(category).Observe(msg.NextProcessTime.Sub(t.Timestamp).Seconds())
		}
	case domain.MessageStatusDeadLetter:
		MessagesDeadLettered.WithLabelValues(category, t.Reason).Inc()
	}
}

// ObserveHealth sets the queue depth gauges.
func ObserveHealth(h queue.Health) {
	QueueDepth.WithLabelValues("pending").Set(float64(h.Pending))
	QueueDepth.WithLabelValues("processing").Set(float64(h.Processing))
	QueueDepth.WithLabelValues("dead_letter").Set(float64(h.DeadLetter))
}
