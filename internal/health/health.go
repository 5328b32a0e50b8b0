// Package health provides queue health monitoring and the HTTP/gRPC surfaces.
package health

import (
	"time"

	"github.com/vietddude/retryq/internal/core/queue"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Thresholds decide when queue counts degrade the status.
type Thresholds struct {
	DegradedPending     int `yaml:"degraded_pending"`
	CriticalPending     int `yaml:"critical_pending"`
	DegradedDeadLetters int `yaml:"degraded_dead_letters"`
}

// DefaultThresholds returns thresholds sized for the default queue capacity.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedPending:     5000,
		CriticalPending:     9000,
		DegradedDeadLetters: 100,
	}
}

// Report contains the full system health report.
type Report struct {
	Status    SystemStatus   `json:"status"`
	Queue     queue.Health   `json:"queue"`
	Breaker   string         `json:"breaker,omitempty"`
	Archives  map[string]int `json:"archives,omitempty"`
	Stats     queue.Stats    `json:"stats"`
	Issues    []string       `json:"issues,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}
