package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesEnqueued tracks total messages accepted by the queue
	MessagesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retryq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
	)

	// MessagesCompleted tracks total messages processed successfully
	MessagesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retryq_messages_completed_total",
			Help: "Total number of messages completed",
		},
	)

	// MessageFailures tracks failed attempts per category
	MessageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retryq_message_failures_total",
			Help: "Total number of failed processing attempts",
		},
		[]string{"category"},
	)

	// MessagesRetried tracks retries scheduled per category and strategy
	MessagesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retryq_messages_retried_total",
			Help: "Total number of retries scheduled",
		},
		[]string{"category", "strategy"},
	)

	// MessagesDeadLettered tracks dead-lettered messages per category and reason
	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retryq_messages_dead_lettered_total",
			Help: "Total number of messages moved to the dead-letter store",
		},
		[]string{"category", "reason"},
	)

	// RetryDelay tracks the scheduled delay before a retry
	RetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retryq_retry_delay_seconds",
			Help:    "Delay between a failure and the next eligible attempt",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"category"},
	)

	// ProcessingDuration tracks executor latency per outcome
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retryq_processing_duration_seconds",
			Help:    "Processing attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks the size of each collection
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retryq_queue_depth",
			Help: "Number of messages per collection",
		},
		[]string{"collection"},
	)

	// CircuitBreakerState is 0 closed, 1 open, 2 half-open
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retryq_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	// ArchiveWrites tracks dead letter archive writes per sink
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retryq_archive_writes_total",
			Help: "Total number of dead letter archive writes",
		},
		[]string{"sink", "result"},
	)

	// ArchivePruned tracks archived dead letters removed by retention
	ArchivePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retryq_archive_pruned_total",
			Help: "Total number of archived dead letters pruned",
		},
		[]string{"sink"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retryq_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the maximum",
		},
	)
)
