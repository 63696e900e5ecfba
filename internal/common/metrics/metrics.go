package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connector metrics

	// ConnectorState tracks the lifecycle state of each connector
	// 0 = disconnected, 1 = connected, 2 = started, 3 = disposed
	ConnectorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "Connector state (0=disconnected, 1=connected, 2=started, 3=disposed)",
		},
		[]string{"connector"},
	)

	// ConnectorExceptionsReported tracks provider faults reported to the connector
	ConnectorExceptionsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "lifecycle",
			Name:      "exceptions_reported_total",
			Help:      "Total provider exceptions reported to the connector",
		},
		[]string{"connector"},
	)

	// ConnectorEscalations tracks reconnect escalations fired after debouncing
	ConnectorEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "lifecycle",
			Name:      "escalations_total",
			Help:      "Total connection-failure escalations",
		},
		[]string{"connector"},
	)

	// ReconnectAttempts tracks reconnect attempts made by the retry policy
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Total reconnect attempts",
		},
		[]string{"connector", "result"}, // result: success, failed, rejected
	)

	// ReconnectCircuitBreakerState tracks the reconnect circuit breaker
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	ReconnectCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "reconnect",
			Name:      "circuit_breaker_state",
			Help:      "Reconnect circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"connector"},
	)

	// Redelivery metrics

	// RedeliveryOutcomes tracks redelivery tracker verdicts
	RedeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "redelivery",
			Name:      "outcomes_total",
			Help:      "Redelivery tracker verdicts",
		},
		[]string{"strategy", "verdict"}, // verdict: accept, reject
	)

	// Session cache metrics

	// SessionCacheLookups tracks cached session and producer lookups
	SessionCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "session_cache",
			Name:      "lookups_total",
			Help:      "Session cache lookups",
		},
		[]string{"kind", "result"}, // kind: session, producer; result: hit, miss
	)

	// SessionCacheResets tracks cache resets triggered by provider exceptions
	SessionCacheResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "session_cache",
			Name:      "resets_total",
			Help:      "Session cache resets after provider exceptions",
		},
	)

	// Deferred close metrics

	// DeferredCloseQueueDepth tracks resources waiting to be closed
	DeferredCloseQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "closer",
			Name:      "queue_depth",
			Help:      "Resources waiting in the deferred close queue",
		},
		[]string{"closer"},
	)

	// DeferredCloses tracks deferred close results
	DeferredCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "closer",
			Name:      "closes_total",
			Help:      "Resources closed by the deferred closer",
		},
		[]string{"closer", "result"}, // result: closed, failed
	)

	// Receiver metrics

	// ReceiverMessagesProcessed tracks messages processed by receivers
	ReceiverMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "receiver",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by receivers",
		},
		[]string{"receiver", "result"}, // result: success, failed, poison
	)

	// ReceiverProcessingDuration tracks message processing duration
	ReceiverProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "connector",
			Subsystem: "receiver",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"receiver"},
	)

	// ReceiverSubUnits tracks started consumer sub-units
	ReceiverSubUnits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "receiver",
			Name:      "started_sub_units",
			Help:      "Number of started consumer sub-units",
		},
		[]string{"receiver"},
	)

	// ReceiverActiveWorkers tracks workers currently dispatching
	ReceiverActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "receiver",
			Name:      "active_workers",
			Help:      "Number of workers currently dispatching a message",
		},
		[]string{"receiver"},
	)

	// ReceiverRateLimitWaits tracks dispatches delayed by the rate limiter
	ReceiverRateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "receiver",
			Name:      "rate_limit_waits_total",
			Help:      "Total dispatches delayed by rate limiting",
		},
		[]string{"receiver"},
	)

	// Dispatcher metrics

	// DispatcherMessagesSent tracks outbound sends
	DispatcherMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "dispatcher",
			Name:      "messages_sent_total",
			Help:      "Total messages sent by dispatchers",
		},
		[]string{"destination", "result"}, // result: success, failed
	)

	// DeadLetterMessages tracks poison messages written to a dead-letter sink
	DeadLetterMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "deadletter",
			Name:      "messages_total",
			Help:      "Poison messages handed to the dead-letter sink",
		},
		[]string{"sink", "result"},
	)

	// Mediator metrics

	// MediatorHTTPRequests tracks HTTP requests made by the mediator
	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	// MediatorHTTPDuration tracks HTTP request duration
	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "connector",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerState tracks circuit breaker state
	MediatorCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "mediator",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// MediatorCircuitBreakerTrips tracks circuit breaker trip events
	MediatorCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
