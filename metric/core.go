package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Breaker state values exported on the BreakerState gauge.
const (
	BreakerStateClosed   = 0
	BreakerStateOpen     = 1
	BreakerStateHalfOpen = 2
)

// Metrics contains the core statekit metrics shared across components.
// Component-specific metrics (e.g. per-cache counters) register separately
// through the MetricsRegistry.
type Metrics struct {
	// Connection pool metrics
	PoolConnectionsInUse prometheus.Gauge
	PoolConnectionsIdle  prometheus.Gauge
	PoolWaiters          prometheus.Gauge
	PoolAcquiresTotal    prometheus.Counter
	PoolAcquireTimeouts  prometheus.Counter
	PoolReconnects       prometheus.Counter

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Remote store metrics
	RemoteLatency *prometheus.HistogramVec
	RemoteErrors  *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRevoked prometheus.Counter
	SessionsEvicted prometheus.Counter

	// Rate limiter metrics
	RateLimitBlocks   prometheus.Counter
	RateLimitFailOpen prometheus.Counter

	// Cache warming metrics
	WarmingPasses prometheus.Counter
	WarmingErrors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PoolConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statekit",
				Subsystem: "pool",
				Name:      "connections_in_use",
				Help:      "Number of pooled connections currently lent out",
			},
		),

		PoolConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statekit",
				Subsystem: "pool",
				Name:      "connections_idle",
				Help:      "Number of idle pooled connections",
			},
		),

		PoolWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statekit",
				Subsystem: "pool",
				Name:      "waiters",
				Help:      "Number of callers waiting for a connection",
			},
		),

		PoolAcquiresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "pool",
				Name:      "acquires_total",
				Help:      "Total number of successful connection acquisitions",
			},
		),

		PoolAcquireTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "pool",
				Name:      "acquire_timeouts_total",
				Help:      "Total number of acquisitions that timed out waiting",
			},
		),

		PoolReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "pool",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts",
			},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "statekit",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"group"},
		),

		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"group", "to"},
		),

		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "breaker",
				Name:      "rejections_total",
				Help:      "Total number of calls rejected while the breaker was open",
			},
			[]string{"group"},
		),

		RemoteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "statekit",
				Subsystem: "remote",
				Name:      "latency_seconds",
				Help:      "Remote store command latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		RemoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "remote",
				Name:      "errors_total",
				Help:      "Total number of remote store command errors",
			},
			[]string{"operation"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statekit",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Number of live sessions tracked by this process",
			},
		),

		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "sessions",
				Name:      "created_total",
				Help:      "Total number of sessions created",
			},
		),

		SessionsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "sessions",
				Name:      "revoked_total",
				Help:      "Total number of sessions revoked",
			},
		),

		SessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "sessions",
				Name:      "evicted_total",
				Help:      "Total number of sessions evicted by the per-user cap",
			},
		),

		RateLimitBlocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "ratelimit",
				Name:      "blocks_total",
				Help:      "Total number of rate limit blocks installed",
			},
		),

		RateLimitFailOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "ratelimit",
				Name:      "fail_open_total",
				Help:      "Total number of rate limit checks allowed due to remote store errors",
			},
		),

		WarmingPasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "warmer",
				Name:      "passes_total",
				Help:      "Total number of cache warming passes",
			},
		),

		WarmingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statekit",
				Subsystem: "warmer",
				Name:      "errors_total",
				Help:      "Total number of cache warming strategy errors",
			},
			[]string{"strategy"},
		),
	}
}

// RecordBreakerState updates the breaker state gauge for a group
func (m *Metrics) RecordBreakerState(group string, state int) {
	m.BreakerState.WithLabelValues(group).Set(float64(state))
}

// RecordBreakerTransition increments the transition counter for a group
func (m *Metrics) RecordBreakerTransition(group, to string) {
	m.BreakerTransitions.WithLabelValues(group, to).Inc()
}

// RecordBreakerRejection increments the open-rejection counter for a group
func (m *Metrics) RecordBreakerRejection(group string) {
	m.BreakerRejections.WithLabelValues(group).Inc()
}

// RecordRemoteCommand records latency and optional error for a remote command
func (m *Metrics) RecordRemoteCommand(operation string, duration time.Duration, err error) {
	m.RemoteLatency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.RemoteErrors.WithLabelValues(operation).Inc()
	}
}

// RecordWarmingError increments the warming error counter for a strategy
func (m *Metrics) RecordWarmingError(strategy string) {
	m.WarmingErrors.WithLabelValues(strategy).Inc()
}
