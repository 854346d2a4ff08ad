// Package telemetry provides observability primitives for the Palantir broker.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the tunnel broker.
// Agent-side facts (reconnect attempts, queue depth) live in AgentMetrics,
// scraped from the agent's own status surface.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec // labels: outcome
	ErrorsTotal         *prometheus.CounterVec // labels: category
	RateLimitViolations prometheus.Counter
	CircuitStateChanges *prometheus.CounterVec // labels: upstream, to

	ActiveConnections prometheus.Gauge
	ConnectionsByTier *prometheus.GaugeVec // labels: tier
	CircuitState      *prometheus.GaugeVec // labels: upstream (0=closed, 1=open, 2=half_open)
	PendingRequests   prometheus.Gauge

	RequestLatency  prometheus.Histogram
	ThroughputBytes prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total tunneled requests by outcome.",
		}, []string{"outcome"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "errors_total",
			Help:      "Total errors by category.",
		}, []string{"category"}),

		RateLimitViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "rate_limit_violations_total",
			Help:      "Total rate limit violations.",
		}),

		CircuitStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "circuit_state_changes_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"upstream", "to"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_connections",
			Help:      "Currently connected agent sessions.",
		}),

		ConnectionsByTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "connections_by_tier",
			Help:      "Currently connected agent sessions by tier.",
		}, []string{"tier"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half_open).",
		}, []string{"upstream"}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "pending_requests",
			Help:      "Outstanding tunneled requests in the correlator.",
		}),

		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "palantir",
			Name:      "request_latency_ms",
			Help:      "End-to-end tunneled request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),

		ThroughputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "palantir",
			Name:      "throughput_bytes",
			Help:      "Bytes transferred per tunneled request (request + response body).",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ErrorsTotal,
		m.RateLimitViolations,
		m.CircuitStateChanges,
		m.ActiveConnections,
		m.ConnectionsByTier,
		m.CircuitState,
		m.PendingRequests,
		m.RequestLatency,
		m.ThroughputBytes,
	)

	return m
}

// AgentMetrics holds the Prometheus collectors exported by the agent's
// local status surface.
type AgentMetrics struct {
	ReconnectAttempts prometheus.Counter
	QueueFill         prometheus.Gauge
}

// NewAgentMetrics creates and registers the agent collectors.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	m := &AgentMetrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Subsystem: "agent",
			Name:      "reconnect_attempts_total",
			Help:      "Tunnel reconnection attempts.",
		}),
		QueueFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Subsystem: "agent",
			Name:      "queue_fill",
			Help:      "Request queue depth.",
		}),
	}
	reg.MustRegister(m.ReconnectAttempts, m.QueueFill)
	return m
}
