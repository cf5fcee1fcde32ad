// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// GenerationStreamDuration tracks how long a reply took to stream.
	GenerationStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_stream_duration_seconds",
			Help:    "Generation backend streaming duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "outcome"},
	)

	// GenerationTokensTotal counts token fragments relayed to clients.
	GenerationTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_total",
			Help: "Token fragments received from the generation backend",
		},
		[]string{"provider"},
	)

	// StreamsInFlight tracks relays between persist and terminal state.
	StreamsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_in_flight",
			Help: "Replies currently streaming",
		},
	)

	// SendsRejected counts sends refused before streaming.
	SendsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sends_rejected_total",
			Help: "Sends rejected before streaming started",
		},
		[]string{"reason"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ContextCacheLookups counts window reads by result.
	ContextCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_cache_lookups_total",
			Help: "Context window reads by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	// AccessDenied counts ownership check failures.
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_access_denied_total",
			Help: "Ownership check failures by reason",
		},
		[]string{"reason"},
	)

	// SessionsCreated tracks sessions created.
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total sessions created",
		},
		[]string{"mode"},
	)

	// MessagesTotal tracks messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// EventsPublished counts session events sent to the broker.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_events_published_total",
			Help: "Session events published",
		},
		[]string{"type", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordGeneration records one finished reply stream.
func RecordGeneration(provider, outcome string, duration float64, tokens int) {
	GenerationStreamDuration.WithLabelValues(provider, outcome).Observe(duration)
	GenerationTokensTotal.WithLabelValues(provider).Add(float64(tokens))
}

// RecordCacheLookup counts a context window read.
func RecordCacheLookup(result string) {
	ContextCacheLookups.WithLabelValues(result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
