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
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventsPublishedTotal tracks events published into conversation channels.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_published_total",
			Help: "Total events published into conversation channels",
		},
		[]string{"kind"},
	)

	// SubscriberDropsTotal tracks events dropped for slow subscribers.
	SubscriberDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_subscriber_drops_total",
			Help: "Events dropped because a subscriber queue was full",
		},
		[]string{"policy"},
	)

	// ChannelsActive tracks live conversation channels.
	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_channels_active",
			Help: "Number of live conversation channels",
		},
	)

	// ChannelsEvictedTotal tracks channels removed by the idle sweep.
	ChannelsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_channels_evicted_total",
			Help: "Conversation channels evicted for inactivity",
		},
	)

	// MessagesTotal tracks inbound chat messages by outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Inbound chat messages by outcome",
		},
		[]string{"status"},
	)

	// EngineReportsTotal tracks progress reports received from the agent engine.
	EngineReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reports_total",
			Help: "Progress reports received from the agent engine",
		},
		[]string{"kind"},
	)

	// EngineTurnDuration tracks the duration of agent turns.
	EngineTurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_turn_duration_seconds",
			Help:    "Agent turn duration",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"engine", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SessionStoreErrorsTotal tracks transcript persistence failures.
	SessionStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_store_errors_total",
			Help: "Transcript store operation failures",
		},
		[]string{"backend", "op"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for one completed agent turn.
func RecordTurn(engine, status string, duration float64) {
	EngineTurnDuration.WithLabelValues(engine, status).Observe(duration)
}

// RecordTokens records LLM token usage.
func RecordTokens(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
