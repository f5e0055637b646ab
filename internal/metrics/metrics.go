// Package metrics holds the Prometheus instruments for the event layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with EventsDropped.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonInvalid       = "invalid"
	ReasonUnknownEvent  = "unknown_event"
	ReasonMalformed     = "malformed"
	ReasonNotConnected  = "not_connected"
	ReasonMissingTarget = "missing_target"
	ReasonStoreError    = "store_error"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibemap_events_received_total",
			Help: "Inbound socket events by event name",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibemap_events_dropped_total",
			Help: "Inbound socket events that did not complete, by reason",
		},
		[]string{"event", "reason"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vibemap_active_connections",
			Help: "Currently registered WebSocket connections",
		},
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibemap_outbound_messages_total",
			Help: "Outbound messages queued, by event name",
		},
		[]string{"event"},
	)

	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vibemap_store_duration_seconds",
			Help:    "Latency of datastore calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vibemap_store_errors_total",
			Help: "Failed datastore calls, including timeouts and open breakers",
		},
		[]string{"store", "op"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vibemap_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
