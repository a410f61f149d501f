// Package metrics provides Prometheus instrumentation for chatd: live
// connection and registration gauges, realtime event and fan-out counters,
// presence transitions and REST request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// RegisteredUsers tracks users present in the local connection registry.
	RegisteredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_registered_users",
		Help: "Users currently registered on this node",
	})

	// EventsTotal counts inbound realtime events by type and outcome.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Inbound realtime events",
	}, []string{"type", "outcome"}) // outcome = "ok", "error"

	// DeliveriesTotal counts fan-out pushes per recipient.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Fan-out pushes per recipient",
	}, []string{"event", "result"}) // result = "delivered", "not_local"

	// FanoutLatency records insert-to-last-push time for new messages.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_fanout_latency_seconds",
		Help:    "Time from accepting a message to the last live push",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceTransitions counts status changes by target status and cause.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_transitions_total",
		Help: "Presence status transitions",
	}, []string{"status", "cause"})

	// HTTPRequestsTotal counts REST requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_http_requests_total",
		Help: "REST requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration records REST latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "REST request latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredUsers,
		EventsTotal,
		DeliveriesTotal,
		FanoutLatency,
		PresenceTransitions,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
