// Package metrics provides Prometheus instrumentation for the direct-messaging
// server. It exposes gauges for live connections and registered users,
// counters for message throughput, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for MessagesTotal.
const (
	OutcomePersisted   = "persisted"   // entry stored
	OutcomeDelivered   = "delivered"   // pushed to at least one live connection
	OutcomeUndelivered = "undelivered" // stored, recipient offline
	OutcomeFailed      = "failed"      // resolve or append failed
	OutcomeRejected    = "rejected"    // validation or rate limit
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegisteredUsers tracks the number of users with a live presence entry.
	RegisteredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_registered_users",
		Help: "Current number of users registered to a live connection",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// PushFailures counts pushes to a registered connection that failed to write.
	PushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dm_push_failures_total",
		Help: "Pushes to a registered connection that failed",
	})

	// SendLatency records the time from an inbound send to the end of fan-out.
	SendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dm_send_latency_seconds",
		Help:    "Send handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"channel"}) // channel = "ws", "http"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredUsers,
		MessagesTotal,
		PushFailures,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
