// Package metrics provides Prometheus instrumentation for the duet relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of connected peers.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_connections_total",
		Help: "Current number of connected peers",
	})

	// EventsTotal counts relayed client events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_events_total",
		Help: "Client events handled by the relay",
	}, []string{"type"})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"}) // outcome = "persisted", "delivered", "rejected"

	// RateLimitedTotal counts actions refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_rate_limited_total",
		Help: "Actions refused by the rate limiter",
	}, []string{"action"})

	// QuizRevealsTotal counts reveals, labeled by whether the answers matched.
	QuizRevealsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_quiz_reveals_total",
		Help: "Quizzes revealed to both participants",
	}, []string{"matched"})

	// ActiveCalls tracks calls announced through this node and not yet ended.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_active_calls",
		Help: "Calls currently in progress on this node",
	})

	// EventLatency records relay handling latency in seconds.
	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_event_latency_seconds",
		Help:    "Relay event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		MessagesTotal,
		RateLimitedTotal,
		QuizRevealsTotal,
		ActiveCalls,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
