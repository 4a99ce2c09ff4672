// Package metrics provides Prometheus instrumentation for the chat backend.
// It exposes gauges for connection and session counts, counters for message
// and delivery throughput, and a histogram for history append latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of open WebSocket
	// connections on this instance.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtchat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsJoined tracks the number of connections currently joined to a
	// room on this instance.
	SessionsJoined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtchat_sessions_joined",
		Help: "Current number of sessions joined to a room",
	})

	// MessagesTotal counts accepted inbound chat traffic, labeled by kind:
	// "room", "private", or "typing".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtchat_messages_total",
		Help: "Total number of accepted chat messages",
	}, []string{"kind"})

	// DeliveriesTotal counts events written to local sockets after bus
	// fan-out (room broadcasts and direct deliveries).
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtchat_deliveries_total",
		Help: "Total number of fan-out events delivered to local connections",
	})

	// HistoryAppendSeconds records message log append latency in seconds.
	HistoryAppendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtchat_history_append_seconds",
		Help:    "Message log append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ReportsFiled counts abuse reports published to the moderator feed.
	ReportsFiled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtchat_reports_filed_total",
		Help: "Total number of abuse reports filed",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		SessionsJoined,
		MessagesTotal,
		DeliveriesTotal,
		HistoryAppendSeconds,
		ReportsFiled,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
