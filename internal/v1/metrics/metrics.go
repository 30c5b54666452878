// Package metrics declares the Prometheus instruments for the signaling
// hub.
//
// Naming convention: namespace_subsystem_name
//   - namespace: signalhub (application-level grouping)
//   - subsystem: connection, room, router, handshake, ratelimit, admission,
//     circuit_breaker
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the current count of live connections across
	// all rooms (Gauge - current state).
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of active connections",
	})

	// ActiveRooms is the current count of non-empty rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of rooms with at least one member",
	})

	// RoomMembers tracks current membership per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "room",
		Name:      "members",
		Help:      "Current number of members in each room",
	}, []string{"room_id"})

	// FramesRouted counts frames the router dispatched, by type and
	// outcome (delivered, delivered_no_recipients, dropped_rate_limited,
	// dropped_no_room, dropped_disallowed_type, dropped_no_target,
	// dropped_no_recipient).
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "router",
		Name:      "frames_total",
		Help:      "Total frames processed by the router",
	}, []string{"type", "outcome"})

	// HandshakeOutcomes counts handshake completions by result.
	HandshakeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "handshake",
		Name:      "outcomes_total",
		Help:      "Total handshake attempts by result",
	}, []string{"result"})

	// RateLimitExceeded counts rejections by scope (per-connection
	// message limiter vs. connect-time admission limiter).
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by a rate limiter",
	}, []string{"scope"})

	// ConnectAttempts counts admission pipeline outcomes by stage.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "admission",
		Name:      "attempts_total",
		Help:      "Total connection admission attempts by outcome",
	}, []string{"outcome"})

	// CircuitBreakerState mirrors the connect-rate limiter's Redis
	// circuit breaker state. 0: Closed, 1: Open, 2: Half-Open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// FrameProcessingDuration tracks router dispatch latency.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signalhub",
		Subsystem: "router",
		Name:      "processing_seconds",
		Help:      "Time spent routing a frame to its recipients",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"type"})
)

// IncConnection records a newly admitted connection.
func IncConnection() {
	ActiveConnections.Inc()
}

// DecConnection records a closed connection.
func DecConnection() {
	ActiveConnections.Dec()
}
