// Package metrics exposes the broker's Prometheus collectors.
//
// Naming convention: namespace_subsystem_name
//   - namespace: signaling_broker (application-level grouping)
//   - subsystem: client, room, frame, rate_limit, redis (feature grouping)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveClients tracks the current number of admitted clients (Module B).
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling_broker",
		Subsystem: "client",
		Name:      "connections_active",
		Help:      "Current number of admitted client connections",
	})

	// ActiveRooms tracks the current number of non-empty rooms (Module C).
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling_broker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of non-empty rooms",
	})

	// RoomParticipants tracks membership size per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling_broker",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of clients currently in each room",
	}, []string{"room"})

	// FramesTotal tracks inbound frames the dispatcher has processed (Module F).
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling_broker",
		Subsystem: "frame",
		Name:      "frames_total",
		Help:      "Total inbound frames processed by the dispatcher",
	}, []string{"type", "outcome"})

	// FrameProcessingDuration tracks dispatcher latency per frame.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling_broker",
		Subsystem: "frame",
		Name:      "processing_seconds",
		Help:      "Time spent dispatching one inbound frame",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	}, []string{"type"})

	// RateLimitDropped tracks frames dropped by the per-client token bucket (Module D).
	RateLimitDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling_broker",
		Subsystem: "rate_limit",
		Name:      "dropped_total",
		Help:      "Total frames dropped for exceeding the per-client token bucket",
	})

	// RelayErrors tracks relay/broadcast failures (Module F/G).
	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling_broker",
		Subsystem: "relay",
		Name:      "errors_total",
		Help:      "Total relay or fan-out delivery failures",
	}, []string{"reason"})

	// HeartbeatEvictions tracks clients evicted by the liveness ticker (Module E).
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling_broker",
		Subsystem: "heartbeat",
		Name:      "evictions_total",
		Help:      "Total clients evicted for failing to answer a liveness ping",
	})

	// RedisOperationsTotal tracks cross-instance bus operations (optional Redis fan-out).
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling_broker",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations issued by the cross-instance bus",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks bus operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling_broker",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations issued by the cross-instance bus",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CircuitBreakerState tracks the bus circuit breaker (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling_broker",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the cross-instance bus circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks HTTP-surface rate limit rejections (ulule/limiter).
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling_broker",
		Subsystem: "http_rate_limit",
		Name:      "exceeded_total",
		Help:      "Total HTTP requests rejected by the status-surface rate limiter",
	}, []string{"endpoint"})
)

func IncClient() {
	ActiveClients.Inc()
}

func DecClient() {
	ActiveClients.Dec()
}

// SetRoomParticipants records room's current local membership size, called
// whenever the room index's membership changes (join/leave/disconnect).
func SetRoomParticipants(room string, count int) {
	RoomParticipants.WithLabelValues(room).Set(float64(count))
}

// RoomOpened records a room gaining its first local member.
func RoomOpened() {
	ActiveRooms.Inc()
}

// RoomClosed records a room losing its last local member; its participant
// gauge is removed rather than left at a stale zero.
func RoomClosed(room string) {
	ActiveRooms.Dec()
	RoomParticipants.DeleteLabelValues(room)
}
