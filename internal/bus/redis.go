// Package bus provides optional cross-instance fan-out for the broker.
//
// A single broker process keeps every client and room purely in memory
// (spec: no persistence, no delivery guarantees). Running more than one
// broker process behind a load balancer means a relay or fan-out frame
// addressed to a peer connected to a different instance can't be resolved
// locally. When REDIS_ENABLED=true, bus.Service publishes frames the local
// dispatcher can't resolve to a room-scoped Redis Pub/Sub channel, and every
// instance subscribes to the rooms it has local members in. A circuit
// breaker degrades a Redis outage to single-instance-only routing rather
// than blocking the dispatcher: nothing is persisted, so a dropped frame
// during an outage is indistinguishable from ordinary best-effort delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/avery-oss/signalbroker/internal/metrics"
)

// Envelope is the container a frame is wrapped in when it crosses the bus.
type Envelope struct {
	RoomID     string          `json:"roomId,omitempty"`
	TargetID   string          `json:"targetId,omitempty"` // set for "to"-addressed relays
	SenderID   string          `json:"senderId"`            // prevents the publishing instance echoing its own frame back
	FrameType  string          `json:"frameType"`
	RawPayload json.RawMessage `json:"payload"`
}

// Service handles all interaction with the optional Redis fan-out bus.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, or nil in single-instance mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and wraps it in a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to redis fan-out bus", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("broker:room:%s", roomID)
}

// PublishRoom fans a frame out to every other instance subscribed to roomID.
// targetID is set for a "to"-addressed relay the local instance could not
// resolve itself, empty for a room-wide fan-out. Returns nil (not an error)
// when the circuit is open or the bus is disabled, matching the broker's
// best-effort delivery semantics.
func (s *Service) PublishRoom(ctx context.Context, roomID, frameType string, raw json.RawMessage, senderID, targetID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		env := Envelope{RoomID: roomID, TargetID: targetID, SenderID: senderID, FrameType: frameType, RawPayload: raw}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})
	metrics.RedisOperationDuration.WithLabelValues("publish_room").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.RedisOperationsTotal.WithLabelValues("publish_room", "circuit_open").Inc()
			slog.Warn("redis bus circuit open: dropping room fan-out", "room", roomID)
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish_room", "error").Inc()
		slog.Error("redis bus publish failed", "room", roomID, "error", err)
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish_room", "success").Inc()
	return nil
}

// Subscribe starts a background goroutine relaying messages published by
// other instances to roomID into handler. The caller is responsible for
// cancelling ctx when the local instance has no more members in the room.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis bus channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis bus subscription channel closed", "channel", channel)
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("failed to unmarshal bus envelope", "error", err)
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping checks bus connectivity, used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.RedisOperationsTotal.WithLabelValues("ping", "circuit_open").Inc()
	}
	return err
}

// Close gracefully shuts down the bus's Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
