package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/avery-oss/signalbroker/internal/frame"
	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/metrics"
	"github.com/avery-oss/signalbroker/internal/registry"
	"github.com/avery-oss/signalbroker/internal/roomindex"
)

var tracer = otel.Tracer("signalbroker/broker")

// Dispatch is the connection handler's single entry point for one inbound
// frame (§4.F). It decodes the frame (A), applies the rate limiter (D) to
// every frame regardless of what it decoded to, and only then routes by type.
func (b *Broker) Dispatch(ctx context.Context, senderID string, raw []byte) {
	ctx, span := tracer.Start(ctx, "dispatch.frame")
	defer span.End()

	rec, ok := b.Registry.Lookup(senderID)
	if !ok {
		return
	}

	start := time.Now()
	result := frame.Parse(raw, b.MaxPayloadBytes, rec.Room() != "")
	span.SetAttributes(attribute.String("room", rec.Room()))
	if result.Kind == frame.KindFrame {
		span.SetAttributes(attribute.String("frame.type", result.Frame.Type))
	}

	if !rec.Bucket.Allow() {
		metrics.RateLimitDropped.Inc()
		b.sendError(ctx, rec, "rate-limit", "")
		metrics.FramesTotal.WithLabelValues(dispatchLabel(result), "rate-limited").Inc()
		return
	}

	switch result.Kind {
	case frame.KindProtocolError:
		b.sendError(ctx, rec, "invalid-message", "")
		metrics.FramesTotal.WithLabelValues("unknown", "protocol-error").Inc()
	case frame.KindNonJSONPassthrough:
		b.broadcastRaw(rec, result.Raw)
		metrics.FramesTotal.WithLabelValues("raw", "ok").Inc()
	case frame.KindFrame:
		b.dispatchFrame(ctx, rec, result.Frame)
	}

	metrics.FrameProcessingDuration.WithLabelValues(dispatchLabel(result)).Observe(time.Since(start).Seconds())
}

func dispatchLabel(result frame.Result) string {
	switch result.Kind {
	case frame.KindFrame:
		return result.Frame.Type
	case frame.KindNonJSONPassthrough:
		return "raw"
	default:
		return "unknown"
	}
}

func (b *Broker) dispatchFrame(ctx context.Context, rec *registry.Record, f frame.Frame) {
	switch f.Type {
	case "join-room":
		b.handleJoinRoom(ctx, rec, f)
	case "leave-room":
		b.handleLeaveRoom(ctx, rec)
	default:
		if f.HasTo {
			b.handleRelay(ctx, rec, f)
		} else {
			b.handleFanout(ctx, rec, f)
		}
	}
}

func (b *Broker) handleJoinRoom(ctx context.Context, rec *registry.Record, f frame.Frame) {
	var room string
	if raw, ok := f.Fields["room"]; ok {
		_ = json.Unmarshal(raw, &room)
	}

	prev := rec.Room()
	peers, err := b.Rooms.Join(rec.ID, room)
	if err != nil {
		switch {
		case errors.Is(err, roomindex.ErrInvalidName):
			b.sendError(ctx, rec, "invalid-room-name", "")
		case errors.Is(err, roomindex.ErrRoomFull):
			b.sendError(ctx, rec, "room-full", "")
		}
		metrics.FramesTotal.WithLabelValues("join-room", "error").Inc()
		return
	}

	rec.SetRoom(room)

	// Join left prev first when switching rooms; keep its gauges and bus
	// subscription in step, as an explicit leave would.
	if prev != "" && prev != room {
		b.onRoomMembershipChanged(prev, b.Rooms.Peers(prev) == nil)
	}

	// len(peers) == 0 on a join from outside room means rec is this
	// instance's first local member of room: start relaying cross-instance
	// traffic for it before anyone else can join and publish into it.
	if len(peers) == 0 && prev != room {
		metrics.RoomOpened()
		b.subscribeRoom(room)
	}
	metrics.SetRoomParticipants(room, len(peers)+1)

	// Ordering fixed by §5: the joiner's own room-joined, then peer-joined
	// fanned out to the existing members, then room-peers back to the
	// joiner with the now-settled membership list.
	b.sendFrame(ctx, rec, "room-joined", map[string]any{"room": room})
	for _, peerID := range peers {
		if peer, ok := b.Registry.Lookup(peerID); ok {
			b.sendFrame(ctx, peer, "peer-joined", map[string]any{"peerId": rec.ID})
		}
	}
	b.sendFrame(ctx, rec, "room-peers", map[string]any{"peers": peers})

	metrics.FramesTotal.WithLabelValues("join-room", "ok").Inc()
}

func (b *Broker) handleLeaveRoom(ctx context.Context, rec *registry.Record) {
	roomName, had, emptied := b.Rooms.Leave(rec.ID)
	if !had {
		metrics.FramesTotal.WithLabelValues("leave-room", "noop").Inc()
		return
	}
	rec.SetRoom("")

	for _, peerID := range b.Rooms.Peers(roomName) {
		if peer, ok := b.Registry.Lookup(peerID); ok {
			b.sendFrame(ctx, peer, "peer-left", map[string]any{"peerId": rec.ID})
		}
	}
	b.onRoomMembershipChanged(roomName, emptied)
	b.sendFrame(ctx, rec, "room-left", map[string]any{"room": roomName})

	metrics.FramesTotal.WithLabelValues("leave-room", "ok").Inc()
}

func (b *Broker) handleRelay(ctx context.Context, rec *registry.Record, f frame.Frame) {
	room := rec.Room()

	if b.Rooms.ResolveSameRoom(rec.ID, f.To) {
		target, ok := b.Registry.Lookup(f.To)
		if !ok {
			b.sendError(ctx, rec, "target-unavailable-or-different-room", f.To)
			metrics.FramesTotal.WithLabelValues(f.Type, "error").Inc()
			return
		}

		withFrom, err := f.WithFrom(rec.ID)
		if err != nil {
			logging.Error(ctx, "failed to stamp relay frame", zap.Error(err))
			b.sendError(ctx, rec, "invalid-message", "")
			return
		}
		data, err := frame.Serialize(withFrom)
		if err != nil {
			metrics.RelayErrors.WithLabelValues("serialize").Inc()
			return
		}

		target.Sender.EnqueueFrame(data)
		metrics.FramesTotal.WithLabelValues(f.Type, "ok").Inc()
		return
	}

	// f.To isn't a local room member. In single-instance mode that's
	// final: the target does not exist. With the cross-instance bus
	// enabled, it may be a peer in the same named room on another
	// instance — publish it there rather than failing outright.
	if room == "" || b.Bus == nil {
		b.sendError(ctx, rec, "target-unavailable-or-different-room", f.To)
		metrics.FramesTotal.WithLabelValues(f.Type, "error").Inc()
		return
	}

	withFrom, err := f.WithFrom(rec.ID)
	if err != nil {
		logging.Error(ctx, "failed to stamp relay frame", zap.Error(err))
		b.sendError(ctx, rec, "invalid-message", "")
		return
	}
	data, err := frame.Serialize(withFrom)
	if err != nil {
		metrics.RelayErrors.WithLabelValues("serialize").Inc()
		return
	}

	if err := b.Bus.PublishRoom(ctx, room, f.Type, json.RawMessage(data), rec.ID, f.To); err != nil {
		logging.Warn(ctx, "cross-instance relay publish failed", zap.String("room", room), zap.Error(err))
		metrics.FramesTotal.WithLabelValues(f.Type, "error").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues(f.Type, "ok").Inc()
}

func (b *Broker) handleFanout(ctx context.Context, rec *registry.Record, f frame.Frame) {
	room := rec.Room()
	if room == "" {
		metrics.FramesTotal.WithLabelValues(f.Type, "noop").Inc()
		return
	}

	withFrom, err := f.WithFrom(rec.ID)
	if err != nil {
		logging.Error(ctx, "failed to stamp fan-out frame", zap.Error(err))
		return
	}
	data, err := frame.Serialize(withFrom)
	if err != nil {
		metrics.RelayErrors.WithLabelValues("serialize").Inc()
		return
	}

	for _, peerID := range b.Rooms.Peers(room) {
		if peerID == rec.ID {
			continue
		}
		if peer, ok := b.Registry.Lookup(peerID); ok {
			peer.Sender.EnqueueFrame(data)
		}
	}
	metrics.FramesTotal.WithLabelValues(f.Type, "ok").Inc()

	if b.Bus != nil {
		if err := b.Bus.PublishRoom(ctx, room, f.Type, json.RawMessage(data), rec.ID, ""); err != nil {
			logging.Warn(ctx, "cross-instance publish failed", zap.String("room", room), zap.Error(err))
		}
	}
}

func (b *Broker) broadcastRaw(rec *registry.Record, raw []byte) {
	room := rec.Room()
	if room == "" {
		return
	}
	for _, peerID := range b.Rooms.Peers(room) {
		if peerID == rec.ID {
			continue
		}
		if peer, ok := b.Registry.Lookup(peerID); ok {
			peer.Sender.EnqueueFrame(raw)
		}
	}
}
