// Package broker ties the registry, room index, and rate limiter into the
// explicit dependency spec.md calls for (§9: "ambient singletons → explicit
// dependency"): one Broker value, passed to every connection handler,
// replacing the reference's process-global maps and ticker.
package broker

import (
	"context"
	"sync"

	"github.com/avery-oss/signalbroker/internal/bus"
	"github.com/avery-oss/signalbroker/internal/frame"
	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/metrics"
	"github.com/avery-oss/signalbroker/internal/ratelimit"
	"github.com/avery-oss/signalbroker/internal/registry"
	"github.com/avery-oss/signalbroker/internal/roomindex"
	"go.uber.org/zap"
)

// Broker owns the registry (B), the room index (C), and the rate limiter
// parameters (D). A Broker is created once per process (or once per test
// case) and passed explicitly to every connection handler.
type Broker struct {
	Registry *registry.Registry
	Rooms    *roomindex.Index

	// Bus is the optional cross-instance fan-out; nil in single-instance
	// mode, in which case every operation below behaves exactly as if it
	// did not exist.
	Bus *bus.Service

	MaxPayloadBytes   int
	MessageRatePerSec float64
	MessageBurst      int

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc // room -> cancel for its bus subscription
}

// New builds a Broker over fresh registry and room index instances.
func New(maxClients, maxRoomClients, maxPayloadBytes int, ratePerSec float64, burst int, busService *bus.Service) *Broker {
	return &Broker{
		Registry:          registry.New(maxClients),
		Rooms:             roomindex.New(maxRoomClients),
		Bus:               busService,
		MaxPayloadBytes:   maxPayloadBytes,
		MessageRatePerSec: ratePerSec,
		MessageBurst:      burst,
		subs:              make(map[string]context.CancelFunc),
	}
}

// Admit registers a newly accepted connection, allocating its token bucket
// from the broker's configured rate and burst.
func (b *Broker) Admit(sender registry.Sender) (*registry.Record, error) {
	bucket := ratelimit.NewBucket(b.MessageRatePerSec, b.MessageBurst)
	return b.Registry.Admit(sender, bucket)
}

// Disconnect performs the room and registry teardown for a client whose
// stream has already ended on its own (normal close, read error): leave
// its room (fanning out peer-left to anyone left), then remove it from
// the registry. It does not touch the stream itself.
func (b *Broker) Disconnect(ctx context.Context, clientID string) {
	_, ok := b.Registry.Lookup(clientID)
	if !ok {
		return
	}

	roomName, had, emptied := b.Rooms.Leave(clientID)
	if had {
		for _, peerID := range b.Rooms.Peers(roomName) {
			if peer, ok := b.Registry.Lookup(peerID); ok {
				b.sendFrame(ctx, peer, "peer-left", map[string]any{"peerId": clientID})
			}
		}
		b.onRoomMembershipChanged(roomName, emptied)
	}
	b.Registry.Remove(clientID)
}

// Evict implements liveness.Evictor: it performs the same teardown as
// Disconnect and then force-closes the stream, for a client that failed to
// answer a liveness ping.
func (b *Broker) Evict(ctx context.Context, clientID string) {
	rec, ok := b.Registry.Lookup(clientID)
	if !ok {
		return
	}
	b.Disconnect(ctx, clientID)
	rec.Sender.Close(1000, "heartbeat timeout")
}

// CloseAll sends a normal-close frame to every admitted client, for
// graceful shutdown (§5: "closes all client write paths with a normal
// close code"). It does not wait for streams to drain; the caller bounds
// that with its own grace period.
func (b *Broker) CloseAll(reason string) {
	for _, rec := range b.Registry.Snapshot() {
		rec.Sender.Close(1000, reason)
	}
}

// Status is the read-only snapshot served by the status endpoint (§4.H).
type Status struct {
	TotalClients int                 `json:"totalClients"`
	Clients      []string            `json:"clients"`
	Rooms        map[string][]string `json:"rooms"`
}

// Snapshot builds a Status from the registry and room index. Tolerates
// transient inconsistency by design (a client may appear in Clients but
// not yet in any room).
func (b *Broker) Snapshot() Status {
	ids := b.Registry.IDs()
	return Status{
		TotalClients: len(ids),
		Clients:      ids,
		Rooms:        b.Rooms.Snapshot(),
	}
}

func (b *Broker) sendFrame(ctx context.Context, rec *registry.Record, typ string, fields map[string]any) {
	data, err := frame.New(typ, fields)
	if err != nil {
		logging.Error(ctx, "failed to build outgoing frame", zap.String("frame_type", typ), zap.Error(err))
		return
	}
	rec.Sender.EnqueueFrame(data)
}

func (b *Broker) sendError(ctx context.Context, rec *registry.Record, message, to string) {
	fields := map[string]any{"message": message}
	if to != "" {
		fields["to"] = to
	}
	b.sendFrame(ctx, rec, "error", fields)
}

// onRoomMembershipChanged keeps the room gauges and the optional
// cross-instance bus subscription in step with roomindex's own lifecycle:
// emptied means this instance just lost its last local member in room.
func (b *Broker) onRoomMembershipChanged(room string, emptied bool) {
	if emptied {
		metrics.RoomClosed(room)
		b.unsubscribeRoom(room)
		return
	}
	metrics.SetRoomParticipants(room, len(b.Rooms.Peers(room)))
}

// subscribeRoom starts relaying cross-instance traffic for room into local
// members, the first time this instance gains a local member in it. A no-op
// in single-instance mode (b.Bus == nil) or if already subscribed.
func (b *Broker) subscribeRoom(room string) {
	if b.Bus == nil {
		return
	}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if _, ok := b.subs[room]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.subs[room] = cancel
	b.Bus.Subscribe(ctx, room, nil, func(env bus.Envelope) {
		b.deliverEnvelope(room, env)
	})
}

// unsubscribeRoom stops relaying room once this instance has no local
// members left in it.
func (b *Broker) unsubscribeRoom(room string) {
	if b.Bus == nil {
		return
	}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if cancel, ok := b.subs[room]; ok {
		cancel()
		delete(b.subs, room)
	}
}

// deliverEnvelope hands a frame published by another instance to this
// instance's local members of room. An envelope whose SenderID is a local
// client is this instance's own publish echoed back by the bus; its local
// members already have it, so it is dropped. A non-empty TargetID restricts
// delivery to that one local member (a relay the origin instance couldn't
// resolve itself); otherwise it fans out to every local member except
// SenderID.
func (b *Broker) deliverEnvelope(room string, env bus.Envelope) {
	if _, local := b.Registry.Lookup(env.SenderID); local {
		return
	}
	if env.TargetID != "" {
		if peer, ok := b.Registry.Lookup(env.TargetID); ok {
			peer.Sender.EnqueueFrame(env.RawPayload)
		}
		return
	}
	for _, peerID := range b.Rooms.Peers(room) {
		if peerID == env.SenderID {
			continue
		}
		if peer, ok := b.Registry.Lookup(peerID); ok {
			peer.Sender.EnqueueFrame(env.RawPayload)
		}
	}
}
