// Package registry implements the broker's client registry (component B):
// id assignment, id → record lookup, and the global client cap.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/avery-oss/signalbroker/internal/ratelimit"
)

// ErrOverloaded is returned by Admit when the registry is at MAX_CLIENTS.
var ErrOverloaded = errors.New("overloaded")

// Sender is the connection handler's write-path capability, as seen by the
// registry, the dispatcher, and the liveness checker. The registry never
// writes to a transport directly; every delivery goes through Sender.
type Sender interface {
	// EnqueueFrame hands a frame to the client's bounded outbound queue.
	// Non-blocking: a full queue terminates the client rather than
	// applying back-pressure to the caller.
	EnqueueFrame(data []byte)
	// SendPing issues a transport-level liveness ping. An error means the
	// stream is already dead.
	SendPing() error
	// Close tears down the underlying stream with the given close code.
	Close(code int, reason string)
}

// Record is one admitted client. Fields mutated across goroutines (Alive)
// use their own synchronization; Room is mutated only by the dispatcher,
// which processes one client's frames sequentially, so it needs no lock of
// its own beyond the one guarding concurrent reads from the status
// endpoint and the liveness ticker.
type Record struct {
	ID     string
	Sender Sender
	Bucket *ratelimit.Bucket

	alive atomic.Bool

	roomMu sync.RWMutex
	room   string
}

// Alive reports whether the client answered the previous liveness ping.
func (r *Record) Alive() bool { return r.alive.Load() }

// SetAlive is called on admission, on each pong, and (to false) by each
// heartbeat tick.
func (r *Record) SetAlive(alive bool) { r.alive.Store(alive) }

// Room returns the client's current room name, or "" if unset.
func (r *Record) Room() string {
	r.roomMu.RLock()
	defer r.roomMu.RUnlock()
	return r.room
}

// SetRoom updates the cached room name. Called by the dispatcher
// immediately after a successful roomindex.Join or Leave so Record.Room
// stays in lockstep with the room index (invariant 1).
func (r *Record) SetRoom(room string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	r.room = room
}

// Registry is the single process-wide client table. All access is
// serialized by one mutex (§5: "single serializer per structure").
type Registry struct {
	mu         sync.Mutex
	clients    map[string]*Record
	maxClients int
}

// New creates an empty registry enforcing maxClients as the global
// admission cap. maxClients <= 0 means unbounded.
func New(maxClients int) *Registry {
	return &Registry{
		clients:    make(map[string]*Record),
		maxClients: maxClients,
	}
}

// Admit generates a fresh id and inserts a record, or returns ErrOverloaded
// if the registry is already at capacity. The returned id is valid for
// Lookup before Admit returns, satisfying §4.B's ordering guarantee.
func (reg *Registry) Admit(sender Sender, bucket *ratelimit.Bucket) (*Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.maxClients > 0 && len(reg.clients) >= reg.maxClients {
		return nil, ErrOverloaded
	}

	rec := &Record{ID: uuid.New().String(), Sender: sender, Bucket: bucket}
	rec.SetAlive(true)
	reg.clients[rec.ID] = rec
	return rec, nil
}

// Lookup returns the record for id, or (nil, false) if not admitted or
// already removed.
func (reg *Registry) Lookup(id string) (*Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.clients[id]
	return rec, ok
}

// Remove deletes id from the registry. Idempotent.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.clients, id)
}

// Count returns the number of currently admitted clients.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.clients)
}

// AtCapacity reports whether the registry is already at MAX_CLIENTS, for the
// connection handler's capacity check (§4.G step 1), which runs right after
// the WebSocket upgrade so the rejection can carry a close code. The
// authoritative check still happens atomically inside Admit; this is an
// early, non-blocking rejection for the common case.
func (reg *Registry) AtCapacity() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.maxClients > 0 && len(reg.clients) >= reg.maxClients
}

// IDs returns a snapshot of every admitted client id, for the status
// endpoint (component H). Order is unspecified.
func (reg *Registry) IDs() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ids := make([]string, 0, len(reg.clients))
	for id := range reg.clients {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of every admitted record, for the liveness
// checker to walk without holding the registry lock for the whole tick.
func (reg *Registry) Snapshot() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	recs := make([]*Record, 0, len(reg.clients))
	for _, rec := range reg.clients {
		recs = append(recs, rec)
	}
	return recs
}
