// Package roomindex implements the broker's room index (component C):
// room name → member set, with empty-room garbage collection and the
// per-room cap.
package roomindex

import (
	"errors"
	"regexp"
	"sync"
)

// ErrInvalidName is returned by Join when roomName fails validation.
var ErrInvalidName = errors.New("invalid-room-name")

// ErrRoomFull is returned by Join when roomName is already at capacity.
var ErrRoomFull = errors.New("room-full")

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomName reports whether name satisfies the wire format's room name
// grammar.
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// Index is the single process-wide room → members table. Every operation
// below is atomic with respect to every other (§5: "single serializer per
// structure"); Join in particular is compound (leave-then-join) and must
// never let invariants 1 and 2 momentarily fail.
type Index struct {
	mu             sync.Mutex
	rooms          map[string]map[string]struct{} // roomName -> member ids
	memberOf       map[string]string              // clientID -> current roomName
	maxRoomClients int
}

// New creates an empty index enforcing maxRoomClients as the per-room cap.
// maxRoomClients <= 0 means unbounded.
func New(maxRoomClients int) *Index {
	return &Index{
		rooms:          make(map[string]map[string]struct{}),
		memberOf:       make(map[string]string),
		maxRoomClients: maxRoomClients,
	}
}

// Join validates roomName, leaves any room clientID currently occupies,
// and adds clientID to roomName. On success it returns the peer ids
// already in the room, excluding the joiner.
func (idx *Index) Join(clientID, roomName string) ([]string, error) {
	if !ValidRoomName(roomName) {
		return nil, ErrInvalidName
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.maxRoomClients > 0 {
		members := idx.rooms[roomName]
		if _, alreadyMember := members[clientID]; !alreadyMember && len(members) >= idx.maxRoomClients {
			return nil, ErrRoomFull
		}
	}

	idx.leaveLocked(clientID)

	members, ok := idx.rooms[roomName]
	if !ok {
		members = make(map[string]struct{})
		idx.rooms[roomName] = members
	}

	peers := make([]string, 0, len(members))
	for id := range members {
		peers = append(peers, id)
	}

	members[clientID] = struct{}{}
	idx.memberOf[clientID] = roomName
	return peers, nil
}

// Leave removes clientID from its current room, if any, deleting the room
// entry the instant it becomes empty. Returns the room name left, whether
// clientID had a room at all, and whether that room is now empty (its last
// local member just left).
func (idx *Index) Leave(clientID string) (roomName string, hadRoom bool, roomEmptied bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.leaveLocked(clientID)
}

func (idx *Index) leaveLocked(clientID string) (string, bool, bool) {
	roomName, ok := idx.memberOf[clientID]
	if !ok {
		return "", false, false
	}

	delete(idx.memberOf, clientID)
	emptied := false
	if members, ok := idx.rooms[roomName]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(idx.rooms, roomName)
			emptied = true
		}
	}
	return roomName, true, emptied
}

// Peers returns a snapshot of roomName's member ids, or nil if the room
// does not exist.
func (idx *Index) Peers(roomName string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	members, ok := idx.rooms[roomName]
	if !ok {
		return nil
	}
	peers := make([]string, 0, len(members))
	for id := range members {
		peers = append(peers, id)
	}
	return peers
}

// ResolveSameRoom reports whether senderID and targetID currently share a
// non-unset room (invariant 5, the same-room routing rule). Empty-string
// ids never resolve, even if both happen to be unset.
func (idx *Index) ResolveSameRoom(senderID, targetID string) bool {
	if senderID == "" || targetID == "" {
		return false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	senderRoom, ok := idx.memberOf[senderID]
	if !ok {
		return false
	}
	targetRoom, ok := idx.memberOf[targetID]
	if !ok {
		return false
	}
	return senderRoom == targetRoom
}

// RoomOf returns clientID's current room, or "" if it has none.
func (idx *Index) RoomOf(clientID string) string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.memberOf[clientID]
}

// Snapshot returns a copy of the full room → members table, for the
// status endpoint (component H).
func (idx *Index) Snapshot() map[string][]string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make(map[string][]string, len(idx.rooms))
	for room, members := range idx.rooms {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		out[room] = ids
	}
	return out
}
