// Package presence tracks which users are reachable in which room and the
// live transport handle used to push signals to each of them.
package presence

import (
	"sync"

	"github.com/talkio/signaling-relay/internal/signal"
)

// Handle is the live connection used to push envelopes to one participant.
// Push must be safe for concurrent use; a failed push means the participant
// is gone and the caller treats it as unreachable.
type Handle interface {
	Push(env signal.Envelope) error
}

// Participant is one (room, user, handle) entry.
type Participant struct {
	RoomID string
	UserID string
	Handle Handle
}

// Registry is the authoritative presence table. All access is serialized by
// a single mutex; per-room cardinality is small so finer locking buys
// nothing. The underlying maps are never exposed.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Handle),
	}
}

// Join registers handle for (roomID, userID), creating the room on first
// join. A user holds at most one live handle per room: rejoining replaces
// the previous one, which is returned so the caller can close it.
//
// The returned slice is the room's current membership excluding the joiner,
// so callers can decide whom to target.
func (r *Registry) Join(roomID, userID string, handle Handle) (others []Participant, replaced Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]Handle)
		r.rooms[roomID] = room
	}

	replaced = room[userID]
	room[userID] = handle

	for id, h := range room {
		if id == userID {
			continue
		}
		others = append(others, Participant{RoomID: roomID, UserID: id, Handle: h})
	}
	return others, replaced
}

// Leave removes (roomID, userID). The room itself is deleted once empty so
// repeated join/leave cycles do not leak rooms.
func (r *Registry) Leave(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

// LeaveIfCurrent removes (roomID, userID) only while handle is still the
// registered one, so a replaced connection's teardown cannot evict its
// successor. Reports whether the entry was removed.
func (r *Registry) LeaveIfCurrent(roomID, userID string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || room[userID] != handle {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// Resolve looks up the live handle for (roomID, userID). ok=false means the
// target is unreachable; it is not an error, the caller simply delivers
// nothing.
func (r *Registry) Resolve(roomID, userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	h, ok := room[userID]
	return h, ok
}

// Others returns the room's current membership excluding userID.
func (r *Registry) Others(roomID, userID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Participant
	for id, h := range r.rooms[roomID] {
		if id == userID {
			continue
		}
		out = append(out, Participant{RoomID: roomID, UserID: id, Handle: h})
	}
	return out
}

// RoomCount reports the number of tracked rooms. Used by tests and metrics.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
