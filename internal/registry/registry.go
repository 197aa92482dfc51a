// Package registry tracks which participants belong to which room.
//
// Rooms are created implicitly on the first join and deleted when the last
// participant leaves. A participant is identified by an opaque, transport-
// issued Handle and belongs to at most one room at a time.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Handle identifies one live connection. It is minted by the transport layer
// on connect, is never reused after disconnect, and has equality semantics
// only; callers must not construct or parse one.
type Handle string

// Member is a participant snapshot as seen by other room members.
type Member struct {
	Handle   Handle
	Name     string
	JoinedAt time.Time
}

// ErrAlreadyJoined is returned when a handle that is already registered in a
// room attempts another join. Clients must leave first.
var ErrAlreadyJoined = errors.New("handle already joined a room")

// Registry is the authoritative room membership table.
//
// A single mutex guards the whole table: membership operations are tiny map
// updates, so serializing them globally is simpler than per-room locking and
// still guarantees that all mutations touching one room are ordered.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]map[Handle]Member
	byHandle map[Handle]string

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]map[Handle]Member),
		byHandle: make(map[Handle]string),
		now:      time.Now,
	}
}

// Join registers handle in room, creating the room if absent, and returns a
// snapshot of the members that existed before this join (never including the
// joiner itself), ordered by join time. The registry is fully updated before
// the snapshot is returned; no caller can observe a partial join.
func (r *Registry) Join(room string, handle Handle, name string) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHandle[handle]; ok {
		return nil, ErrAlreadyJoined
	}

	members := r.rooms[room]
	if members == nil {
		members = make(map[Handle]Member)
		r.rooms[room] = members
	}

	existing := snapshotLocked(members)

	members[handle] = Member{Handle: handle, Name: name, JoinedAt: r.now()}
	r.byHandle[handle] = room

	return existing, nil
}

// Leave removes handle from room. It reports the removed member and whether
// the handle was actually registered there; leaving a room one is not in is a
// no-op, not an error, because an explicit leave may race with a disconnect.
func (r *Registry) Leave(room string, handle Handle) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byHandle[handle] != room {
		return Member{}, false
	}
	return r.removeLocked(room, handle), true
}

// Disconnect removes handle from whichever room contains it, if any. Safe to
// call after an explicit Leave for the same handle.
func (r *Registry) Disconnect(handle Handle) (room string, m Member, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok = r.byHandle[handle]
	if !ok {
		return "", Member{}, false
	}
	return room, r.removeLocked(room, handle), true
}

// Members returns the current member snapshot for room, ordered by join time.
// An unknown room yields an empty slice.
func (r *Registry) Members(room string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotLocked(r.rooms[room])
}

// Room returns the room currently containing handle.
func (r *Registry) Room(handle Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.byHandle[handle]
	return room, ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ParticipantCount returns the number of registered participants across all
// rooms.
func (r *Registry) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}

func (r *Registry) removeLocked(room string, handle Handle) Member {
	members := r.rooms[room]
	m := members[handle]
	delete(members, handle)
	delete(r.byHandle, handle)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return m
}

func snapshotLocked(members map[Handle]Member) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}
