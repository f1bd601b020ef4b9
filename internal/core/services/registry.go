package services

import (
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"go.uber.org/zap"
)

// Registry is the server-side room registry: room → admitted members in
// arrival order, plus the mute roster. Rooms are created on first admit and
// destroyed when their member set empties. All mutations take the write lock
// because admit, broadcast and teardown interleave across goroutines.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID][]domain.UserID
	muteds map[domain.RoomID][]domain.UserID

	subMu   sync.Mutex
	subs    map[int]func(domain.MembershipSnapshot)
	nextSub int

	logger *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		rooms:  make(map[domain.RoomID][]domain.UserID),
		muteds: make(map[domain.RoomID][]domain.UserID),
		subs:   make(map[int]func(domain.MembershipSnapshot)),
		logger: logger,
	}
}

var _ ports.RoomRegistry = (*Registry)(nil)

// AddUser admits a user into a room, creating the room on first join.
// Returns false when the user is already a member: a UserID appears in a
// room's member set at most once.
func (r *Registry) AddUser(room domain.RoomID, user domain.UserID) bool {
	r.mu.Lock()
	for _, u := range r.rooms[room] {
		if u == user {
			r.mu.Unlock()
			r.logger.Warnw("user already in room", "room", room, "user", user)
			return false
		}
	}
	r.rooms[room] = append(r.rooms[room], user)
	snap := r.snapshotLocked(room)
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// RemoveUser drops a user from a room; the room itself is destroyed once
// its member set becomes empty.
func (r *Registry) RemoveUser(room domain.RoomID, user domain.UserID) bool {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return false
	}
	removed := false
	next := members[:0]
	for _, u := range members {
		if u == user {
			removed = true
			continue
		}
		next = append(next, u)
	}
	if !removed {
		r.mu.Unlock()
		return false
	}
	if len(next) == 0 {
		delete(r.rooms, room)
		delete(r.muteds, room)
	} else {
		r.rooms[room] = next
		r.removeMutedLocked(room, user)
	}
	snap := r.snapshotLocked(room)
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// Snapshot returns the current membership view of a room.
func (r *Registry) Snapshot(room domain.RoomID) (domain.MembershipSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.rooms[room]; !ok {
		return domain.MembershipSnapshot{}, false
	}
	return r.snapshotLocked(room), true
}

// SetMuted records the last-accepted mute state for a user. The registry is
// the single source of truth for the room's mute roster.
func (r *Registry) SetMuted(room domain.RoomID, user domain.UserID, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeMutedLocked(room, user)
	if muted {
		r.muteds[room] = append(r.muteds[room], user)
	}
}

// Subscribe registers a membership-changed listener and returns its
// unsubscribe handle.
func (r *Registry) Subscribe(fn func(domain.MembershipSnapshot)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// Rooms lists the currently live rooms.
func (r *Registry) Rooms() []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) snapshotLocked(room domain.RoomID) domain.MembershipSnapshot {
	snap := domain.MembershipSnapshot{Room: room}
	snap.Users = append(snap.Users, r.rooms[room]...)
	snap.Muteds = append(snap.Muteds, r.muteds[room]...)
	return snap
}

func (r *Registry) removeMutedLocked(room domain.RoomID, user domain.UserID) {
	next := r.muteds[room][:0]
	for _, u := range r.muteds[room] {
		if u != user {
			next = append(next, u)
		}
	}
	if len(next) == 0 {
		delete(r.muteds, room)
		return
	}
	r.muteds[room] = next
}

func (r *Registry) notify(snap domain.MembershipSnapshot) {
	r.subMu.Lock()
	fns := make([]func(domain.MembershipSnapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
