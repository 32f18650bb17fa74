package room

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cory-johannsen/roomchat/internal/chat/protocol"
)

// Options configures a Registry.
type Options struct {
	// MaxRooms caps the number of live rooms; 0 means unlimited.
	MaxRooms int
	// MultiRoom allows a member to belong to several rooms at once. When false,
	// joining a room implicitly leaves the previous one.
	MultiRoom bool
	// Now overrides the clock used for room creation times.
	Now func() time.Time
}

// JoinResult describes the outcome of Registry.Join.
type JoinResult struct {
	Room *Room
	// AlreadyMember is true when the join was a no-op.
	AlreadyMember bool
	// Left lists rooms the member implicitly left, in the order they were left.
	Left []*Room
}

// Registry owns every live room by id.
// All methods are safe for concurrent use.
type Registry struct {
	opts Options
	now  func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		opts:  opts,
		now:   now,
		rooms: make(map[string]*Room),
	}
}

// CreateRoom registers a new empty room with a fresh id.
//
// Precondition: name must already be validated.
// Postcondition: Returns the new room, or a CapacityExceeded error when MaxRooms rooms are live.
func (g *Registry) CreateRoom(name string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opts.MaxRooms > 0 && len(g.rooms) >= g.opts.MaxRooms {
		return nil, protocol.Errorf(protocol.CodeCapacityExceeded, "room limit of %d reached", g.opts.MaxRooms)
	}
	r := newRoom(uuid.NewString(), name, g.now())
	g.rooms[r.id] = r
	return r, nil
}

// GetRoom returns the room for id.
//
// Postcondition: Returns (room, true) if found, or (nil, false) otherwise.
func (g *Registry) GetRoom(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// RemoveRoomIfEmpty deletes the room when it has no members.
// A removed room is closed and rejects further joins.
//
// Postcondition: Returns true if the room was removed.
func (g *Registry) RemoveRoomIfEmpty(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[id]
	if !ok {
		return false
	}
	if !r.closeIfEmpty() {
		return false
	}
	delete(g.rooms, id)
	return true
}

// Join adds m to the room id, applying the membership policy.
//
// In single-room mode m first leaves every other room it belongs to. If the
// target room is removed between that and the join, the result is NotFound and
// m is left without a room.
//
// A member closed concurrently is refused with ErrMemberClosed. Closing a
// Session marks it closed before its release hook reads Rooms, so a join either
// lands before that snapshot and is undone by the release, or is refused.
//
// Precondition: m must be non-nil.
// Postcondition: Returns the join outcome, or a NotFound error when the room
// does not exist.
func (g *Registry) Join(m Member, id string) (JoinResult, error) {
	r, ok := g.GetRoom(id)
	if !ok {
		return JoinResult{}, protocol.Errorf(protocol.CodeNotFound, "room %s not found", id)
	}
	if r.Has(m.ID()) {
		return JoinResult{Room: r, AlreadyMember: true}, nil
	}

	var left []*Room
	if !g.opts.MultiRoom {
		for _, prevID := range m.Rooms() {
			if prevID == id {
				continue
			}
			if prev, err := g.Leave(m, prevID); err == nil {
				left = append(left, prev)
			}
		}
	}

	joined, err := r.Join(m)
	if err != nil {
		return JoinResult{Left: left}, err
	}
	return JoinResult{Room: r, AlreadyMember: !joined, Left: left}, nil
}

// Leave removes m from the room id and removes the room if it became empty.
//
// Postcondition: Returns the room left, or a NotMember error when m was not in it.
func (g *Registry) Leave(m Member, id string) (*Room, error) {
	r, ok := g.GetRoom(id)
	if !ok || !r.Leave(m) {
		return nil, protocol.Errorf(protocol.CodeNotMember, "not a member of room %s", id)
	}
	g.RemoveRoomIfEmpty(id)
	return r, nil
}

// Release removes m from every room it belongs to. It is the session close hook.
//
// Postcondition: m belongs to no room; rooms it emptied are removed.
func (g *Registry) Release(m Member) {
	for _, id := range m.Rooms() {
		_, _ = g.Leave(m, id)
	}
}

// Rooms returns a snapshot of the live rooms ordered by creation time.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	rooms := lo.Values(g.rooms)
	g.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *Room) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return rooms
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// ReapIdle removes every empty room created before cutoff.
//
// Postcondition: Returns the ids of the removed rooms.
func (g *Registry) ReapIdle(cutoff time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []string
	for id, r := range g.rooms {
		if r.createdAt.Before(cutoff) && r.closeIfEmpty() {
			delete(g.rooms, id)
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}
