// Package room implements chat rooms and the registry that owns them.
//
// Lock order is always Registry.mu before Room.mu. Room methods never call
// back into the Registry.
package room

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cory-johannsen/roomchat/internal/chat/protocol"
)

// Member is a participant that can be routed to. *session.Session satisfies it.
type Member interface {
	ID() string
	DisplayName() string
	// Send must not block.
	Send(payload []byte) error
	// JoinedRoom records the membership and reports whether the member still
	// accepts one. A closed member must answer false from then on.
	JoinedRoom(roomID string) bool
	LeftRoom(roomID string)
	Rooms() []string
}

// ErrMemberClosed is returned when a member that has already been released
// tries to join a room.
var ErrMemberClosed = errors.New("room: member is closed")

// Delivery summarizes one Broadcast.
type Delivery struct {
	// Delivered counts members whose queue accepted the payload.
	Delivered int
	// Dropped counts members whose Send failed.
	Dropped int
}

// Room is a named, insertion-ordered set of members.
// All methods are safe for concurrent use.
type Room struct {
	id        string
	name      string
	createdAt time.Time

	mu      sync.Mutex
	members []Member
	closed  bool
}

func newRoom(id, name string, createdAt time.Time) *Room {
	return &Room{id: id, name: name, createdAt: createdAt}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Name returns the display name given at creation.
func (r *Room) Name() string { return r.name }

// CreatedAt returns the creation time.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Join adds m to the room and notifies the existing members.
//
// Precondition: m must be non-nil.
// Postcondition: Returns (true, nil) when m was added; (false, nil) when m was
// already a member and nothing changed; a NotFound error when the room has been
// removed; ErrMemberClosed, with membership unchanged, when m refused the join.
func (r *Room) Join(m Member) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, protocol.Errorf(protocol.CodeNotFound, "room %s not found", r.id)
	}
	if r.indexOf(m.ID()) >= 0 {
		r.mu.Unlock()
		return false, nil
	}
	if !m.JoinedRoom(r.id) {
		r.mu.Unlock()
		return false, ErrMemberClosed
	}
	others := slices.Clone(r.members)
	r.members = append(r.members, m)
	r.mu.Unlock()

	notify(others, protocol.MustEncode(protocol.MemberJoinedEvent, protocol.MemberJoined{
		RoomID:    r.id,
		SessionID: m.ID(),
		Name:      m.DisplayName(),
	}))
	return true, nil
}

// Leave removes m from the room and notifies the remaining members.
//
// Postcondition: Returns true when m was a member and has been removed.
func (r *Room) Leave(m Member) bool {
	r.mu.Lock()
	idx := r.indexOf(m.ID())
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.members = slices.Delete(r.members, idx, idx+1)
	m.LeftRoom(r.id)
	remaining := slices.Clone(r.members)
	r.mu.Unlock()

	notify(remaining, protocol.MustEncode(protocol.MemberLeftEvent, protocol.MemberLeft{
		RoomID:    r.id,
		SessionID: m.ID(),
		Name:      m.DisplayName(),
	}))
	return true
}

// Broadcast delivers payload to every member except excludeID ("" excludes nobody).
// Membership is captured once under the lock; delivery happens after it is
// released, in join order. A member joining mid-broadcast is not included, and
// one leaving mid-broadcast still receives it.
func (r *Room) Broadcast(payload []byte, excludeID string) Delivery {
	var d Delivery
	for _, m := range r.Members() {
		if m.ID() == excludeID {
			continue
		}
		if err := m.Send(payload); err != nil {
			d.Dropped++
			continue
		}
		d.Delivered++
	}
	return d
}

// Members returns an insertion-ordered snapshot of the membership.
func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.members)
}

// Has reports whether the member with the given id is in the room.
func (r *Room) Has(memberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOf(memberID) >= 0
}

// Len returns the current member count.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// closeIfEmpty marks the room closed when it has no members.
//
// Precondition: caller holds the Registry lock.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) indexOf(memberID string) int {
	return slices.IndexFunc(r.members, func(m Member) bool { return m.ID() == memberID })
}

// notify sends an event to each member, ignoring full queues.
func notify(members []Member, payload []byte) {
	for _, m := range members {
		_ = m.Send(payload)
	}
}
