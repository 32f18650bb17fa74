// Package session provides the server-side representation of connected chat
// clients and the registry of live sessions.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// DefaultBufferSize is the outbound queue length used when Options.BufferSize is not positive.
const DefaultBufferSize = 64

// ErrBufferFull is returned by Send when the outbound queue has no room.
// The payload is dropped for this session only.
var ErrBufferFull = errors.New("session outbound buffer full")

// Options tunes a Session's resource bounds.
type Options struct {
	// BufferSize is the number of outbound frames queued before Send starts dropping.
	BufferSize int
	// MessagesPerSecond is the sustained chat message rate; 0 disables limiting.
	MessagesPerSecond float64
	// Burst is the number of messages allowed above the sustained rate.
	Burst int
}

// ReleaseFunc removes a closing session from every room it belongs to.
type ReleaseFunc func(s *Session)

// Session is one connected client: an identity, its room memberships, and a
// bounded outbound queue drained by the connection's writer goroutine.
// All methods are safe for concurrent use.
type Session struct {
	id       string
	outbound chan []byte
	limiter  *rate.Limiter
	release  ReleaseFunc

	mu     sync.Mutex
	name   string
	rooms  []string
	closed bool

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// New creates an open Session.
//
// Precondition: id must be non-empty and unique among live sessions.
// Postcondition: Returns a Session with an open outbound queue; release (may be nil)
// runs exactly once when the session is closed.
func New(id string, opts Options, release ReleaseFunc) *Session {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	var limiter *rate.Limiter
	if opts.MessagesPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), burst)
	}
	return &Session{
		id:       id,
		outbound: make(chan []byte, size),
		limiter:  limiter,
		release:  release,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// DisplayName returns the name chosen by the client, or "" if none was set.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetDisplayName replaces the display name.
func (s *Session) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Send enqueues an encoded frame for delivery to the client without blocking.
//
// Postcondition: Returns nil when queued or when the session is already closed
// (a no-op); returns ErrBufferFull when the frame was dropped.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	select {
	case s.outbound <- payload:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("session %s: %w", s.id, ErrBufferFull)
	}
}

// Outbound returns the queue the writer goroutine drains. It is closed by Close.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Dropped returns the number of frames discarded because the queue was full.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// AllowMessage reports whether the rate limiter admits one more chat message.
func (s *Session) AllowMessage() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Rooms returns the ids of the rooms this session belongs to, in join order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms)
}

// InRoom reports whether the session is a member of roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.rooms, roomID)
}

// JoinedRoom records membership of roomID. It is called by the room while it
// holds its membership lock.
//
// Postcondition: Returns false, recording nothing, once the session is closed.
func (s *Session) JoinedRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !slices.Contains(s.rooms, roomID) {
		s.rooms = append(s.rooms, roomID)
	}
	return true
}

// LeftRoom drops membership of roomID. It is called by the room while it holds
// its membership lock.
func (s *Session) LeftRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = slices.DeleteFunc(s.rooms, func(id string) bool { return id == roomID })
}

// Close marks the session terminal, closes the outbound queue, and releases
// its room memberships. It is idempotent.
//
// Postcondition: Further Send calls are no-ops; the release func has run once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.outbound)
		s.mu.Unlock()

		if s.release != nil {
			s.release(s)
		}
	})
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
