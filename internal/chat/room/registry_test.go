package room

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/roomchat/internal/chat/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRegistry_CreateAndGet(t *testing.T) {
	g := NewRegistry(Options{})
	r, err := g.CreateRoom("lobby")
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID())
	assert.Equal(t, "lobby", r.Name())

	got, ok := g.GetRoom(r.ID())
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Equal(t, 1, g.Count())

	_, ok = g.GetRoom("missing")
	assert.False(t, ok)
}

func TestRegistry_CreateRoomCapacity(t *testing.T) {
	g := NewRegistry(Options{MaxRooms: 2})
	_, err := g.CreateRoom("a")
	require.NoError(t, err)
	b, err := g.CreateRoom("b")
	require.NoError(t, err)

	_, err = g.CreateRoom("c")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeCapacityExceeded, protocol.CodeOf(err))

	require.True(t, g.RemoveRoomIfEmpty(b.ID()))
	_, err = g.CreateRoom("c")
	assert.NoError(t, err)
}

func TestRegistry_JoinUnknownRoom(t *testing.T) {
	g := NewRegistry(Options{})
	_, err := g.Join(newFake("a"), "nope")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotFound, protocol.CodeOf(err))
}

func TestRegistry_JoinTwiceIsNoop(t *testing.T) {
	g := NewRegistry(Options{})
	r, _ := g.CreateRoom("lobby")
	a := newFake("a")

	res, err := g.Join(a, r.ID())
	require.NoError(t, err)
	assert.False(t, res.AlreadyMember)

	res, err = g.Join(a, r.ID())
	require.NoError(t, err)
	assert.True(t, res.AlreadyMember)
	assert.Same(t, r, res.Room)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ImplicitLeaveExactlyOnce(t *testing.T) {
	g := NewRegistry(Options{})
	r1, _ := g.CreateRoom("one")
	r2, _ := g.CreateRoom("two")
	a, b := newFake("a"), newFake("b")

	_, err := g.Join(b, r1.ID())
	require.NoError(t, err)
	_, err = g.Join(a, r1.ID())
	require.NoError(t, err)

	res, err := g.Join(a, r2.ID())
	require.NoError(t, err)
	require.Len(t, res.Left, 1)
	assert.Same(t, r1, res.Left[0])

	assert.Equal(t, []string{r2.ID()}, a.Rooms())
	assert.Equal(t, []string{"b"}, memberIDs(r1.Members()))
	assert.Equal(t, []string{"a"}, memberIDs(r2.Members()))

	left := 0
	for _, typ := range b.eventsOf(t) {
		if typ == protocol.MemberLeftEvent {
			left++
		}
	}
	assert.Equal(t, 1, left)
}

func TestRegistry_ImplicitLeaveRemovesEmptiedRoom(t *testing.T) {
	g := NewRegistry(Options{})
	r1, _ := g.CreateRoom("one")
	r2, _ := g.CreateRoom("two")
	a := newFake("a")

	_, _ = g.Join(a, r1.ID())
	_, err := g.Join(a, r2.ID())
	require.NoError(t, err)

	_, ok := g.GetRoom(r1.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, g.Count())
}

func TestRegistry_MultiRoom(t *testing.T) {
	g := NewRegistry(Options{MultiRoom: true})
	r1, _ := g.CreateRoom("one")
	r2, _ := g.CreateRoom("two")
	a := newFake("a")

	_, _ = g.Join(a, r1.ID())
	res, err := g.Join(a, r2.ID())
	require.NoError(t, err)
	assert.Empty(t, res.Left)
	assert.Equal(t, []string{r1.ID(), r2.ID()}, a.Rooms())

	g.Release(a)
	assert.Empty(t, a.Rooms())
	assert.Equal(t, 0, g.Count())
}

func TestRegistry_LeaveNotMember(t *testing.T) {
	g := NewRegistry(Options{})
	r, _ := g.CreateRoom("lobby")

	_, err := g.Leave(newFake("a"), r.ID())
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotMember, protocol.CodeOf(err))

	_, err = g.Leave(newFake("a"), "missing")
	assert.Equal(t, protocol.CodeNotMember, protocol.CodeOf(err))
}

func TestRegistry_EmptyRoomIsRemoved(t *testing.T) {
	g := NewRegistry(Options{})
	r, _ := g.CreateRoom("lobby")
	a := newFake("a")
	_, _ = g.Join(a, r.ID())

	left, err := g.Leave(a, r.ID())
	require.NoError(t, err)
	assert.Same(t, r, left)
	assert.Equal(t, 0, g.Count())

	_, err = g.Join(newFake("b"), r.ID())
	assert.Equal(t, protocol.CodeNotFound, protocol.CodeOf(err))
}

func TestRegistry_RemoveRoomIfEmptyKeepsOccupiedRoom(t *testing.T) {
	g := NewRegistry(Options{})
	r, _ := g.CreateRoom("lobby")
	_, _ = g.Join(newFake("a"), r.ID())

	assert.False(t, g.RemoveRoomIfEmpty(r.ID()))
	assert.False(t, g.RemoveRoomIfEmpty("missing"))
	assert.Equal(t, 1, g.Count())
}

func TestRegistry_ReleaseAfterDisconnectThenJoinIsNotFound(t *testing.T) {
	g := NewRegistry(Options{})
	r, _ := g.CreateRoom("lobby")
	s1 := newFake("s1")
	_, _ = g.Join(s1, r.ID())

	g.Release(s1)

	_, err := g.Join(newFake("s2"), r.ID())
	require.Error(t, err)
	assert.Equal(t, protocol.CodeNotFound, protocol.CodeOf(err))
}

func TestRegistry_RoomsOrderedByCreation(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(Options{Now: clock.Now})
	var want []string
	for i := range 4 {
		r, err := g.CreateRoom(fmt.Sprintf("room-%d", i))
		require.NoError(t, err)
		want = append(want, r.ID())
		clock.Advance(time.Second)
	}

	var got []string
	for _, r := range g.Rooms() {
		got = append(got, r.ID())
	}
	assert.Equal(t, want, got)
}

func TestRegistry_ReapIdle(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(Options{Now: clock.Now})
	old, _ := g.CreateRoom("old")
	occupied, _ := g.CreateRoom("occupied")
	_, _ = g.Join(newFake("a"), occupied.ID())
	clock.Advance(10 * time.Minute)
	fresh, _ := g.CreateRoom("fresh")

	removed := g.ReapIdle(clock.Now().Add(-5 * time.Minute))
	assert.Equal(t, []string{old.ID()}, removed)

	_, ok := g.GetRoom(fresh.ID())
	assert.True(t, ok)
	_, ok = g.GetRoom(occupied.ID())
	assert.True(t, ok)

	_, err := old.Join(newFake("b"))
	assert.Equal(t, protocol.CodeNotFound, protocol.CodeOf(err))
}

func TestRegistry_ConcurrentMembership(t *testing.T) {
	g := NewRegistry(Options{})
	var roomIDs []string
	for i := range 4 {
		r, err := g.CreateRoom(fmt.Sprintf("room-%d", i))
		require.NoError(t, err)
		roomIDs = append(roomIDs, r.ID())
	}
	members := make([]*fakeMember, 16)
	for i := range members {
		members[i] = newFake(fmt.Sprintf("m%d", i))
	}

	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(seed uint64, m *fakeMember) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			for range 200 {
				id := roomIDs[rng.IntN(len(roomIDs))]
				switch rng.IntN(3) {
				case 0:
					_, _ = g.Join(m, id)
				case 1:
					_, _ = g.Leave(m, id)
				default:
					if r, ok := g.GetRoom(id); ok {
						r.Broadcast([]byte("x"), m.ID())
					}
				}
			}
		}(uint64(i), m)
	}
	wg.Wait()

	for _, m := range members {
		rooms := m.Rooms()
		assert.LessOrEqual(t, len(rooms), 1, "member %s in several rooms", m.ID())
		for _, id := range rooms {
			r, ok := g.GetRoom(id)
			require.True(t, ok, "member %s refers to removed room %s", m.ID(), id)
			assert.True(t, r.Has(m.ID()))
		}
	}
	for _, r := range g.Rooms() {
		for _, m := range r.Members() {
			assert.Contains(t, m.Rooms(), r.ID())
		}
	}
}

// TestPropertyMembershipReplay checks that any sequence of registry operations
// leaves the same membership as a simple sequential model.
func TestPropertyMembershipReplay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		multi := rapid.Bool().Draw(t, "multi_room")
		g := NewRegistry(Options{MultiRoom: multi})

		members := make([]*fakeMember, rapid.IntRange(1, 5).Draw(t, "members"))
		for i := range members {
			members[i] = newFake(fmt.Sprintf("m%d", i))
		}
		var created []string
		model := make(map[string][]string)

		modelLeave := func(mid, rid string) bool {
			ids, ok := model[rid]
			if !ok || !slices.Contains(ids, mid) {
				return false
			}
			ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == mid })
			if len(ids) == 0 {
				delete(model, rid)
			} else {
				model[rid] = ids
			}
			return true
		}

		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			op := rapid.IntRange(0, 3).Draw(t, "op")
			if op == 0 || len(created) == 0 {
				r, err := g.CreateRoom("r")
				if err != nil {
					t.Fatalf("CreateRoom: %v", err)
				}
				created = append(created, r.ID())
				model[r.ID()] = nil
				continue
			}
			m := members[rapid.IntRange(0, len(members)-1).Draw(t, "member")]
			rid := created[rapid.IntRange(0, len(created)-1).Draw(t, "room")]

			switch op {
			case 1:
				_, err := g.Join(m, rid)
				ids, exists := model[rid]
				switch {
				case !exists:
					if protocol.CodeOf(err) != protocol.CodeNotFound || err == nil {
						t.Fatalf("join of removed room: err=%v", err)
					}
				case slices.Contains(ids, m.ID()):
					if err != nil {
						t.Fatalf("re-join: %v", err)
					}
				default:
					if err != nil {
						t.Fatalf("join: %v", err)
					}
					if !multi {
						for other := range model {
							if other != rid {
								modelLeave(m.ID(), other)
							}
						}
					}
					model[rid] = append(slices.Clone(model[rid]), m.ID())
				}
			case 2:
				_, err := g.Leave(m, rid)
				if modelLeave(m.ID(), rid) != (err == nil) {
					t.Fatalf("leave %s/%s: err=%v disagrees with model", m.ID(), rid, err)
				}
			case 3:
				g.Release(m)
				for rid := range model {
					modelLeave(m.ID(), rid)
				}
			}
		}

		if g.Count() != len(model) {
			t.Fatalf("registry has %d rooms, model %d", g.Count(), len(model))
		}
		for rid, want := range model {
			r, ok := g.GetRoom(rid)
			if !ok {
				t.Fatalf("room %s missing from registry", rid)
			}
			if got := memberIDs(r.Members()); !slices.Equal(got, want) && !(len(got) == 0 && len(want) == 0) {
				t.Fatalf("room %s members = %v, want %v", rid, got, want)
			}
		}
		for _, m := range members {
			var want []string
			for rid, ids := range model {
				if slices.Contains(ids, m.ID()) {
					want = append(want, rid)
				}
			}
			got := m.Rooms()
			slices.Sort(got)
			slices.Sort(want)
			if !slices.Equal(got, want) {
				t.Fatalf("member %s rooms = %v, want %v", m.ID(), got, want)
			}
			if !multi && len(got) > 1 {
				t.Fatalf("member %s in %d rooms in single-room mode", m.ID(), len(got))
			}
		}
	})
}
