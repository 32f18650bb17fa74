package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestManager_Add(t *testing.T) {
	m := NewManager()
	s := New("s1", Options{}, nil)
	require.NoError(t, m.Add(s))
	assert.Equal(t, 1, m.Count())
}

func TestManager_AddDuplicate(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Add(New("s1", Options{}, nil)))
	err := m.Add(New("s1", Options{}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestManager_Remove(t *testing.T) {
	m := NewManager()
	s := New("s1", Options{}, nil)
	require.NoError(t, m.Add(s))
	require.NoError(t, m.Remove("s1"))
	assert.Equal(t, 0, m.Count())
	assert.False(t, s.IsClosed(), "Remove must not close the session")
	assert.NoError(t, m.Add(s), "a removed id can be registered again")
}

func TestManager_RemoveNotFound(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Remove("unknown"))
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager()
	released := make(map[string]bool)
	var mu sync.Mutex
	for i := range 3 {
		s := New(fmt.Sprintf("s%d", i), Options{}, func(s *Session) {
			mu.Lock()
			defer mu.Unlock()
			released[s.ID()] = true
		})
		require.NoError(t, m.Add(s))
	}

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
	assert.Len(t, released, 3)
}

func TestManager_ConcurrentAddRemove(t *testing.T) {
	m := NewManager()
	const n = 100
	var wg sync.WaitGroup

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = m.Add(New(fmt.Sprintf("s%d", i), Options{}, nil))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, m.Count())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = m.Remove(fmt.Sprintf("s%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}

func TestPropertyManagerCountMatchesLiveIDs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager()
		live := make(map[string]bool)
		ops := rapid.IntRange(0, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			id := fmt.Sprintf("s%d", rapid.IntRange(0, 9).Draw(t, "id"))
			if rapid.Bool().Draw(t, "add") {
				err := m.Add(New(id, Options{}, nil))
				if live[id] != (err != nil) {
					t.Fatalf("Add(%s) err=%v with live=%v", id, err, live[id])
				}
				live[id] = true
			} else {
				err := m.Remove(id)
				if live[id] != (err == nil) {
					t.Fatalf("Remove(%s) err=%v with live=%v", id, err, live[id])
				}
				delete(live, id)
			}
		}
		if m.Count() != len(live) {
			t.Fatalf("Count() = %d, want %d", m.Count(), len(live))
		}
	})
}
