package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReaper_SweepRemovesOnlyExpiredEmptyRooms(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(Options{Now: clock.Now})
	p := NewReaper(g, time.Minute, time.Hour, zaptest.NewLogger(t))

	stale, _ := g.CreateRoom("stale")
	busy, _ := g.CreateRoom("busy")
	_, _ = g.Join(newFake("a"), busy.ID())

	assert.Equal(t, 0, p.Sweep(), "nothing is old enough yet")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, p.Sweep())

	_, ok := g.GetRoom(stale.ID())
	assert.False(t, ok)
	_, ok = g.GetRoom(busy.ID())
	assert.True(t, ok)
}

func TestReaper_StartStop(t *testing.T) {
	g := NewRegistry(Options{})
	p := NewReaper(g, time.Nanosecond, 5*time.Millisecond, zaptest.NewLogger(t))
	_, err := g.CreateRoom("idle")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Start() }()

	deadline := time.Now().Add(2 * time.Second)
	for g.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, g.Count())

	p.Stop()
	p.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
