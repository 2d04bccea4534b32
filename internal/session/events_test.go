package session

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	var drops atomic.Int32
	b := newBroadcaster(1, func() { drops.Add(1) })
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish("a")
	b.Publish("b")
	assert.Equal(t, "a", <-ch)
	assert.Equal(t, int32(1), drops.Load())
}

func TestBroadcasterCloseAndCancel(t *testing.T) {
	b := newBroadcaster(4, nil)
	ch1, cancel1 := b.Subscribe()
	ch2, _ := b.Subscribe()

	cancel1()
	cancel1()
	_, ok := <-ch1
	assert.False(t, ok)

	b.Publish("x")
	b.Close()
	b.Close()
	assert.Equal(t, "x", <-ch2)
	_, ok = <-ch2
	assert.False(t, ok)

	late, lateCancel := b.Subscribe()
	_, ok = <-late
	require.False(t, ok)
	lateCancel()
	b.Publish("ignored")
}
