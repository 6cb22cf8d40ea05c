package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mavbridge/mavlink"
)

func env(seq uint8) mavlink.Envelope {
	return mavlink.Envelope{Header: mavlink.Header{SystemID: 1, ComponentID: 1, Sequence: seq}, Message: mavlink.Heartbeat()}
}

func TestLatestValueWins(t *testing.T) {
	t.Parallel()

	h := New()
	c := h.Subscribe()
	const n = 10
	totalDropped := 0
	for i := 1; i <= n; i++ {
		dropped, ok := h.Offer(env(uint8(i)))
		require.True(t, ok)
		totalDropped += dropped
	}
	assert.Equal(t, n-1, totalDropped)

	got, status := c.TryRecv()
	require.Equal(t, Value, status)
	assert.Equal(t, uint8(n), got.Header.Sequence)
	_, status = c.TryRecv()
	assert.Equal(t, Empty, status)
}

func TestCursorsIndependent(t *testing.T) {
	t.Parallel()

	h := New()
	c1, c2 := h.Subscribe(), h.Subscribe()
	_, _ = h.Offer(env(1))

	got, status := c1.TryRecv()
	require.Equal(t, Value, status)
	assert.Equal(t, uint8(1), got.Header.Sequence)

	// c2 still unread, next offer replaces only there
	dropped, ok := h.Offer(env(2))
	require.True(t, ok)
	assert.Equal(t, 1, dropped)

	got, status = c1.TryRecv()
	require.Equal(t, Value, status)
	assert.Equal(t, uint8(2), got.Header.Sequence)
	got, status = c2.TryRecv()
	require.Equal(t, Value, status)
	assert.Equal(t, uint8(2), got.Header.Sequence)
}

func TestClose(t *testing.T) {
	t.Parallel()

	h := New()
	c := h.Subscribe()
	_, status := c.TryRecv()
	assert.Equal(t, Empty, status)

	_, _ = h.Offer(env(5))
	h.Close()
	h.Close()

	// buffered value first, then closed
	got, status := c.TryRecv()
	require.Equal(t, Value, status)
	assert.Equal(t, uint8(5), got.Header.Sequence)
	_, status = c.TryRecv()
	assert.Equal(t, Closed, status)

	_, ok := h.Offer(env(6))
	assert.False(t, ok)

	late := h.Subscribe()
	_, status = late.TryRecv()
	assert.Equal(t, Closed, status)
	_, open := <-late.C()
	assert.False(t, open)
}

func TestConcurrentConsumer(t *testing.T) {
	t.Parallel()

	h := New()
	c := h.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	var last uint8
	go func() {
		defer wg.Done()
		for e := range c.C() {
			// order preserved modulo drops
			assert.True(t, e.Header.Sequence > last)
			last = e.Header.Sequence
		}
	}()
	for i := 1; i <= 200; i++ {
		_, _ = h.Offer(env(uint8(i)))
	}
	h.Close()
	wg.Wait()
	assert.Equal(t, uint8(200), last)
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "value", Value.String())
	assert.Equal(t, "closed", Closed.String())
}
