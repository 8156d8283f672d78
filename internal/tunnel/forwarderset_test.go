package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnmeurisse/fortirdp-go/internal/forwarder"
)

func newTestForwarder(t *testing.T) *forwarder.Forwarder {
	t.Helper()
	_, remote := net.Pipe()
	return forwarder.New(remote, forwarder.Config{})
}

func TestForwarderSet_AcquireRespectsMaxClients(t *testing.T) {
	s := newForwarderSet(2)
	ctx := context.Background()
	assert.True(t, s.acquire(ctx))
	assert.True(t, s.acquire(ctx))

	full, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.False(t, s.acquire(full))
	assert.Equal(t, 2, s.count())
}

func TestForwarderSet_AcquireUnblocksOnRelease(t *testing.T) {
	s := newForwarderSet(1)
	ctx := context.Background()
	require.True(t, s.acquire(ctx))
	fwd := newTestForwarder(t)
	h := s.register(fwd)

	acquired := make(chan bool, 1)
	go func() { acquired <- s.acquire(ctx) }()

	select {
	case <-acquired:
		t.Fatal("acquire returned before a slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	s.release(h)

	select {
	case ok := <-acquired:
		assert.True(t, ok)
	case <-time.After(1 * time.Second):
		t.Fatal("acquire did not unblock after release")
	}
	assert.Equal(t, 1, s.count())
}

func TestForwarderSet_AcquireUnblocksOnContextCancel(t *testing.T) {
	s := newForwarderSet(1)
	ctx := context.Background()
	require.True(t, s.acquire(ctx))

	waitCtx, cancel := context.WithCancel(context.Background())
	acquired := make(chan bool, 1)
	go func() { acquired <- s.acquire(waitCtx) }()

	select {
	case <-acquired:
		t.Fatal("acquire returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()

	select {
	case ok := <-acquired:
		assert.False(t, ok)
	case <-time.After(1 * time.Second):
		t.Fatal("acquire did not unblock on context cancellation")
	}
	assert.Equal(t, 1, s.count())
}

func TestForwarderSet_RegisterReleaseReusesSlot(t *testing.T) {
	s := newForwarderSet(4)
	ctx := context.Background()
	require.True(t, s.acquire(ctx))
	fwd := newTestForwarder(t)
	h := s.register(fwd)

	s.release(h)
	assert.Equal(t, 0, s.count())

	require.True(t, s.acquire(ctx))
	fwd2 := newTestForwarder(t)
	h2 := s.register(fwd2)
	assert.Equal(t, h.index, h2.index)
	assert.NotEqual(t, h.generation, h2.generation)
}

func TestForwarderSet_StaleHandleReleaseIsNoop(t *testing.T) {
	s := newForwarderSet(4)
	ctx := context.Background()
	require.True(t, s.acquire(ctx))
	fwd := newTestForwarder(t)
	h := s.register(fwd)
	s.release(h)

	require.True(t, s.acquire(ctx))
	fwd2 := newTestForwarder(t)
	s.register(fwd2)

	// Releasing the stale handle again must not free the new occupant's slot.
	s.release(h)
	assert.Equal(t, 1, s.count())
}

func TestForwarderSet_AbortAllCountsActive(t *testing.T) {
	s := newForwarderSet(4)
	ctx := context.Background()
	require.True(t, s.acquire(ctx))
	require.True(t, s.acquire(ctx))
	s.register(newTestForwarder(t))
	s.register(newTestForwarder(t))

	n := s.abortAll()
	assert.Equal(t, 2, n)
}
