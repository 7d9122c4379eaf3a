package agentlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(time.Minute, 5*time.Millisecond)
}

func TestRegistry_Acquire(t *testing.T) {
	t.Run("free lock acquired immediately", func(t *testing.T) {
		r := newTestRegistry()
		assert.True(t, r.Acquire("a1", "op:1", nil))
		assert.Equal(t, "op:1", r.Holder("a1"))
	})

	t.Run("held lock rejects second holder", func(t *testing.T) {
		r := newTestRegistry()
		require.True(t, r.Acquire("a1", "op:1", nil))
		assert.False(t, r.Acquire("a1", "op:2", nil))
		assert.Equal(t, "op:1", r.Holder("a1"))
	})

	t.Run("locks for different agents are independent", func(t *testing.T) {
		r := newTestRegistry()
		assert.True(t, r.Acquire("a1", "op:1", nil))
		assert.True(t, r.Acquire("a2", "op:2", nil))
	})

	t.Run("at most one holder under contention", func(t *testing.T) {
		r := newTestRegistry()
		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				if r.Acquire("a1", "op:"+string(rune('a'+n)), nil) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestRegistry_Release(t *testing.T) {
	t.Run("release frees the lock", func(t *testing.T) {
		r := newTestRegistry()
		require.True(t, r.Acquire("a1", "op:1", nil))
		r.Release("a1", "op:1")
		assert.Empty(t, r.Holder("a1"))
		assert.True(t, r.Acquire("a1", "op:2", nil))
	})

	t.Run("release by non-holder is a no-op", func(t *testing.T) {
		r := newTestRegistry()
		require.True(t, r.Acquire("a1", "op:1", nil))
		r.Release("a1", "op:2")
		assert.Equal(t, "op:1", r.Holder("a1"))
	})

	t.Run("release clears stop requested", func(t *testing.T) {
		r := newTestRegistry()
		require.True(t, r.Acquire("a1", "op:1", nil))
		r.RequestStop("a1")
		require.True(t, r.StopRequested("a1"))
		r.Release("a1", "op:1")
		assert.False(t, r.StopRequested("a1"))
	})
}

func TestRegistry_RequestStop(t *testing.T) {
	t.Run("invokes holder callback once", func(t *testing.T) {
		r := newTestRegistry()
		calls := 0
		require.True(t, r.Acquire("a1", "sync:customers", func() { calls++ }))

		assert.True(t, r.RequestStop("a1"))
		assert.True(t, r.RequestStop("a1"))
		assert.Equal(t, 1, calls)
		assert.True(t, r.StopRequested("a1"))
	})

	t.Run("no holder returns false", func(t *testing.T) {
		r := newTestRegistry()
		assert.False(t, r.RequestStop("a1"))
	})
}

func TestRegistry_PreemptAndAcquire(t *testing.T) {
	t.Run("free lock acquired without signalling", func(t *testing.T) {
		r := newTestRegistry()
		err := r.PreemptAndAcquire(context.Background(), "a1", "op:1", nil, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, "op:1", r.Holder("a1"))
	})

	t.Run("holder that stops on signal is preempted", func(t *testing.T) {
		r := newTestRegistry()
		// Simulate a sync that releases shortly after being asked to stop.
		require.True(t, r.Acquire("a1", "sync:customers", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				r.Release("a1", "sync:customers")
			}()
		}))

		err := r.PreemptAndAcquire(context.Background(), "a1", "op:1", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "op:1", r.Holder("a1"))
	})

	t.Run("holder that ignores signal causes timeout, holder keeps lock", func(t *testing.T) {
		r := newTestRegistry()
		require.True(t, r.Acquire("a1", "sync:orders", func() {}))

		err := r.PreemptAndAcquire(context.Background(), "a1", "op:1", nil, 50*time.Millisecond)
		require.ErrorIs(t, err, ErrPreemptionTimeout)
		// No third outcome: the original holder still owns the lock.
		assert.Equal(t, "sync:orders", r.Holder("a1"))
	})

	t.Run("context cancellation aborts the wait", func(t *testing.T) {
		r := newTestRegistry()
		require.True(t, r.Acquire("a1", "sync:orders", func() {}))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := r.PreemptAndAcquire(ctx, "a1", "op:1", nil, time.Minute)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRegistry_LeaseReclaim(t *testing.T) {
	t.Run("expired lease is reclaimed by next acquire", func(t *testing.T) {
		r := NewRegistry(20*time.Millisecond, time.Millisecond)
		require.True(t, r.Acquire("a1", "op:crashed", nil))

		assert.False(t, r.Acquire("a1", "op:next", nil))
		time.Sleep(30 * time.Millisecond)
		assert.True(t, r.Acquire("a1", "op:next", nil))
		assert.Equal(t, "op:next", r.Holder("a1"))
	})

	t.Run("stale holder release after reclaim does not free new holder", func(t *testing.T) {
		r := NewRegistry(20*time.Millisecond, time.Millisecond)
		require.True(t, r.Acquire("a1", "op:crashed", nil))
		time.Sleep(30 * time.Millisecond)
		require.True(t, r.Acquire("a1", "op:next", nil))

		r.Release("a1", "op:crashed")
		assert.Equal(t, "op:next", r.Holder("a1"))
	})
}
