package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	agentID string
	closed  bool
	mu      sync.Mutex
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	created  int
	failNext error
	sessions []*fakeSession
}

func (f *fakeFactory) NewSession(ctx context.Context, agentID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.created++
	s := &fakeSession{agentID: agentID}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func TestPool_AcquireRelease(t *testing.T) {
	t.Run("creates a session on first use and reuses it after", func(t *testing.T) {
		factory := &fakeFactory{}
		pool := New(factory, 3)

		bc, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		pool.Release("a1")

		bc2, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		assert.Same(t, bc, bc2)
		assert.Equal(t, 1, factory.created)
	})

	t.Run("acquiring a busy context fails", func(t *testing.T) {
		pool := New(&fakeFactory{}, 3)
		_, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)

		_, err = pool.Acquire(context.Background(), "a1")
		assert.ErrorIs(t, err, ErrContextBusy)
	})

	t.Run("creation failure surfaces as typed error without retry", func(t *testing.T) {
		boom := errors.New("browser launch failed")
		factory := &fakeFactory{failNext: boom}
		pool := New(factory, 3)

		_, err := pool.Acquire(context.Background(), "a1")
		var creationErr *CreationError
		require.ErrorAs(t, err, &creationErr)
		assert.Equal(t, "a1", creationErr.AgentID)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, pool.Len())

		// The failed slot is released; the next acquire tries again.
		_, err = pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
	})
}

func TestPool_Eviction(t *testing.T) {
	t.Run("evicts the least recently used idle context under pressure", func(t *testing.T) {
		factory := &fakeFactory{}
		pool := New(factory, 2)

		_, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		pool.Release("a1")
		time.Sleep(2 * time.Millisecond)

		_, err = pool.Acquire(context.Background(), "a2")
		require.NoError(t, err)
		pool.Release("a2")
		time.Sleep(2 * time.Millisecond)

		// Pool is full; a1 is the LRU idle context and must go.
		_, err = pool.Acquire(context.Background(), "a3")
		require.NoError(t, err)

		assert.Equal(t, int64(1), pool.Evictions())
		assert.True(t, factory.sessions[0].isClosed(), "evicted session must be destroyed")
		assert.False(t, factory.sessions[1].isClosed())
	})

	t.Run("an in-use context is never evicted even when LRU", func(t *testing.T) {
		factory := &fakeFactory{}
		pool := New(factory, 2)

		// a1 acquired first (oldest lastUsedAt) and kept in use.
		_, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)

		_, err = pool.Acquire(context.Background(), "a2")
		require.NoError(t, err)
		pool.Release("a2")

		_, err = pool.Acquire(context.Background(), "a3")
		require.NoError(t, err)

		// a2 was evicted despite being more recently used than a1.
		assert.False(t, factory.sessions[0].isClosed(), "in-use context must survive eviction pressure")
		assert.True(t, factory.sessions[1].isClosed())
	})

	t.Run("all contexts in use exhausts the pool", func(t *testing.T) {
		pool := New(&fakeFactory{}, 2)
		_, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		_, err = pool.Acquire(context.Background(), "a2")
		require.NoError(t, err)

		_, err = pool.Acquire(context.Background(), "a3")
		assert.ErrorIs(t, err, ErrPoolExhausted)
	})

	t.Run("acquire after eviction transparently recreates the session", func(t *testing.T) {
		factory := &fakeFactory{}
		pool := New(factory, 1)

		_, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		pool.Release("a1")

		_, err = pool.Acquire(context.Background(), "a2")
		require.NoError(t, err)
		pool.Release("a2")

		// a1 was evicted; its next acquire is a normal success, not an error.
		bc, err := pool.Acquire(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, "a1", bc.AgentID)
		assert.Equal(t, 3, factory.created)
	})
}

func TestPool_Shutdown(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(factory, 4)
	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(context.Background(), fmt.Sprintf("a%d", i))
		require.NoError(t, err)
	}

	pool.Shutdown()
	assert.Equal(t, 0, pool.Len())
	for _, s := range factory.sessions {
		assert.True(t, s.isClosed())
	}
}
