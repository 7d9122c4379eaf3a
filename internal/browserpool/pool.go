package browserpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when the pool is full and every context is in
// use, so nothing can be evicted to make room.
var ErrPoolExhausted = errors.New("browser pool exhausted: all contexts in use")

// ErrContextBusy is returned when an agent's context is already checked out.
// With agent-lock discipline upstream this should not happen; it indicates a
// caller bypassed the lock.
var ErrContextBusy = errors.New("browser context already in use")

// CreationError wraps a session-creation failure. The pool never retries
// internally; retry policy belongs to the caller.
type CreationError struct {
	AgentID string
	Err     error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("failed to create browser context for agent %s: %v", e.AgentID, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Session is an opaque automation session resource held by a Context.
type Session interface {
	Close() error
}

// SessionFactory creates authenticated automation sessions. The playwright
// implementation lives in this package; tests inject fakes.
type SessionFactory interface {
	NewSession(ctx context.Context, agentID string) (Session, error)
}

// Context is a reusable automation session bound to one agent.
type Context struct {
	AgentID    string
	Session    Session
	lastUsedAt time.Time
	inUse      bool
}

// Pool owns a bounded set of browser contexts, one per agent, and evicts the
// least recently used idle context under pressure. A context that is in use
// is never evicted, even if it is the least recently used.
type Pool struct {
	mu        sync.Mutex
	max       int
	contexts  map[string]*Context
	factory   SessionFactory
	evictions int64
}

// New creates a pool bounded to max contexts.
func New(factory SessionFactory, max int) *Pool {
	return &Pool{
		max:      max,
		contexts: make(map[string]*Context),
		factory:  factory,
	}
}

// Acquire returns the agent's context, creating a fresh session when the
// agent has none (first use, or its context was evicted earlier; eviction is
// invisible to callers). The context stays protected from eviction until
// Release.
func (p *Pool) Acquire(ctx context.Context, agentID string) (*Context, error) {
	p.mu.Lock()

	if bc, exists := p.contexts[agentID]; exists {
		if bc.inUse {
			p.mu.Unlock()
			return nil, ErrContextBusy
		}
		bc.inUse = true
		bc.lastUsedAt = time.Now()
		p.mu.Unlock()
		return bc, nil
	}

	if len(p.contexts) >= p.max {
		if !p.evictLRUIdle() {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}
	}

	// Reserve the slot before the (slow) session creation so a concurrent
	// Acquire for the same agent fails fast instead of double-creating.
	bc := &Context{AgentID: agentID, inUse: true, lastUsedAt: time.Now()}
	p.contexts[agentID] = bc
	p.mu.Unlock()

	session, err := p.factory.NewSession(ctx, agentID)
	if err != nil {
		p.mu.Lock()
		delete(p.contexts, agentID)
		p.mu.Unlock()
		return nil, &CreationError{AgentID: agentID, Err: err}
	}

	p.mu.Lock()
	bc.Session = session
	p.mu.Unlock()
	return bc, nil
}

// Release returns the agent's context to the pool. Callers release by agent
// id, never by context reference, so a release cannot race an eviction that
// already replaced the context.
func (p *Pool) Release(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bc, exists := p.contexts[agentID]
	if !exists {
		return
	}
	bc.inUse = false
	bc.lastUsedAt = time.Now()
}

// evictLRUIdle removes and destroys the least recently used idle context.
// Caller holds p.mu. Returns false if every context is in use.
func (p *Pool) evictLRUIdle() bool {
	var victim *Context
	for _, bc := range p.contexts {
		if bc.inUse {
			continue
		}
		if victim == nil || bc.lastUsedAt.Before(victim.lastUsedAt) {
			victim = bc
		}
	}
	if victim == nil {
		return false
	}

	delete(p.contexts, victim.AgentID)
	p.evictions++
	log.Printf(`{"level":"info","message":"Evicting idle browser context","agent_id":"%s","idle_for":"%s"}`,
		victim.AgentID, time.Since(victim.lastUsedAt))
	if victim.Session != nil {
		if err := victim.Session.Close(); err != nil {
			log.Printf(`{"level":"warn","message":"Failed to close evicted session","agent_id":"%s","error":"%v"}`,
				victim.AgentID, err)
		}
	}
	return true
}

// Len returns the number of live contexts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// Evictions returns the total number of evictions since start.
func (p *Pool) Evictions() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictions
}

// Shutdown closes every context. In-use sessions are closed too; callers are
// expected to have drained work first.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for agentID, bc := range p.contexts {
		if bc.Session != nil {
			if err := bc.Session.Close(); err != nil {
				log.Printf(`{"level":"warn","message":"Failed to close session on shutdown","agent_id":"%s","error":"%v"}`,
					agentID, err)
			}
		}
		delete(p.contexts, agentID)
	}
}
