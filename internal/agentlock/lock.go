package agentlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrPreemptionTimeout is returned when the current holder did not release
// within the preemption timeout. The caller must fall back to waiting
// normally; the holder is never terminated forcibly.
var ErrPreemptionTimeout = errors.New("preemption timed out: holder did not release")

// StopFunc is the cooperative-cancellation hook a holder registers on
// acquisition. It is invoked at most once, from RequestStop, and must not
// block; typically it cancels the holder's context.
type StopFunc func()

type lockState struct {
	holder        string
	acquiredAt    time.Time
	stopRequested bool
	stop          StopFunc
}

// Registry is the table of per-agent locks. A lock exists from the first
// Acquire for its agent. At most one holder per agent at any instant.
//
// Acquire is non-blocking; waiting policy belongs to the callers (the
// operation queue and the sync orchestrator each wait their own way).
type Registry struct {
	mu           sync.Mutex
	locks        map[string]*lockState
	lease        time.Duration
	pollInterval time.Duration
}

// NewRegistry creates a lock registry. lease bounds how long a holder may
// keep a lock before it is treated as leaked and reclaimed on the next
// acquire attempt. pollInterval paces the preemption wait loop.
func NewRegistry(lease, pollInterval time.Duration) *Registry {
	return &Registry{
		locks:        make(map[string]*lockState),
		lease:        lease,
		pollInterval: pollInterval,
	}
}

// Acquire attempts to take the agent's lock for holder. It returns false
// without blocking if the lock is held by someone else.
//
// A lock held past the lease duration is considered leaked (the holder
// crashed without releasing); it is reclaimed here and the stale holder's
// work is treated as failed.
func (r *Registry) Acquire(agentID, holder string, stop StopFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.locks[agentID]
	if exists && state.holder != "" {
		if time.Since(state.acquiredAt) < r.lease {
			return false
		}
		log.Printf(`{"level":"warn","message":"Reclaiming leaked agent lock","agent_id":"%s","stale_holder":"%s","held_for":"%s"}`,
			agentID, state.holder, time.Since(state.acquiredAt))
	}

	r.locks[agentID] = &lockState{
		holder:     holder,
		acquiredAt: time.Now(),
		stop:       stop,
	}
	return true
}

// Release frees the agent's lock if holder still owns it. Releasing a lock
// one no longer holds (e.g. after a lease reclaim) is a no-op, so callers can
// release unconditionally in defer.
func (r *Registry) Release(agentID, holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.locks[agentID]
	if !exists || state.holder != holder {
		return
	}
	state.holder = ""
	state.stopRequested = false
	state.stop = nil
}

// RequestStop delivers the cooperative stop signal to the current holder, if
// any. It does not terminate the holder's work; the holder observes the
// signal at its own safe checkpoints. Returns true if a holder was signalled.
func (r *Registry) RequestStop(agentID string) bool {
	r.mu.Lock()
	state, exists := r.locks[agentID]
	if !exists || state.holder == "" {
		r.mu.Unlock()
		return false
	}
	stop := state.stop
	alreadyRequested := state.stopRequested
	state.stopRequested = true
	r.mu.Unlock()

	if stop != nil && !alreadyRequested {
		stop()
	}
	return true
}

// Holder returns the current holder of the agent's lock, or "" if free.
func (r *Registry) Holder(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, exists := r.locks[agentID]; exists {
		return state.holder
	}
	return ""
}

// StopRequested reports whether the current holder has been asked to stop.
func (r *Registry) StopRequested(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, exists := r.locks[agentID]; exists {
		return state.stopRequested
	}
	return false
}

// PreemptAndAcquire takes the agent's lock for holder, cooperatively stopping
// the current holder first if there is one. It signals RequestStop once, then
// polls until the lock is released or timeout elapses.
//
// Exactly two outcomes: the lock is acquired, or ErrPreemptionTimeout (or the
// context's error) is returned with the previous holder untouched and still
// running. There is no forced takeover; a preempted sync's partial writes
// stay consistent because the sync itself decides where to stop.
func (r *Registry) PreemptAndAcquire(ctx context.Context, agentID, holder string, stop StopFunc, timeout time.Duration) error {
	if r.Acquire(agentID, holder, stop) {
		return nil
	}

	previous := r.Holder(agentID)
	log.Printf(`{"level":"info","message":"Preempting agent lock","agent_id":"%s","holder":"%s","requested_by":"%s"}`,
		agentID, previous, holder)
	r.RequestStop(agentID)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("agent %s held by %s: %w", agentID, r.Holder(agentID), ErrPreemptionTimeout)
		case <-ticker.C:
			if r.Acquire(agentID, holder, stop) {
				return nil
			}
		}
	}
}
