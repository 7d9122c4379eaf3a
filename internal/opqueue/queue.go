package opqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vendra/field-sales/erp-orchestrator/internal/agentlock"
	"github.com/vendra/field-sales/erp-orchestrator/internal/automation"
	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/events"
	"github.com/vendra/field-sales/erp-orchestrator/internal/metrics"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
)

var (
	// ErrDuplicate is returned when an operation with the same idempotency key
	// is already queued or running.
	ErrDuplicate = errors.New("operation with this id is already active")

	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = errors.New("operation not found")

	// ErrTerminal is returned when cancelling an operation that already
	// reached a terminal state.
	ErrTerminal = errors.New("operation already in a terminal state")

	// ErrQueueClosed is returned for submissions after shutdown began.
	ErrQueueClosed = errors.New("operation queue is shut down")
)

// Status is the queryable snapshot of one operation.
type Status struct {
	Operation  models.Operation       `json:"operation"`
	State      models.OperationState  `json:"state"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

type opState struct {
	op         models.Operation
	state      models.OperationState
	output     map[string]interface{}
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time

	cancelRequested bool
	cancel          context.CancelFunc
}

func (s *opState) snapshot() *Status {
	return &Status{
		Operation:  s.op,
		State:      s.state,
		Output:     s.output,
		Error:      s.errMsg,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}

// lane serializes one agent's operations in submission order. Lanes run
// independently of each other; a stuck agent never blocks its colleagues.
type lane struct {
	pending []*opState
	active  bool
}

// Queue admits, deduplicates, and executes agent operations. Ordering is FIFO
// per agent; cross-agent parallelism is bounded by a global worker limit.
type Queue struct {
	mu    sync.Mutex
	ops   map[string]*opState
	lanes map[string]*lane

	sem     *semaphore.Weighted
	locks   *agentlock.Registry
	pool    *browserpool.Pool
	exec    automation.Executor
	store   persistence.Store
	hub     *events.Hub
	metrics *metrics.OrchestratorMetrics

	defaultTimeout    time.Duration
	dedupRetention    time.Duration
	preemptionTimeout time.Duration
	lockPoll          time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// Options bundles the queue's tunables.
type Options struct {
	WorkerLimit       int64
	DefaultTimeout    time.Duration
	DedupRetention    time.Duration
	PreemptionTimeout time.Duration
	LockPollInterval  time.Duration
}

// New creates an operation queue. Metrics may be nil (tests).
func New(locks *agentlock.Registry, pool *browserpool.Pool, exec automation.Executor,
	store persistence.Store, hub *events.Hub, m *metrics.OrchestratorMetrics, opts Options) *Queue {
	if opts.WorkerLimit <= 0 {
		opts.WorkerLimit = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 3 * time.Minute
	}
	if opts.DedupRetention <= 0 {
		opts.DedupRetention = 2 * time.Minute
	}
	if opts.PreemptionTimeout <= 0 {
		opts.PreemptionTimeout = 12 * time.Second
	}
	if opts.LockPollInterval <= 0 {
		opts.LockPollInterval = 250 * time.Millisecond
	}

	baseCtx, stop := context.WithCancel(context.Background())
	q := &Queue{
		ops:               make(map[string]*opState),
		lanes:             make(map[string]*lane),
		sem:               semaphore.NewWeighted(opts.WorkerLimit),
		locks:             locks,
		pool:              pool,
		exec:              exec,
		store:             store,
		hub:               hub,
		metrics:           m,
		defaultTimeout:    opts.DefaultTimeout,
		dedupRetention:    opts.DedupRetention,
		preemptionTimeout: opts.PreemptionTimeout,
		lockPoll:          opts.LockPollInterval,
		baseCtx:           baseCtx,
		stop:              stop,
	}

	q.wg.Add(1)
	go q.janitor()
	return q
}

// Submit admits an operation. The operation's ID is its idempotency key:
//   - an active (queued or running) operation with the same ID rejects the
//     submission with ErrDuplicate, returning the existing status;
//   - a terminal operation still inside the dedup retention window replays its
//     recorded outcome without executing again;
//   - after the window, the same ID is accepted as a fresh operation.
func (q *Queue) Submit(op models.Operation) (*Status, error) {
	if op.ID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	if op.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if !models.ValidOperationType(op.Type) {
		return nil, fmt.Errorf("unknown operation type: %q", op.Type)
	}
	if op.Timeout <= 0 {
		op.Timeout = q.defaultTimeout
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	if existing, ok := q.ops[op.ID]; ok {
		if !existing.state.Terminal() {
			snap := existing.snapshot()
			q.mu.Unlock()
			return snap, ErrDuplicate
		}
		if time.Since(existing.finishedAt) < q.dedupRetention {
			snap := existing.snapshot()
			q.mu.Unlock()
			log.Printf(`{"level":"info","message":"Replaying deduplicated operation result","operation_id":"%s","state":"%s"}`,
				op.ID, snap.State)
			return snap, nil
		}
		// Retention expired; the id can be reused.
		delete(q.ops, op.ID)
	}

	state := &opState{op: op, state: models.OperationQueued}
	q.ops[op.ID] = state

	ln, ok := q.lanes[op.AgentID]
	if !ok {
		ln = &lane{}
		q.lanes[op.AgentID] = ln
	}
	ln.pending = append(ln.pending, state)
	if !ln.active {
		ln.active = true
		q.wg.Add(1)
		go q.runLane(op.AgentID)
	}
	snap := state.snapshot()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.RecordOperationSubmitted(q.baseCtx, op.AgentID, string(op.Type))
	}
	return snap, nil
}

// Status returns the current snapshot for an operation id.
func (q *Queue) Status(id string) (*Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.snapshot(), nil
}

// Cancel withdraws a queued operation or requests cooperative cancellation of
// a running one. Terminal operations cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	state, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if state.state.Terminal() {
		q.mu.Unlock()
		return ErrTerminal
	}

	state.cancelRequested = true
	if state.state == models.OperationQueued {
		// The lane runner skips it; finalize here so status is immediate.
		q.transitionLocked(state, models.OperationCancelled, nil, "cancelled before dispatch")
		q.mu.Unlock()
		q.finalize(state.snapshot(), 0)
		return nil
	}

	cancel := state.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Active returns how many operations are queued or running.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, state := range q.ops {
		if !state.state.Terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops admitting work, cancels running operations, and waits for
// lane runners to drain, up to ctx's deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for _, state := range q.ops {
		if state.cancel != nil {
			state.cancelRequested = true
			state.cancel()
		}
	}
	q.mu.Unlock()
	q.stop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLane drains one agent's pending operations in FIFO order.
func (q *Queue) runLane(agentID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		ln := q.lanes[agentID]
		if q.closed {
			// Queued operations must not stay queued forever once the
			// queue stops dispatching.
			leftover := ln.pending
			ln.pending = nil
			ln.active = false
			q.mu.Unlock()
			for _, state := range leftover {
				q.abandon(state, "queue shut down")
			}
			return
		}
		if len(ln.pending) == 0 {
			ln.active = false
			q.mu.Unlock()
			return
		}
		state := ln.pending[0]
		ln.pending = ln.pending[1:]
		skip := state.state.Terminal() // cancelled while queued
		q.mu.Unlock()

		if skip {
			continue
		}
		if err := q.sem.Acquire(q.baseCtx, 1); err != nil {
			q.abandon(state, "queue shut down")
			continue
		}
		q.execute(state)
		q.sem.Release(1)
	}
}

// execute runs one operation end to end: lock, browser context, UI task.
func (q *Queue) execute(state *opState) {
	q.mu.Lock()
	if state.state.Terminal() {
		q.mu.Unlock()
		return
	}
	opCtx, cancel := context.WithTimeout(q.baseCtx, state.op.Timeout)
	state.cancel = cancel
	q.transitionLocked(state, models.OperationRunning, nil, "")
	op := state.op
	q.mu.Unlock()
	defer cancel()

	if q.hub != nil {
		q.hub.Publish(models.EventOperationStarted, map[string]interface{}{
			"operation_id": op.ID,
			"agent_id":     op.AgentID,
			"type":         string(op.Type),
		})
	}
	if q.metrics != nil {
		q.metrics.RecordOperationStarted(q.baseCtx, op.AgentID)
	}
	started := time.Now()

	holder := "op:" + op.ID
	if err := q.acquireLock(opCtx, op.AgentID, holder, agentlock.StopFunc(cancel)); err != nil {
		q.fail(state, started, err)
		return
	}
	defer q.locks.Release(op.AgentID, holder)

	sess, err := q.pool.Acquire(opCtx, op.AgentID)
	if err != nil {
		q.fail(state, started, err)
		return
	}
	defer q.pool.Release(op.AgentID)

	result, err := q.exec.RunTask(opCtx, automation.Task{
		Type:    string(op.Type),
		AgentID: op.AgentID,
		Payload: op.Payload,
	}, sess.Session)
	if err != nil {
		q.fail(state, started, err)
		return
	}

	q.mu.Lock()
	var output map[string]interface{}
	if result != nil {
		output = result.Output
	}
	q.transitionLocked(state, models.OperationCompleted, output, "")
	snap := state.snapshot()
	q.mu.Unlock()
	q.finalize(snap, time.Since(started))
}

// acquireLock takes the agent lock for an operation. Operations outrank
// background syncs: a sync holder is asked to stop and the lock is awaited up
// to the preemption timeout. Any other contention (a leaked lock mid-lease)
// is waited out politely.
func (q *Queue) acquireLock(ctx context.Context, agentID, holder string, stop agentlock.StopFunc) error {
	for {
		if q.locks.Acquire(agentID, holder, stop) {
			return nil
		}

		current := q.locks.Holder(agentID)
		if strings.HasPrefix(current, "sync:") {
			if q.metrics != nil {
				q.metrics.RecordPreemption(ctx, agentID)
			}
			err := q.locks.PreemptAndAcquire(ctx, agentID, holder, stop, q.preemptionTimeout)
			if err == nil {
				return nil
			}
			if !errors.Is(err, agentlock.ErrPreemptionTimeout) {
				return err
			}
			log.Printf(`{"level":"warn","message":"Sync did not yield in time, waiting it out","agent_id":"%s","holder":"%s"}`,
				agentID, current)
		}

		// Wait for whoever holds it now, bounded by the operation's own
		// deadline.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.lockPoll):
		}
	}
}

// fail finalizes an unsuccessful run, classifying timeout vs. cancellation
// vs. plain failure.
func (q *Queue) fail(state *opState, started time.Time, err error) {
	q.mu.Lock()
	target := models.OperationFailed
	switch {
	case state.cancelRequested:
		target = models.OperationCancelled
	case errors.Is(err, context.DeadlineExceeded):
		target = models.OperationTimedOut
	}
	q.transitionLocked(state, target, nil, err.Error())
	snap := state.snapshot()
	q.mu.Unlock()
	q.finalize(snap, time.Since(started))
}

// abandon marks an operation that never got to run (shutdown mid-queue).
func (q *Queue) abandon(state *opState, reason string) {
	q.mu.Lock()
	if state.state.Terminal() {
		q.mu.Unlock()
		return
	}
	q.transitionLocked(state, models.OperationCancelled, nil, reason)
	snap := state.snapshot()
	q.mu.Unlock()
	q.finalize(snap, 0)
}

// transitionLocked applies a state change, enforcing the state machine.
// Caller holds q.mu.
func (q *Queue) transitionLocked(state *opState, to models.OperationState, output map[string]interface{}, errMsg string) {
	if !models.ValidOperationTransition(state.state, to) {
		log.Printf(`{"level":"error","message":"Invalid operation state transition","operation_id":"%s","from":"%s","to":"%s"}`,
			state.op.ID, state.state, to)
		return
	}
	state.state = to
	switch to {
	case models.OperationRunning:
		state.startedAt = time.Now().UTC()
	default:
		state.output = output
		state.errMsg = errMsg
		state.finishedAt = time.Now().UTC()
	}
}

// finalize publishes terminal events, records metrics, and writes the audit
// log entry. Best effort; a failed audit write is logged, not surfaced.
func (q *Queue) finalize(snap *Status, duration time.Duration) {
	payload := map[string]interface{}{
		"operation_id": snap.Operation.ID,
		"agent_id":     snap.Operation.AgentID,
		"type":         string(snap.Operation.Type),
		"state":        string(snap.State),
	}
	if snap.Error != "" {
		payload["error"] = snap.Error
	}

	if q.hub != nil {
		if snap.State == models.OperationCompleted {
			q.hub.Publish(models.EventOperationCompleted, payload)
		} else {
			q.hub.Publish(models.EventOperationFailed, payload)
		}
	}

	if q.metrics != nil {
		if snap.State == models.OperationCompleted {
			q.metrics.RecordOperationCompleted(q.baseCtx, snap.Operation.AgentID, string(snap.Operation.Type), duration)
		} else if !snap.StartedAt.IsZero() {
			q.metrics.RecordOperationFailed(q.baseCtx, snap.Operation.AgentID, string(snap.Operation.Type), string(snap.State), duration)
		}
	}

	if q.store != nil {
		entry := persistence.OperationLog{
			ID:         snap.Operation.ID,
			AgentID:    snap.Operation.AgentID,
			Type:       snap.Operation.Type,
			State:      snap.State,
			Error:      snap.Error,
			CreatedAt:  snap.Operation.CreatedAt,
			FinishedAt: snap.FinishedAt,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.store.RecordOperation(ctx, entry); err != nil {
			log.Printf(`{"level":"warn","message":"Failed to write operation audit entry","operation_id":"%s","error":"%v"}`,
				snap.Operation.ID, err)
		}
	}
}

// janitor prunes terminal operations past the dedup retention window so the
// in-memory table does not grow without bound.
func (q *Queue) janitor() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.dedupRetention)
	defer ticker.Stop()
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			for id, state := range q.ops {
				if state.state.Terminal() && time.Since(state.finishedAt) >= q.dedupRetention {
					delete(q.ops, id)
				}
			}
			q.mu.Unlock()
		}
	}
}
