package syncexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/vendra/field-sales/erp-orchestrator/internal/agentlock"
	"github.com/vendra/field-sales/erp-orchestrator/internal/automation"
	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
)

// ErrLockBusy is returned when the sync could not get the agent lock within
// its wait window. Syncs never preempt: a user operation holding the lock
// always wins, and the orchestrator re-queues the sync.
var ErrLockBusy = errors.New("agent lock busy: sync yields to interactive work")

// ErrStopped is returned when the sync observed its stop signal and exited at
// a safe checkpoint. Committed batches stay; nothing was deleted.
var ErrStopped = errors.New("sync stopped cooperatively")

// IntegrityError marks an aborted sync whose export looked truncated. The
// persisted record set is exactly what it was before the attempt.
type IntegrityError struct {
	Type     models.SyncType
	Got      int
	Previous int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sync %s aborted: export returned %d records against %d stored, refusing to delete",
		e.Type, e.Got, e.Previous)
}

// Outcome summarizes a completed sync run.
type Outcome struct {
	Records int
	Deleted int64
}

// Options bundles the runner's tunables. Zero values fall back to defaults.
type Options struct {
	// IntegrityFloor is the fraction of the previously stored record count
	// below which an export is treated as truncated (e.g. 0.5 means an
	// export under half the known set aborts the sync).
	IntegrityFloor float64
	// LockWait bounds how long a sync waits for a busy agent lock before
	// yielding with ErrLockBusy.
	LockWait time.Duration
	// LockPoll is the retry interval while waiting for the lock.
	LockPoll time.Duration
	// BatchSize is how many records go into one upsert transaction; the
	// stop signal is checked between batches.
	BatchSize int
}

// Runner executes one sync end to end: agent lock, browser context, export
// download (with retry), integrity guard, batched upsert with stop
// checkpoints, and the delete-stale pass.
type Runner struct {
	locks *agentlock.Registry
	pool  *browserpool.Pool
	exec  automation.Executor
	store persistence.Store
	retry *RetryPolicy

	integrityFloor float64
	lockWait       time.Duration
	lockPoll       time.Duration
	batchSize      int
}

// NewRunner wires a sync runner.
func NewRunner(locks *agentlock.Registry, pool *browserpool.Pool, exec automation.Executor,
	store persistence.Store, retry *RetryPolicy, opts Options) *Runner {
	if opts.IntegrityFloor <= 0 {
		opts.IntegrityFloor = 0.5
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 30 * time.Second
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Runner{
		locks:          locks,
		pool:           pool,
		exec:           exec,
		store:          store,
		retry:          retry,
		integrityFloor: opts.IntegrityFloor,
		lockWait:       opts.LockWait,
		lockPoll:       opts.LockPoll,
		batchSize:      opts.BatchSize,
	}
}

// Run executes the sync request. The passed context carries the
// orchestrator's lifetime; Run layers its own cancellable context on top and
// registers the cancel as the agent lock's stop callback, so a preempting
// operation cancels the run cooperatively.
func (r *Runner) Run(ctx context.Context, req *models.SyncRequest) (*Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	holder := "sync:" + string(req.Type)
	if err := r.acquireLock(runCtx, req.AgentID, holder, agentlock.StopFunc(cancel)); err != nil {
		return nil, err
	}
	defer r.locks.Release(req.AgentID, holder)

	sess, err := r.pool.Acquire(runCtx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", req.Type, err)
	}
	defer r.pool.Release(req.AgentID)

	task := automation.Task{
		Type:    automation.SyncTaskType(req.Type),
		AgentID: req.AgentID,
		Payload: req.Payload,
	}
	var result *automation.Result
	err = r.retry.Execute(runCtx, func() error {
		var runErr error
		result, runErr = r.exec.RunTask(runCtx, task, sess.Session)
		return runErr
	})
	if err != nil {
		if stopped(runCtx, err) {
			return nil, ErrStopped
		}
		if automation.IsIntegrity(err) {
			prev, _ := r.store.CountRecords(ctx, string(req.Type))
			return nil, &IntegrityError{Type: req.Type, Got: 0, Previous: prev}
		}
		return nil, fmt.Errorf("sync %s execution: %w", req.Type, err)
	}

	if err := r.guardIntegrity(ctx, req, result); err != nil {
		return nil, err
	}

	syncHash := uuid.New().String()
	if err := r.upsertBatches(runCtx, result.Records, syncHash); err != nil {
		if stopped(runCtx, err) {
			// Committed batches are consistent; the stale-delete pass is
			// skipped so nothing the interrupted run did not reach is lost.
			return nil, ErrStopped
		}
		return nil, fmt.Errorf("sync %s persist: %w", req.Type, err)
	}

	var deleted int64
	if req.Mode != models.SyncModeSmart {
		// Smart refreshes are scoped to recently-changed records and must
		// never treat absence from the narrow window as deletion.
		deleted, err = r.store.DeleteStale(runCtx, string(req.Type), syncHash)
		if err != nil {
			return nil, fmt.Errorf("sync %s delete stale: %w", req.Type, err)
		}
	}

	return &Outcome{Records: len(result.Records), Deleted: deleted}, nil
}

// acquireLock waits for the agent lock without ever preempting the holder.
func (r *Runner) acquireLock(ctx context.Context, agentID, holder string, stop agentlock.StopFunc) error {
	if r.locks.Acquire(agentID, holder, stop) {
		return nil
	}

	deadline := time.NewTimer(r.lockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.lockPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("agent %s: %w", agentID, ErrLockBusy)
		case <-ticker.C:
			if r.locks.Acquire(agentID, holder, stop) {
				return nil
			}
		}
	}
}

// guardIntegrity aborts the run when the export is implausibly small
// compared to either its own declared total or the stored record set.
func (r *Runner) guardIntegrity(ctx context.Context, req *models.SyncRequest, result *automation.Result) error {
	t := req.Type
	got := len(result.Records)

	if result.Expected > 0 && got < result.Expected {
		return &IntegrityError{Type: t, Got: got, Previous: result.Expected}
	}

	// A smart refresh fetches a narrow window that is expected to be far
	// below the stored set, and it never deletes; the floor only guards
	// full exports.
	if req.Mode == models.SyncModeSmart {
		return nil
	}

	prev, err := r.store.CountRecords(ctx, string(t))
	if err != nil {
		return fmt.Errorf("sync %s count check: %w", t, err)
	}
	if prev > 0 && float64(got) < r.integrityFloor*float64(prev) {
		log.Printf(`{"level":"warn","message":"Suspicious export size, aborting sync","sync_type":"%s","got":%d,"stored":%d}`,
			t, got, prev)
		return &IntegrityError{Type: t, Got: got, Previous: prev}
	}
	return nil
}

// upsertBatches writes records in batches, checking the stop signal between
// batches so a preempted sync exits at a committed boundary.
func (r *Runner) upsertBatches(ctx context.Context, records []models.Record, syncHash string) error {
	for start := 0; start < len(records); start += r.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + r.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := r.store.Upsert(ctx, records[start:end], syncHash); err != nil {
			return err
		}
	}
	return nil
}

// stopped reports whether err is the run context's own cancellation.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ctx.Err()))
}
