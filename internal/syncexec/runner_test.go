package syncexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendra/field-sales/erp-orchestrator/internal/agentlock"
	"github.com/vendra/field-sales/erp-orchestrator/internal/automation"
	"github.com/vendra/field-sales/erp-orchestrator/internal/browserpool"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
)

type stubSession struct{}

func (s *stubSession) Close() error { return nil }

type stubFactory struct{}

func (f *stubFactory) NewSession(_ context.Context, _ string) (browserpool.Session, error) {
	return &stubSession{}, nil
}

// fakeExecutor returns canned results or errors, one per call.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	results []*automation.Result
	errs    []error
}

func (e *fakeExecutor) RunTask(ctx context.Context, _ automation.Task, _ browserpool.Session) (*automation.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i < len(e.results) {
		return e.results[i], nil
	}
	return &automation.Result{}, nil
}

// memStore is an in-memory persistence.Store for runner tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string]models.Record // kind -> key -> record
	hashes  map[string]map[string]string        // kind -> key -> sync hash
	upserts int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]map[string]models.Record),
		hashes:  make(map[string]map[string]string),
	}
}

func (s *memStore) seed(kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[kind] == nil {
		s.records[kind] = make(map[string]models.Record)
		s.hashes[kind] = make(map[string]string)
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("seed-%d", i)
		s.records[kind][key] = models.Record{Kind: kind, Key: key}
		s.hashes[kind][key] = "old"
	}
}

func (s *memStore) Upsert(_ context.Context, records []models.Record, syncHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for _, rec := range records {
		if s.records[rec.Kind] == nil {
			s.records[rec.Kind] = make(map[string]models.Record)
			s.hashes[rec.Kind] = make(map[string]string)
		}
		s.records[rec.Kind][rec.Key] = rec
		s.hashes[rec.Kind][rec.Key] = syncHash
	}
	return nil
}

func (s *memStore) DeleteStale(_ context.Context, kind string, syncHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	var n int64
	for key, hash := range s.hashes[kind] {
		if hash != syncHash {
			delete(s.records[kind], key)
			delete(s.hashes[kind], key)
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountRecords(_ context.Context, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[kind]), nil
}

func (s *memStore) RecordSyncRun(_ context.Context, _ persistence.SyncRun) error { return nil }
func (s *memStore) LastSyncRuns(_ context.Context) (map[models.SyncType]persistence.SyncRun, error) {
	return nil, nil
}
func (s *memStore) RecordOperation(_ context.Context, _ persistence.OperationLog) error { return nil }

func syncRecords(kind string, n int) []models.Record {
	records := make([]models.Record, n)
	for i := range records {
		records[i] = models.Record{Kind: kind, Key: fmt.Sprintf("rec-%d", i)}
	}
	return records
}

func newTestRunner(exec automation.Executor, store persistence.Store) (*Runner, *agentlock.Registry) {
	locks := agentlock.NewRegistry(10*time.Minute, 5*time.Millisecond)
	pool := browserpool.New(&stubFactory{}, 4)
	r := NewRunner(locks, pool, exec, store, fastRetryPolicy(), Options{
		IntegrityFloor: 0.5,
		LockWait:       50 * time.Millisecond,
		LockPoll:       5 * time.Millisecond,
		BatchSize:      10,
	})
	return r, locks
}

func syncReq(t models.SyncType, mode models.SyncMode) *models.SyncRequest {
	return &models.SyncRequest{
		Type:        t,
		AgentID:     "erp-sync-bot",
		Mode:        mode,
		RequestedAt: time.Now(),
	}
}

func TestRunner_Run(t *testing.T) {
	t.Run("successful sync upserts and deletes stale", func(t *testing.T) {
		store := newMemStore()
		store.seed("customers", 30)
		exec := &fakeExecutor{results: []*automation.Result{
			{Records: syncRecords("customers", 25), Expected: 25},
		}}
		runner, locks := newTestRunner(exec, store)

		outcome, err := runner.Run(context.Background(), syncReq(models.SyncCustomers, models.SyncModeScheduled))
		require.NoError(t, err)
		assert.Equal(t, 25, outcome.Records)
		assert.Equal(t, int64(30), outcome.Deleted)

		count, _ := store.CountRecords(context.Background(), "customers")
		assert.Equal(t, 25, count)
		assert.Equal(t, "", locks.Holder("erp-sync-bot"), "lock must be released after the run")
	})

	t.Run("suspiciously small export aborts before any write", func(t *testing.T) {
		store := newMemStore()
		store.seed("customers", 1500)
		exec := &fakeExecutor{results: []*automation.Result{
			{Records: syncRecords("customers", 3)},
		}}
		runner, _ := newTestRunner(exec, store)

		_, err := runner.Run(context.Background(), syncReq(models.SyncCustomers, models.SyncModeScheduled))
		var intErr *IntegrityError
		require.ErrorAs(t, err, &intErr)
		assert.Equal(t, 3, intErr.Got)
		assert.Equal(t, 1500, intErr.Previous)

		assert.Equal(t, 0, store.upserts, "no writes after an integrity abort")
		assert.Equal(t, 0, store.deletes, "no deletions after an integrity abort")
		count, _ := store.CountRecords(context.Background(), "customers")
		assert.Equal(t, 1500, count)
	})

	t.Run("export short of its declared total aborts", func(t *testing.T) {
		store := newMemStore()
		exec := &fakeExecutor{results: []*automation.Result{
			{Records: syncRecords("orders", 40), Expected: 100},
		}}
		runner, _ := newTestRunner(exec, store)

		_, err := runner.Run(context.Background(), syncReq(models.SyncOrders, models.SyncModeScheduled))
		var intErr *IntegrityError
		require.ErrorAs(t, err, &intErr)
		assert.Equal(t, 0, store.deletes)
	})

	t.Run("incomplete export error from the parser aborts", func(t *testing.T) {
		store := newMemStore()
		store.seed("invoices", 200)
		exec := &fakeExecutor{errs: []error{
			&automation.IncompleteExportError{Got: 12, Expected: 200},
		}}
		runner, _ := newTestRunner(exec, store)

		_, err := runner.Run(context.Background(), syncReq(models.SyncInvoices, models.SyncModeScheduled))
		var intErr *IntegrityError
		require.ErrorAs(t, err, &intErr)
		assert.Equal(t, 0, store.deletes)
	})

	t.Run("transient failure retries then succeeds", func(t *testing.T) {
		store := newMemStore()
		exec := &fakeExecutor{
			errs: []error{
				&automation.NetworkError{Op: "export", Err: errors.New("reset")},
				&automation.NetworkError{Op: "export", Err: errors.New("reset")},
				nil,
			},
			results: []*automation.Result{nil, nil,
				{Records: syncRecords("prices", 12), Expected: 12},
			},
		}
		runner, _ := newTestRunner(exec, store)

		outcome, err := runner.Run(context.Background(), syncReq(models.SyncPrices, models.SyncModeScheduled))
		require.NoError(t, err)
		assert.Equal(t, 3, exec.calls)
		assert.Equal(t, 12, outcome.Records)
	})

	t.Run("validation failure is not retried", func(t *testing.T) {
		store := newMemStore()
		exec := &fakeExecutor{errs: []error{
			&automation.ValidationError{Reason: "export disabled"},
		}}
		runner, _ := newTestRunner(exec, store)

		_, err := runner.Run(context.Background(), syncReq(models.SyncProducts, models.SyncModeScheduled))
		require.Error(t, err)
		assert.Equal(t, 1, exec.calls)
	})

	t.Run("smart mode never deletes", func(t *testing.T) {
		store := newMemStore()
		store.seed("customers", 500)
		exec := &fakeExecutor{results: []*automation.Result{
			{Records: syncRecords("customers", 480), Expected: 480},
		}}
		runner, _ := newTestRunner(exec, store)

		outcome, err := runner.Run(context.Background(), syncReq(models.SyncCustomers, models.SyncModeSmart))
		require.NoError(t, err)
		assert.Equal(t, int64(0), outcome.Deleted)
		assert.Equal(t, 0, store.deletes)
	})

	t.Run("smart narrow window passes the floor check", func(t *testing.T) {
		store := newMemStore()
		store.seed("customers", 500)
		exec := &fakeExecutor{results: []*automation.Result{
			// A bounded-lookback refresh legitimately returns a tiny slice of
			// the stored set; that must not read as a truncated export.
			{Records: syncRecords("customers", 20), Expected: 20},
		}}
		runner, _ := newTestRunner(exec, store)

		outcome, err := runner.Run(context.Background(), syncReq(models.SyncCustomers, models.SyncModeSmart))
		require.NoError(t, err)
		assert.Equal(t, 20, outcome.Records)
		assert.Equal(t, int64(0), outcome.Deleted)
		assert.Equal(t, 2, store.upserts, "narrow results are still persisted")
		assert.Equal(t, 0, store.deletes)
	})

	t.Run("scheduled sync below the floor still aborts", func(t *testing.T) {
		store := newMemStore()
		store.seed("customers", 500)
		exec := &fakeExecutor{results: []*automation.Result{
			{Records: syncRecords("customers", 20), Expected: 20},
		}}
		runner, _ := newTestRunner(exec, store)

		_, err := runner.Run(context.Background(), syncReq(models.SyncCustomers, models.SyncModeScheduled))
		var intErr *IntegrityError
		require.ErrorAs(t, err, &intErr)
		assert.Equal(t, 0, store.upserts)
		assert.Equal(t, 0, store.deletes)
	})

	t.Run("preemption stop aborts without deleting", func(t *testing.T) {
		store := newMemStore()
		store.seed("orders", 50)
		exec := &fakeExecutor{}
		runner, locks := newTestRunner(exec, store)

		started := make(chan struct{})
		exec.errs = nil
		execBlocked := &blockingExecutor{started: started}
		runner.exec = execBlocked

		done := make(chan error, 1)
		go func() {
			_, err := runner.Run(context.Background(), syncReq(models.SyncOrders, models.SyncModeScheduled))
			done <- err
		}()

		<-started
		require.True(t, locks.RequestStop("erp-sync-bot"))

		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("run did not stop after the stop request")
		}
		assert.Equal(t, 0, store.deletes)
	})

	t.Run("busy lock yields instead of preempting", func(t *testing.T) {
		store := newMemStore()
		exec := &fakeExecutor{}
		runner, locks := newTestRunner(exec, store)

		require.True(t, locks.Acquire("erp-sync-bot", "op:abc123", nil))
		_, err := runner.Run(context.Background(), syncReq(models.SyncOrders, models.SyncModeScheduled))
		require.ErrorIs(t, err, ErrLockBusy)
		assert.Equal(t, "op:abc123", locks.Holder("erp-sync-bot"), "operation keeps its lock")
		assert.Equal(t, 0, exec.calls)
	})

	t.Run("acquires lock once the holder releases", func(t *testing.T) {
		store := newMemStore()
		exec := &fakeExecutor{results: []*automation.Result{
			{Records: syncRecords("orders", 5), Expected: 5},
		}}
		runner, locks := newTestRunner(exec, store)

		require.True(t, locks.Acquire("erp-sync-bot", "op:short", nil))
		go func() {
			time.Sleep(15 * time.Millisecond)
			locks.Release("erp-sync-bot", "op:short")
		}()

		outcome, err := runner.Run(context.Background(), syncReq(models.SyncOrders, models.SyncModeScheduled))
		require.NoError(t, err)
		assert.Equal(t, 5, outcome.Records)
	})
}

// blockingExecutor blocks until its context is cancelled, signalling started
// first, so tests can deliver a stop request mid-run.
type blockingExecutor struct {
	started   chan struct{}
	startOnce sync.Once
}

func (e *blockingExecutor) RunTask(ctx context.Context, _ automation.Task, _ browserpool.Session) (*automation.Result, error) {
	e.startOnce.Do(func() { close(e.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}
