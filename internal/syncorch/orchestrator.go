package syncorch

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendra/field-sales/erp-orchestrator/internal/events"
	"github.com/vendra/field-sales/erp-orchestrator/internal/metrics"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
	"github.com/vendra/field-sales/erp-orchestrator/internal/syncexec"
)

// SyncRunner executes one sync request end to end. The concrete implementation
// is syncexec.Runner; tests inject fakes.
type SyncRunner interface {
	Run(ctx context.Context, req *models.SyncRequest) (*syncexec.Outcome, error)
}

// RequestOutcome tells the caller what happened to a sync request.
type RequestOutcome string

const (
	// RequestQueued means the request was added to the queue.
	RequestQueued RequestOutcome = "queued"
	// RequestCoalesced means a request for the same type was already queued
	// and absorbed this one, keeping the higher priority of the two.
	RequestCoalesced RequestOutcome = "coalesced"
	// RequestRunning means a sync of this type is running right now; the
	// request was dropped because its data is about to be fresh anyway.
	RequestRunning RequestOutcome = "running"
)

// pendingSync is one queued request plus its admission sequence number.
type pendingSync struct {
	req *models.SyncRequest
	seq uint64
}

// syncHeap orders by priority descending, then admission order ascending, so
// equal-priority requests run first come, first served.
type syncHeap []*pendingSync

func (h syncHeap) Len() int { return len(h) }

func (h syncHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h syncHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *syncHeap) Push(x interface{}) { *h = append(*h, x.(*pendingSync)) }
func (h *syncHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type typeStats struct {
	lastRunAt    time.Time
	lastDuration time.Duration
	lastError    string
	lastRecords  int
	runs         int
	failures     int
}

// Options bundles the orchestrator's tunables.
type Options struct {
	// AgentID is the service account whose ERP session background syncs use.
	AgentID string
	// Priorities maps each sync type to its default priority.
	Priorities map[models.SyncType]int
	// ForegroundTimeout force-exits foreground mode if a client never calls
	// exit, so background syncs cannot starve forever.
	ForegroundTimeout time.Duration
	// SmartLookback and SmartRecordCap bound the just-in-time customer
	// refresh fired when the first agent enters order composition.
	SmartLookback  time.Duration
	SmartRecordCap int
	// RequeueDelay spaces out retries after a sync yielded the agent lock or
	// was preempted mid-run.
	RequeueDelay time.Duration
}

// Orchestrator serializes background syncs behind a single global slot,
// ordered by priority. It owns foreground suppression: while any agent is
// composing an order, only smart refreshes are dispatched.
type Orchestrator struct {
	runner  SyncRunner
	store   persistence.Store
	hub     *events.Hub
	metrics *metrics.OrchestratorMetrics
	opts    Options

	mu         sync.Mutex
	queue      syncHeap
	queued     map[models.SyncType]*pendingSync
	running    *models.SyncRequest
	seq        uint64
	stats      map[models.SyncType]*typeStats
	foreground map[string]time.Time
	fgTimer    *time.Timer

	notify  chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New creates a sync orchestrator. Call Start to begin dispatching.
func New(runner SyncRunner, store persistence.Store, hub *events.Hub,
	m *metrics.OrchestratorMetrics, opts Options) *Orchestrator {
	if opts.AgentID == "" {
		opts.AgentID = "erp-sync-bot"
	}
	if opts.ForegroundTimeout <= 0 {
		opts.ForegroundTimeout = 15 * time.Minute
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = 5 * time.Second
	}

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		runner:     runner,
		store:      store,
		hub:        hub,
		metrics:    m,
		opts:       opts,
		queued:     make(map[models.SyncType]*pendingSync),
		stats:      make(map[models.SyncType]*typeStats),
		foreground: make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
		baseCtx:    baseCtx,
		stop:       stop,
	}
	for _, t := range models.AllSyncTypes {
		o.stats[t] = &typeStats{}
	}
	return o
}

// Start launches the dispatch loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.loop()
}

// Shutdown stops dispatching and waits for a running sync to finish or stop
// cooperatively, up to ctx's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	if o.fgTimer != nil {
		o.fgTimer.Stop()
		o.fgTimer = nil
	}
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request enqueues a sync at the type's configured default priority.
func (o *Orchestrator) Request(t models.SyncType, mode models.SyncMode, payload map[string]interface{}) (RequestOutcome, error) {
	return o.RequestWithPriority(t, mode, 0, payload)
}

// RequestWithPriority enqueues a sync; priority <= 0 falls back to the type's
// configured default. At most one request per type is queued at a time; a
// second request for the same type is coalesced into the first, keeping the
// higher priority. A type that is running right now is not re-queued.
func (o *Orchestrator) RequestWithPriority(t models.SyncType, mode models.SyncMode, priority int, payload map[string]interface{}) (RequestOutcome, error) {
	if priority <= 0 {
		priority = o.opts.Priorities[t]
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", errors.New("sync orchestrator is shut down")
	}

	if o.running != nil && o.running.Type == t {
		o.mu.Unlock()
		return RequestRunning, nil
	}

	if existing, ok := o.queued[t]; ok {
		if priority > existing.req.Priority {
			existing.req.Priority = priority
			heap.Init(&o.queue)
		}
		// Manual beats scheduled for dispatch admission bookkeeping.
		if mode == models.SyncModeManual {
			existing.req.Mode = mode
		}
		o.mu.Unlock()
		return RequestCoalesced, nil
	}

	o.seq++
	item := &pendingSync{
		req: &models.SyncRequest{
			Type:        t,
			AgentID:     o.opts.AgentID,
			Priority:    priority,
			Mode:        mode,
			RequestedAt: time.Now().UTC(),
			Payload:     payload,
		},
		seq: o.seq,
	}
	heap.Push(&o.queue, item)
	o.queued[t] = item
	o.mu.Unlock()

	if o.hub != nil {
		o.hub.Publish(models.EventSyncQueued, map[string]interface{}{
			"sync_type": string(t),
			"mode":      string(mode),
			"priority":  priority,
		})
	}
	o.wake()
	return RequestQueued, nil
}

// ForegroundEnter suppresses background syncs while agentID composes an
// order. The first agent in also triggers a smart customer refresh so the
// order form shows anything created minutes ago on another device.
func (o *Orchestrator) ForegroundEnter(agentID string) {
	o.mu.Lock()
	_, already := o.foreground[agentID]
	o.foreground[agentID] = time.Now().UTC()
	first := !already && len(o.foreground) == 1
	if first {
		o.armForegroundTimerLocked()
	}
	o.mu.Unlock()

	if already {
		return
	}
	if o.hub != nil {
		o.hub.Publish(models.EventForegroundEntered, map[string]interface{}{
			"agent_id": agentID,
		})
	}
	if first {
		if _, err := o.Request(models.SyncCustomers, models.SyncModeSmart, map[string]interface{}{
			"lookback":   o.opts.SmartLookback.String(),
			"record_cap": o.opts.SmartRecordCap,
		}); err != nil {
			log.Printf(`{"level":"warn","message":"Smart customer refresh not queued","error":"%v"}`, err)
		}
	}
}

// ForegroundExit lifts agentID's suppression. Exiting without a matching
// enter is a no-op.
func (o *Orchestrator) ForegroundExit(agentID string) {
	o.mu.Lock()
	_, ok := o.foreground[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.foreground, agentID)
	last := len(o.foreground) == 0
	if last && o.fgTimer != nil {
		o.fgTimer.Stop()
		o.fgTimer = nil
	}
	o.mu.Unlock()

	if o.hub != nil {
		o.hub.Publish(models.EventForegroundExited, map[string]interface{}{
			"agent_id": agentID,
		})
	}
	if last {
		o.wake()
	}
}

// armForegroundTimerLocked schedules the safety reset. A client that crashed
// mid-composition must not suppress syncs forever. Caller holds o.mu.
func (o *Orchestrator) armForegroundTimerLocked() {
	if o.fgTimer != nil {
		o.fgTimer.Stop()
	}
	o.fgTimer = time.AfterFunc(o.opts.ForegroundTimeout, func() {
		o.mu.Lock()
		if len(o.foreground) == 0 {
			o.mu.Unlock()
			return
		}
		stale := make([]string, 0, len(o.foreground))
		for agentID := range o.foreground {
			stale = append(stale, agentID)
			delete(o.foreground, agentID)
		}
		o.fgTimer = nil
		o.mu.Unlock()

		log.Printf(`{"level":"warn","message":"Foreground safety timeout, resuming background syncs","stale_agents":%d}`,
			len(stale))
		if o.hub != nil {
			for _, agentID := range stale {
				o.hub.Publish(models.EventForegroundExited, map[string]interface{}{
					"agent_id": agentID,
					"forced":   true,
				})
			}
		}
		o.wake()
	})
}

// ForegroundActive reports whether any agent currently suppresses syncs.
func (o *Orchestrator) ForegroundActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.foreground) > 0
}

// StatusReport is the monitoring snapshot of the sync subsystem.
type StatusReport struct {
	Running          *models.SyncRequest    `json:"running,omitempty"`
	Queued           []models.SyncRequest   `json:"queued"`
	Types            []models.SyncTypeState `json:"types"`
	ForegroundAgents int                    `json:"foreground_agents"`
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() StatusReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := StatusReport{
		ForegroundAgents: len(o.foreground),
		Queued:           make([]models.SyncRequest, 0, len(o.queue)),
	}
	if o.running != nil {
		r := *o.running
		report.Running = &r
	}
	for _, item := range o.queue {
		report.Queued = append(report.Queued, *item.req)
	}
	for _, t := range models.AllSyncTypes {
		st := o.stats[t]
		_, isQueued := o.queued[t]
		report.Types = append(report.Types, models.SyncTypeState{
			Type:         t,
			LastRunAt:    st.lastRunAt,
			LastDuration: st.lastDuration,
			LastError:    st.lastError,
			LastRecords:  st.lastRecords,
			Runs:         st.runs,
			Failures:     st.failures,
			Queued:       isQueued,
		})
	}
	return report
}

func (o *Orchestrator) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// loop dispatches at most one sync at a time.
func (o *Orchestrator) loop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-o.notify:
		}

		for {
			req := o.next()
			if req == nil {
				break
			}
			o.dispatch(req)
		}
	}
}

// next pops the highest-priority admissible request, or nil when the slot is
// busy or nothing may run. While foreground mode is active only smart
// requests are admissible.
func (o *Orchestrator) next() *models.SyncRequest {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running != nil || len(o.queue) == 0 || o.closed {
		return nil
	}

	suppressed := len(o.foreground) > 0
	best := -1
	for i, item := range o.queue {
		if suppressed && item.req.Mode != models.SyncModeSmart {
			continue
		}
		if best == -1 || o.queue.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	item := heap.Remove(&o.queue, best).(*pendingSync)
	delete(o.queued, item.req.Type)
	o.running = item.req
	return item.req
}

// dispatch runs one sync synchronously; the loop owns the global slot.
func (o *Orchestrator) dispatch(req *models.SyncRequest) {
	if o.hub != nil {
		o.hub.Publish(models.EventSyncStarted, map[string]interface{}{
			"sync_type": string(req.Type),
			"mode":      string(req.Mode),
		})
	}
	log.Printf(`{"level":"info","message":"Sync started","sync_type":"%s","mode":"%s","priority":%d}`,
		req.Type, req.Mode, req.Priority)

	started := time.Now()
	outcome, err := o.runner.Run(o.baseCtx, req)
	duration := time.Since(started)

	o.mu.Lock()
	o.running = nil
	st := o.stats[req.Type]
	st.lastRunAt = started.UTC()
	st.lastDuration = duration
	st.runs++
	if err != nil {
		st.failures++
		st.lastError = err.Error()
	} else {
		st.lastError = ""
		st.lastRecords = outcome.Records
	}
	o.mu.Unlock()

	o.recordRun(req, started, duration, outcome, err)

	switch {
	case err == nil:
		if o.hub != nil {
			o.hub.Publish(models.EventSyncCompleted, map[string]interface{}{
				"sync_type": string(req.Type),
				"mode":      string(req.Mode),
				"records":   outcome.Records,
				"deleted":   outcome.Deleted,
			})
		}
		if o.metrics != nil {
			o.metrics.RecordSyncCompleted(o.baseCtx, string(req.Type), string(req.Mode), outcome.Records, duration)
		}
		log.Printf(`{"level":"info","message":"Sync completed","sync_type":"%s","records":%d,"deleted":%d,"duration":"%s"}`,
			req.Type, outcome.Records, outcome.Deleted, duration)

	case errors.Is(err, syncexec.ErrStopped), errors.Is(err, syncexec.ErrLockBusy):
		// The sync yielded to interactive work; try again shortly.
		log.Printf(`{"level":"info","message":"Sync yielded, requeueing","sync_type":"%s","reason":"%v"}`,
			req.Type, err)
		time.AfterFunc(o.opts.RequeueDelay, func() {
			if _, reqErr := o.RequestWithPriority(req.Type, req.Mode, req.Priority, req.Payload); reqErr != nil {
				log.Printf(`{"level":"warn","message":"Yielded sync not requeued","sync_type":"%s","error":"%v"}`,
					req.Type, reqErr)
			}
		})

	default:
		if o.hub != nil {
			o.hub.Publish(models.EventSyncFailed, map[string]interface{}{
				"sync_type": string(req.Type),
				"mode":      string(req.Mode),
				"error":     err.Error(),
			})
		}
		if o.metrics != nil {
			o.metrics.RecordSyncFailed(o.baseCtx, string(req.Type), string(req.Mode), classify(err), duration)
		}
		log.Printf(`{"level":"error","message":"Sync failed","sync_type":"%s","mode":"%s","error":"%v"}`,
			req.Type, req.Mode, err)
	}
}

// recordRun persists the run for the status surface. Yields are not recorded;
// they are scheduling noise, not outcomes.
func (o *Orchestrator) recordRun(req *models.SyncRequest, started time.Time, duration time.Duration,
	outcome *syncexec.Outcome, err error) {
	if o.store == nil {
		return
	}
	if errors.Is(err, syncexec.ErrStopped) || errors.Is(err, syncexec.ErrLockBusy) {
		return
	}

	run := persistence.SyncRun{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Mode:      req.Mode,
		StartedAt: started.UTC(),
		Duration:  duration,
		Success:   err == nil,
	}
	if err != nil {
		run.Error = err.Error()
	} else {
		run.Records = outcome.Records
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if storeErr := o.store.RecordSyncRun(ctx, run); storeErr != nil {
		log.Printf(`{"level":"warn","message":"Failed to record sync run","sync_type":"%s","error":"%v"}`,
			req.Type, storeErr)
	}
}

func classify(err error) string {
	var intErr *syncexec.IntegrityError
	if errors.As(err, &intErr) {
		return "integrity_error"
	}
	return "execution_error"
}
