package syncorch

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vendra/field-sales/erp-orchestrator/internal/config"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// Scheduler fires the recurring sync timers. Each type gets its own start
// offset so the six timers never stampede the single sync slot at once; after
// the offset the type repeats on its interval.
type Scheduler struct {
	orch      *Orchestrator
	schedules map[models.SyncType]config.SyncSchedule

	mu      sync.Mutex
	cron    *cron.Cron
	pending []*time.Timer
	started bool
}

// NewScheduler creates a scheduler over the orchestrator.
func NewScheduler(orch *Orchestrator, schedules map[models.SyncType]config.SyncSchedule) *Scheduler {
	return &Scheduler{
		orch:      orch,
		schedules: schedules,
		cron:      cron.New(),
	}
}

// Start arms the offset timers and the recurring entries. Types with a
// non-positive interval are manual-only and get no timer.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for syncType, sched := range s.schedules {
		if sched.Interval <= 0 {
			log.Printf(`{"level":"info","message":"Sync timer disabled","sync_type":"%s"}`, syncType)
			continue
		}

		t := syncType
		interval := sched.Interval
		timer := time.AfterFunc(sched.Offset, func() {
			s.fire(t)
			s.mu.Lock()
			defer s.mu.Unlock()
			if !s.started {
				return
			}
			s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.fire(t) }))
		})
		s.pending = append(s.pending, timer)

		log.Printf(`{"level":"info","message":"Sync timer armed","sync_type":"%s","interval":"%s","offset":"%s"}`,
			syncType, sched.Interval, sched.Offset)
	}

	s.cron.Start()
}

// Stop disarms every timer. A sync already handed to the orchestrator keeps
// running; the orchestrator's own shutdown deals with it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false

	for _, timer := range s.pending {
		timer.Stop()
	}
	s.pending = nil
	s.cron.Stop()
}

func (s *Scheduler) fire(t models.SyncType) {
	outcome, err := s.orch.Request(t, models.SyncModeScheduled, nil)
	if err != nil {
		log.Printf(`{"level":"warn","message":"Scheduled sync not queued","sync_type":"%s","error":"%v"}`, t, err)
		return
	}
	log.Printf(`{"level":"debug","message":"Scheduled sync fired","sync_type":"%s","outcome":"%s"}`, t, outcome)
}
