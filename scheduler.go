package tape

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// SchedulerTick sets the polling cadence (default: 5s).
func SchedulerTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tick = d }
}

// SchedulerWorkers bounds how many strategy cycles run in parallel
// (default: 8).
func SchedulerWorkers(n int) SchedulerOption {
	return func(s *Scheduler) { s.workers = n }
}

// SchedulerClock injects the time source (default: time.Now).
func SchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = now }
}

// SchedulerLogger sets the structured logger (default: no output).
func SchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler is the background loop behind strategy execution. Every tick it
// queries for enabled, approved strategies whose cadence has elapsed and
// feeds them to a bounded worker pool. Cycles for one strategy never
// overlap; under saturation the batch is ordered round-robin across users
// so one busy user cannot starve the rest.
type Scheduler struct {
	store   StrategyStore
	exec    *Executor
	tick    time.Duration
	workers int
	clock   func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	wg  sync.WaitGroup
	sem chan struct{}
}

// NewScheduler creates a scheduler over store and exec.
func NewScheduler(store StrategyStore, exec *Executor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		exec:     exec,
		tick:     5 * time.Second,
		workers:  8,
		clock:    time.Now,
		logger:   nopLogger,
		inFlight: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.workers)
	return s
}

// Run blocks until ctx ends, ticking at the configured cadence. In-flight
// cycles are allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", s.tick, "workers", s.workers)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one poll cycle: query due strategies, order them fairly,
// and dispatch onto the worker pool. Exported so tests and manual triggers
// can drive the scheduler without the timer.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()
	due, err := s.store.DueStrategies(ctx, now)
	if err != nil {
		s.logger.Warn("due query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	for _, st := range roundRobinByUser(due) {
		if ctx.Err() != nil {
			return
		}
		if !s.claim(st.ID) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.release(st.ID)
			return
		}
		s.wg.Add(1)
		go func(st Strategy) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.release(st.ID)
			s.logger.Debug("cycle dispatched", "strategy_id", st.ID, "user_id", st.UserID)
			rec := s.exec.ExecuteCycle(ctx, st)
			s.logger.Debug("cycle finished", "strategy_id", st.ID, "status", rec.Status, "duration_ms", rec.DurationMS)
		}(st)
	}
}

// claim marks a strategy in flight; false means a cycle is already running.
func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// roundRobinByUser interleaves strategies one per user per round, keeping
// each user's own order. Under a saturated pool this keeps dispatch fair
// across users instead of draining one user's backlog first.
func roundRobinByUser(due []Strategy) []Strategy {
	byUser := map[string][]Strategy{}
	var users []string
	for _, st := range due {
		if _, seen := byUser[st.UserID]; !seen {
			users = append(users, st.UserID)
		}
		byUser[st.UserID] = append(byUser[st.UserID], st)
	}

	out := make([]Strategy, 0, len(due))
	for round := 0; len(out) < len(due); round++ {
		for _, u := range users {
			if q := byUser[u]; round < len(q) {
				out = append(out, q[round])
			}
		}
	}
	return out
}
