// Package purge runs the retention purge loops that permanently remove
// soft-deleted rows once they age past the retention period.
package purge

import (
	"context"
	"log"
	"sync"
	"time"
)

// Func is one purge unit of work: remove every soft-deleted row whose
// deletion timestamp is at or before cutoff, reporting how many rows went.
type Func func(ctx context.Context, cutoff time.Time) (int64, error)

// Result is the typed outcome of a single purge pass.
type Result struct {
	Removed int64
	Err     error
}

// Stats is a snapshot of a scheduler's counters, served by the health
// endpoint.
type Stats struct {
	Ticks    uint64
	Failures uint64
	Removed  int64
	LastRun  time.Time
	LastErr  string
}

// Scheduler drives a periodic purge for one entity kind. Distinct instances
// exist per purgeable kind. Failures are logged and counted; the loop always
// continues. Cancellation is observed at tick boundaries and an in-flight
// pass is never interrupted mid-unit-of-work.
type Scheduler struct {
	name      string
	interval  time.Duration
	retention time.Duration
	fn        Func
	logger    *log.Logger

	now func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewScheduler creates a scheduler for one entity kind. name appears in log
// lines and health output.
func NewScheduler(name string, interval, retention time.Duration, fn Func, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		name:      name,
		interval:  interval,
		retention: retention,
		fn:        fn,
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks, purging once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("purge[%s]: started, interval=%s retention=%s", s.name, s.interval, s.retention)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("purge[%s]: stopped: %v", s.name, ctx.Err())
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single purge pass and records its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	cutoff := s.now().Add(-s.retention)
	removed, err := s.fn(ctx, cutoff)
	res := Result{Removed: removed, Err: err}

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastRun = s.now()
	if err != nil {
		s.stats.Failures++
		s.stats.LastErr = err.Error()
	} else {
		s.stats.Removed += removed
		s.stats.LastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Printf("purge[%s]: pass failed: %v", s.name, err)
	} else if removed > 0 {
		s.logger.Printf("purge[%s]: removed %d rows older than %s", s.name, removed, cutoff.Format(time.RFC3339))
	}
	return res
}

// Name returns the entity kind this scheduler owns.
func (s *Scheduler) Name() string {
	return s.name
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
