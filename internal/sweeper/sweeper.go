// Package sweeper runs the periodic monitor sweep and the age-based
// garbage collection on a cron schedule.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/dispatchstore"
	"github.com/hochfrequenz/fleet-dispatch/internal/history"
	"github.com/hochfrequenz/fleet-dispatch/internal/monitor"
	"github.com/robfig/cron/v3"
)

// gcInterval is how often the garbage-collection pass runs
const gcInterval = 24 * time.Hour

// tickInterval is how often the loop re-evaluates the schedule
const tickInterval = 30 * time.Second

// Sweeper drives MonitorAllActive and GC on a schedule
type Sweeper struct {
	monitor       *monitor.Monitor
	store         *dispatchstore.Store
	archive       *history.Archive // nil disables archiving
	schedule      cron.Schedule
	gcMaxAgeHours int

	mu        sync.Mutex
	lastSweep time.Time
	lastGC    time.Time
	stopChan  chan struct{}
}

// New creates a sweeper. cronExpr uses the standard five-field syntax.
func New(mon *monitor.Monitor, store *dispatchstore.Store, archive *history.Archive, cronExpr string, gcMaxAgeHours int) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		monitor:       mon,
		store:         store,
		archive:       archive,
		schedule:      schedule,
		gcMaxAgeHours: gcMaxAgeHours,
		stopChan:      make(chan struct{}),
	}, nil
}

// NextSweep returns the next scheduled sweep time
func (s *Sweeper) NextSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastSweep
	if last.IsZero() {
		last = time.Now()
	}
	return s.schedule.Next(last)
}

// shouldSweep reports whether a sweep is due
func (s *Sweeper) shouldSweep(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastSweep
	if last.IsZero() {
		return true
	}
	return now.After(s.schedule.Next(last))
}

// SweepOnce runs one monitor sweep over all modes
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.mu.Lock()
	s.lastSweep = time.Now()
	s.mu.Unlock()

	results, err := s.monitor.MonitorAllActive(ctx, "")
	if err != nil {
		log.Printf("monitor sweep failed: %v", err)
		return
	}
	for _, r := range results {
		log.Printf("sweep: session %s (task %s) classified %s %s", r.SessionID, r.TaskID, r.State, r.FailureCode)
	}
}

// GCOnce garbage-collects aged terminal records, archiving them when an
// archive is configured.
func (s *Sweeper) GCOnce() {
	s.mu.Lock()
	s.lastGC = time.Now()
	s.mu.Unlock()

	removed, err := s.store.RemoveCompleted(s.gcMaxAgeHours)
	if err != nil {
		log.Printf("dispatch GC failed: %v", err)
		return
	}
	if len(removed) == 0 {
		return
	}
	if s.archive != nil {
		if stored, err := s.archive.AddAll(removed); err != nil {
			log.Printf("archiving %d dispatches failed after %d: %v", len(removed), stored, err)
		}
	}
	log.Printf("GC removed %d dispatch records", len(removed))
}

// Run drives the schedule until Stop is called or the context ends
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			if s.shouldSweep(now) {
				s.SweepOnce(ctx)
			}
			s.mu.Lock()
			gcDue := s.lastGC.IsZero() || now.Sub(s.lastGC) > gcInterval
			s.mu.Unlock()
			if gcDue {
				s.GCOnce()
			}
		}
	}
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	close(s.stopChan)
}
