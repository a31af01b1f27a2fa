package batch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc launches one scheduled pipeline run. The context is bounded
// by the entry's max duration.
type RunFunc func(ctx context.Context, entry ScheduleEntry) error

// Scheduler fires pipeline runs when their cron slots come due
type Scheduler struct {
	entries  map[string]ScheduleEntry
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
}

// NewScheduler creates a scheduler for the given entries
func NewScheduler(entries []ScheduleEntry) (*Scheduler, error) {
	s := &Scheduler{
		entries:  make(map[string]ScheduleEntry),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		s.entries[e.Name] = e
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled run time for an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// ShouldRun returns true if an entry is due and not already running.
// An entry that has never run is treated as last run a day ago, so a
// freshly started scheduler picks up slots missed within 24 hours.
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	nextRun := sched.Next(lastRun)
	return time.Now().After(nextRun)
}

// MarkRunning marks an entry as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks an entry as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// GetEntry returns the entry with the given name
func (s *Scheduler) GetEntry(name string) (ScheduleEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[name]
	return entry, ok
}

// ListEntries returns all entry names
func (s *Scheduler) ListEntries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start checks for due entries once a minute until the context is
// canceled or Stop is called. Each triggered run gets a context bounded
// by the entry's max duration.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			for name := range s.entries {
				if !s.ShouldRun(name) {
					continue
				}
				entry, _ := s.GetEntry(name)
				s.MarkRunning(name)
				go func(e ScheduleEntry) {
					runCtx, cancel := context.WithTimeout(ctx, e.MaxDuration)
					defer cancel()
					if err := run(runCtx, e); err != nil {
						log.Printf("scheduled run %s failed: %v", e.Name, err)
					}
					s.MarkComplete(e.Name)
				}(entry)
			}
		}
	}
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}
