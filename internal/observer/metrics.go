// Package observer watches pipeline sources for changes and aggregates
// execution metrics from the progress store.
package observer

import (
	"sort"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// Observer aggregates execution metrics for a batch
type Observer struct {
	stuckThreshold time.Duration
}

// Metrics holds aggregated per-batch metrics
type Metrics struct {
	TotalPhases   int
	Succeeded     int
	Failed        int
	Skipped       int
	Active        int
	Pending       int
	TotalAttempts int
	TotalRepairs  int
	AvgDuration   time.Duration
	MaxDuration   time.Duration
	SlowestPhase  domain.PhaseKey
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{stuckThreshold: stuckThreshold}
}

// Durations returns the wall-clock span from each phase's first running
// transition to its last terminal transition. Phases that have not
// reached a terminal state are omitted.
func Durations(events []*domain.PhaseEvent) map[domain.PhaseKey]time.Duration {
	started := make(map[domain.PhaseKey]time.Time)
	ended := make(map[domain.PhaseKey]time.Time)

	for _, ev := range events {
		switch ev.To {
		case domain.PhaseRunning:
			if _, ok := started[ev.Key]; !ok {
				started[ev.Key] = ev.At
			}
		case domain.PhaseSucceeded, domain.PhaseFailed, domain.PhaseSkipped:
			ended[ev.Key] = ev.At
		}
	}

	durations := make(map[domain.PhaseKey]time.Duration)
	for key, end := range ended {
		start, ok := started[key]
		if !ok {
			continue // Skipped phases never ran
		}
		durations[key] = end.Sub(start)
	}
	return durations
}

// Collect aggregates metrics from a batch's progress records and events
func (o *Observer) Collect(records []*domain.ProgressRecord, events []*domain.PhaseEvent) Metrics {
	var m Metrics
	m.TotalPhases = len(records)

	for _, rec := range records {
		switch rec.Status {
		case domain.PhaseSucceeded:
			m.Succeeded++
		case domain.PhaseFailed:
			m.Failed++
		case domain.PhaseSkipped:
			m.Skipped++
		case domain.PhaseRunning, domain.PhaseValidating, domain.PhaseRepairing:
			m.Active++
		default:
			m.Pending++
		}
		m.TotalAttempts += rec.AttemptCount
		m.TotalRepairs += rec.RepairCount
	}

	var total time.Duration
	var completed int
	for key, d := range Durations(events) {
		total += d
		completed++
		if d > m.MaxDuration {
			m.MaxDuration = d
			m.SlowestPhase = key
		}
	}
	if completed > 0 {
		m.AvgDuration = total / time.Duration(completed)
	}

	return m
}

// Stuck returns active phases with no recorded transition for longer
// than the stuck threshold. A phase sitting in running this long
// usually means a hung backend or an empty worker pool.
func (o *Observer) Stuck(records []*domain.ProgressRecord, events []*domain.PhaseEvent, now time.Time) []domain.PhaseKey {
	lastActivity := make(map[domain.PhaseKey]time.Time)
	for _, ev := range events {
		if ev.At.After(lastActivity[ev.Key]) {
			lastActivity[ev.Key] = ev.At
		}
	}

	var stuck []domain.PhaseKey
	for _, rec := range records {
		switch rec.Status {
		case domain.PhaseRunning, domain.PhaseValidating, domain.PhaseRepairing:
		default:
			continue
		}
		since, ok := lastActivity[rec.Key]
		if !ok {
			since = rec.UpdatedAt
		}
		if now.Sub(since) > o.stuckThreshold {
			stuck = append(stuck, rec.Key)
		}
	}

	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].String() < stuck[j].String()
	})
	return stuck
}
