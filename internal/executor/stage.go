package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/config"
	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/format"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
	"github.com/hochfrequenz/genpipe/internal/prompt"
	"github.com/hochfrequenz/genpipe/internal/scheduler"
	"github.com/hochfrequenz/genpipe/internal/workspace"
)

// run is the live state of one batch execution. The statuses map is
// owned by the stage loop goroutine; phase runners communicate back
// through a channel and never touch it.
type run struct {
	batch *domain.Batch
	pl    *pipeline.Pipeline
	order []*pipeline.Stage

	store   *batchstore.Store
	root    *workspace.Workspace
	ws      *workspace.Batch
	backend backend.Adapter
	formats *format.Registry

	gen           config.BackendConfig
	repair        config.RepairConfig
	maxConcurrent int

	abort    atomic.Bool
	outputs  *outputSet
	statuses map[domain.PhaseKey]domain.PhaseStatus

	// lastPhase maps each stage to its final phase name for output
	// references that name only a stage
	lastPhase map[string]string
	guidance  map[string]string
}

func (r *run) aborted() bool {
	return r.abort.Load()
}

// outputSet is the shared view of validated outputs, keyed
// "stage/phase". Entries appear only after the succeeded record is
// durable, so templates never see an output the store does not have.
type outputSet struct {
	mu sync.RWMutex
	m  map[string]prompt.Output
}

func newOutputSet() *outputSet {
	return &outputSet{m: make(map[string]prompt.Output)}
}

func (o *outputSet) set(key domain.PhaseKey, out prompt.Output) {
	o.mu.Lock()
	o.m[key.String()] = out
	o.mu.Unlock()
}

func (o *outputSet) snapshot() map[string]prompt.Output {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m := make(map[string]prompt.Output, len(o.m))
	for k, v := range o.m {
		m[k] = v
	}
	return m
}

// loadOutputs rebuilds the output context from succeeded progress
// records, so a resumed batch renders dependents without re-invoking
// anything.
func (r *run) loadOutputs() error {
	records, err := r.store.ListPhases(r.batch.ID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != domain.PhaseSucceeded || rec.OutputPtr == "" {
			continue
		}
		ph := r.pl.Phase(rec.Key)
		if ph == nil {
			// The definition lost this phase since the batch last ran
			continue
		}
		content, err := r.root.ReadOutput(rec.OutputPtr)
		if err != nil {
			return fmt.Errorf("reading output of %s: %w", rec.Key, err)
		}
		r.outputs.set(rec.Key, prompt.Output{Content: string(content), Plugin: ph.Plugin})
	}
	return nil
}

// driveStages runs the stages in dependency order. A failed stage does
// not stop later stages: their phases skip or run depending on their
// own dependencies.
func (r *run) driveStages(ctx context.Context) {
	for _, stage := range r.order {
		if r.aborted() || ctx.Err() != nil {
			return
		}
		r.runStage(ctx, stage)
	}
}

// phaseOutcome pairs a finished phase with its runner error
type phaseOutcome struct {
	key    domain.PhaseKey
	result domain.PhaseResult
	err    error
}

// runStage executes one stage's phases with bounded parallelism.
// Phases whose dependencies failed or were skipped are marked skipped;
// independent phases keep running. On abort nothing new starts and
// pending phases stay pending.
func (r *run) runStage(ctx context.Context, stage *pipeline.Stage) {
	sched := scheduler.New(stage.Phases)
	active := make(map[domain.PhaseKey]bool)
	results := make(chan phaseOutcome)

	status := func(key domain.PhaseKey) domain.PhaseStatus {
		return r.statuses[key]
	}

	for {
		if !r.aborted() && ctx.Err() == nil {
			// Blocked propagates one dependency hop per call; drain it
			// so a failure skips its whole subtree before scheduling
			for {
				blocked := sched.Blocked(status)
				if len(blocked) == 0 {
					break
				}
				for _, ph := range blocked {
					r.skipPhase(ph)
				}
			}

			if free := r.maxConcurrent - len(active); free > 0 {
				for _, ph := range sched.Ready(status, free) {
					key := ph.Key()
					active[key] = true
					r.statuses[key] = domain.PhaseRunning
					go func(ph *pipeline.Phase) {
						res, err := r.runPhase(ctx, ph)
						results <- phaseOutcome{key: ph.Key(), result: res, err: err}
					}(ph)
				}
			}
		}

		if len(active) == 0 {
			return
		}

		outcome := <-results
		delete(active, outcome.key)
		r.statuses[outcome.key] = outcome.result.Status
		if outcome.err != nil {
			log.Printf("Warning: phase %s: %v", outcome.key, outcome.err)
		}
	}
}

// skipPhase records that a phase can never run because a dependency
// failed or was skipped
func (r *run) skipPhase(ph *pipeline.Phase) {
	key := ph.Key()
	reason := "dependency not satisfied"
	for _, dep := range ph.DependsOn {
		if ds := r.statuses[dep]; ds == domain.PhaseFailed || ds == domain.PhaseSkipped {
			reason = fmt.Sprintf("dependency %s %s", dep, ds)
			break
		}
	}
	if err := r.store.MarkSkipped(r.batch.ID, key, reason); err != nil {
		log.Printf("Warning: marking %s skipped: %v", key, err)
	}
	r.statuses[key] = domain.PhaseSkipped
}
