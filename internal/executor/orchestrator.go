// Package executor drives batches through their pipeline. The
// Orchestrator owns batch lifecycle (Run, Resume, Abort, Status), the
// stage loop schedules ready phases with bounded parallelism, and the
// phase runner walks a single phase through render, invoke, validate
// and repair. Every state transition is durable in the store before
// the next unit of work begins, so a crash at any point resumes
// cleanly.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/batchstore"
	"github.com/hochfrequenz/genpipe/internal/config"
	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/format"
	"github.com/hochfrequenz/genpipe/internal/notify"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
	"github.com/hochfrequenz/genpipe/internal/scheduler"
	"github.com/hochfrequenz/genpipe/internal/workspace"
)

// Options configures an Orchestrator. Store, Workspace and Backend are
// required; the rest default to sensible zero-config behavior.
type Options struct {
	Store     *batchstore.Store
	Workspace *workspace.Workspace
	Backend   backend.Adapter
	Formats   *format.Registry
	Notifier  notify.Notifier

	// Generation supplies default sampling parameters for phases that
	// do not override them
	Generation config.BackendConfig
	Repair     config.RepairConfig

	MaxConcurrentPhases int

	// LoadPipeline resolves a pipeline name to its definition. Run and
	// Resume load through it; Status degrades gracefully without it.
	LoadPipeline func(name string) (*pipeline.Pipeline, error)
}

// Orchestrator coordinates batches end to end. It is safe for
// concurrent use; each batch gets at most one live run at a time.
type Orchestrator struct {
	store         *batchstore.Store
	ws            *workspace.Workspace
	backend       backend.Adapter
	formats       *format.Registry
	notifier      notify.Notifier
	gen           config.BackendConfig
	repair        config.RepairConfig
	maxConcurrent int
	loadPipeline  func(name string) (*pipeline.Pipeline, error)

	mu   sync.Mutex
	runs map[string]*run
}

// NewOrchestrator wires an Orchestrator from its options
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Formats == nil {
		opts.Formats = format.NewRegistry()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}
	if opts.MaxConcurrentPhases <= 0 {
		opts.MaxConcurrentPhases = 2
	}
	if opts.LoadPipeline == nil {
		opts.LoadPipeline = func(name string) (*pipeline.Pipeline, error) {
			return nil, fmt.Errorf("no pipeline loader configured")
		}
	}
	return &Orchestrator{
		store:         opts.Store,
		ws:            opts.Workspace,
		backend:       opts.Backend,
		formats:       opts.Formats,
		notifier:      opts.Notifier,
		gen:           opts.Generation,
		repair:        opts.Repair,
		maxConcurrent: opts.MaxConcurrentPhases,
		loadPipeline:  opts.LoadPipeline,
		runs:          make(map[string]*run),
	}
}

// RunOptions parameterizes one batch run
type RunOptions struct {
	// Pipeline names the definition to load
	Pipeline string
	// Name is the batch name; generated from the pipeline name and a
	// timestamp when empty
	Name   string
	Params map[string]string
}

// Run creates a batch and drives it to a terminal status. The pipeline
// is validated and both dependency graphs are checked before any batch
// record exists, so a bad definition leaves no trace in the store.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*domain.BatchResult, error) {
	pl, order, err := o.loadAndOrder(opts.Pipeline)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", pl.Name, time.Now().Format("20060102-150405"))
	}

	batch := &domain.Batch{
		ID:       uuid.NewString(),
		Name:     name,
		Pipeline: pl.Name,
		Params:   opts.Params,
		Status:   domain.BatchPending,
	}
	if err := o.store.CreateBatch(batch); err != nil {
		return nil, err
	}
	if err := o.store.SeedPhases(batch.ID, phaseKeys(order)); err != nil {
		return nil, err
	}

	return o.drive(ctx, batch, pl, order)
}

// Resume picks an interrupted or failed batch back up. Succeeded
// phases keep their records and outputs; everything else resets to
// pending and runs again. Resuming a completed batch is a no-op that
// returns its result.
func (o *Orchestrator) Resume(ctx context.Context, ref string) (*domain.BatchResult, error) {
	batch, err := o.store.FindBatch(ref)
	if err != nil {
		return nil, err
	}
	if batch.Status == domain.BatchCompleted {
		return o.Status(batch.ID)
	}
	if o.isLive(batch.ID) {
		return nil, fmt.Errorf("batch %s is already running", batch.Name)
	}

	pl, order, err := o.loadAndOrder(batch.Pipeline)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.ResetForResume(batch.ID); err != nil {
		return nil, err
	}
	// The definition may have gained phases since the batch was created
	if err := o.store.SeedPhases(batch.ID, phaseKeys(order)); err != nil {
		return nil, err
	}

	return o.drive(ctx, batch, pl, order)
}

// Abort stops a batch: no new phase starts, and results of in-flight
// invocations are discarded instead of persisted. It returns once the
// abort is recorded; the live run drains in the background. Aborting
// works on stuck batches with no live run as well.
func (o *Orchestrator) Abort(ref string) error {
	batch, err := o.store.FindBatch(ref)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return fmt.Errorf("batch %s is already %s", batch.Name, batch.Status)
	}

	o.mu.Lock()
	if r, ok := o.runs[batch.ID]; ok {
		r.abort.Store(true)
	}
	o.mu.Unlock()

	return o.store.UpdateBatchStatus(batch.ID, domain.BatchAborted)
}

// Status reports a batch without touching it. The stage grouping
// follows the pipeline definition when it still loads and falls back
// to store order otherwise, so Status keeps working after a pipeline
// directory moves.
func (o *Orchestrator) Status(ref string) (*domain.BatchResult, error) {
	batch, err := o.store.FindBatch(ref)
	if err != nil {
		return nil, err
	}
	records, err := o.store.ListPhases(batch.ID)
	if err != nil {
		return nil, err
	}

	var stageNames []string
	if pl, err := o.loadPipeline(batch.Pipeline); err == nil {
		for _, s := range pl.EnabledStages() {
			stageNames = append(stageNames, s.Name)
		}
	}

	grouped := make(map[string][]domain.PhaseResult)
	var seen []string
	for _, rec := range records {
		if _, ok := grouped[rec.Key.Stage]; !ok {
			seen = append(seen, rec.Key.Stage)
		}
		grouped[rec.Key.Stage] = append(grouped[rec.Key.Stage], recordResult(rec))
	}
	for _, name := range seen {
		if !containsString(stageNames, name) {
			stageNames = append(stageNames, name)
		}
	}

	var stages []domain.StageResult
	for _, name := range stageNames {
		phases, ok := grouped[name]
		if !ok {
			continue
		}
		stages = append(stages, domain.StageResult{
			Stage:  name,
			Status: domain.RollupStageStatus(phases),
			Phases: phases,
		})
	}

	return &domain.BatchResult{
		BatchID:     batch.ID,
		Name:        batch.Name,
		Status:      batch.Status,
		Stages:      stages,
		StartedAt:   batch.StartedAt,
		CompletedAt: batch.CompletedAt,
	}, nil
}

// loadAndOrder loads a pipeline and checks everything that must hold
// before a batch may exist: definition validity, stage order, and the
// phase dependency graph.
func (o *Orchestrator) loadAndOrder(name string) (*pipeline.Pipeline, []*pipeline.Stage, error) {
	pl, err := o.loadPipeline(name)
	if err != nil {
		return nil, nil, fmt.Errorf("loading pipeline: %w", err)
	}
	if err := pl.Validate(); err != nil {
		return nil, nil, err
	}
	order, err := scheduler.StageOrder(pl.EnabledStages())
	if err != nil {
		return nil, nil, err
	}
	if err := scheduler.ValidatePhaseGraph(order); err != nil {
		return nil, nil, err
	}
	return pl, order, nil
}

// drive executes one batch run to its end and reports the result
func (o *Orchestrator) drive(ctx context.Context, batch *domain.Batch, pl *pipeline.Pipeline, order []*pipeline.Stage) (*domain.BatchResult, error) {
	r, err := o.newRun(batch, pl, order)
	if err != nil {
		return nil, err
	}
	if err := o.register(r); err != nil {
		return nil, err
	}
	defer o.unregister(batch.ID)

	if err := o.store.UpdateBatchStatus(batch.ID, domain.BatchRunning); err != nil {
		return nil, err
	}

	r.driveStages(ctx)

	final := o.finalStatus(ctx, r)
	if err := o.store.UpdateBatchStatus(batch.ID, final); err != nil {
		return nil, err
	}

	result, err := o.Status(batch.ID)
	if err != nil {
		return nil, err
	}
	if final.Terminal() {
		o.notifyFinished(batch, final, result)
	}
	return result, nil
}

// newRun assembles the per-run state: phase statuses from the store,
// the batch workspace, guidance and schema lookups, and the output
// context rebuilt from already-succeeded phases.
func (o *Orchestrator) newRun(batch *domain.Batch, pl *pipeline.Pipeline, order []*pipeline.Stage) (*run, error) {
	statuses, err := o.store.PhaseStatuses(batch.ID)
	if err != nil {
		return nil, err
	}

	ws := o.ws.Batch(batch.Name, batch.ID)
	if err := ws.Ensure(); err != nil {
		return nil, err
	}

	r := &run{
		batch:         batch,
		pl:            pl,
		order:         order,
		store:         o.store,
		root:          o.ws,
		ws:            ws,
		backend:       o.backend,
		formats:       o.formats,
		gen:           o.gen,
		repair:        o.repair,
		maxConcurrent: o.maxConcurrent,
		statuses:      statuses,
		outputs:       newOutputSet(),
		lastPhase:     make(map[string]string),
		guidance:      make(map[string]string),
	}

	for _, s := range order {
		if last := s.LastPhase(); last != nil {
			r.lastPhase[s.Name] = last.Name
		}
	}
	for name, doc := range pl.Guidance {
		r.guidance[name] = doc
	}
	// Plugins ship fallback guidance for pipelines without an override
	for _, name := range o.formats.Names() {
		if _, ok := r.guidance["plugins/"+name]; ok {
			continue
		}
		if p, err := o.formats.Get(name); err == nil && p.Guidance() != "" {
			r.guidance["plugins/"+name] = p.Guidance()
		}
	}

	if err := r.loadOutputs(); err != nil {
		return nil, err
	}
	return r, nil
}

// finalStatus derives the batch's end state from how the run drained
func (o *Orchestrator) finalStatus(ctx context.Context, r *run) domain.BatchStatus {
	if r.aborted() {
		return domain.BatchAborted
	}
	if ctx.Err() != nil {
		return domain.BatchPaused
	}

	counts, err := o.store.CountByStatus(r.batch.ID)
	if err != nil {
		log.Printf("Warning: counting phases of batch %s: %v", r.batch.Name, err)
		return domain.BatchFailed
	}
	if counts[domain.PhaseFailed] > 0 {
		return domain.BatchFailed
	}
	active := counts[domain.PhasePending] + counts[domain.PhaseRunning] +
		counts[domain.PhaseValidating] + counts[domain.PhaseRepairing]
	if active > 0 {
		return domain.BatchPaused
	}
	return domain.BatchCompleted
}

func (o *Orchestrator) notifyFinished(batch *domain.Batch, status domain.BatchStatus, result *domain.BatchResult) {
	succeeded, failed, skipped, _ := result.Counts()

	n := notify.Notification{
		Batch:   batch.Name,
		Title:   fmt.Sprintf("Batch %s %s", batch.Name, status),
		Message: fmt.Sprintf("%d succeeded, %d failed, %d skipped", succeeded, failed, skipped),
	}
	switch status {
	case domain.BatchCompleted:
		n.Type = notify.NotifySuccess
	case domain.BatchFailed:
		n.Type = notify.NotifyError
	default:
		n.Type = notify.NotifyWarning
	}

	if err := o.notifier.Send(n); err != nil {
		log.Printf("Warning: sending notification for batch %s: %v", batch.Name, err)
	}
}

// register claims the live-run slot for a batch
func (o *Orchestrator) register(r *run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[r.batch.ID]; ok {
		return fmt.Errorf("batch %s is already running", r.batch.Name)
	}
	o.runs[r.batch.ID] = r
	return nil
}

func (o *Orchestrator) unregister(batchID string) {
	o.mu.Lock()
	delete(o.runs, batchID)
	o.mu.Unlock()
}

func (o *Orchestrator) isLive(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[batchID]
	return ok
}

func phaseKeys(order []*pipeline.Stage) []domain.PhaseKey {
	var keys []domain.PhaseKey
	for _, s := range order {
		for _, ph := range s.Phases {
			keys = append(keys, ph.Key())
		}
	}
	return keys
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
