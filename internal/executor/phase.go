package executor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hochfrequenz/genpipe/internal/backend"
	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/format"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
	"github.com/hochfrequenz/genpipe/internal/prompt"
)

// runPhase walks one phase from claimed to terminal: render the
// template, invoke the backend, validate the output and repair it
// within budget. The returned result mirrors the persisted record.
// err is set only for store-level problems the runner could not
// record; domain failures land in the result.
func (r *run) runPhase(ctx context.Context, phase *pipeline.Phase) (domain.PhaseResult, error) {
	key := phase.Key()

	if err := r.store.StartPhase(r.batch.ID, key); err != nil {
		return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: domain.NewPhaseError(err)}, err
	}

	rendered, err := prompt.Render(phase.Template, r.renderContext(phase))
	if err != nil {
		return r.failPhase(key, domain.PhaseRunning, err, 0)
	}
	r.mirror(key, "prompt.md", rendered)

	req := backend.Request{
		Prompt:    rendered,
		Model:     phase.Model,
		MaxTokens: r.gen.MaxTokens,
	}
	if phase.Temperature != nil {
		req.Temperature = phase.Temperature
	} else if r.gen.Temperature != 0 {
		t := r.gen.Temperature
		req.Temperature = &t
	}

	res, err := r.backend.Invoke(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-invocation; the record stays where it is
			// and resume resets it
			return domain.PhaseResult{Key: key, Status: domain.PhaseRunning}, nil
		}
		return r.failPhase(key, domain.PhaseRunning, err, invocationAttempts(err))
	}
	r.mirror(key, "raw.md", res.Output)

	if err := r.store.MarkValidating(r.batch.ID, key, res.Attempts); err != nil {
		return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: domain.NewPhaseError(err)}, err
	}

	plugin, err := r.formats.Get(phase.Plugin)
	if err != nil {
		return r.failPhase(key, domain.PhaseValidating, err, 0)
	}
	contract := r.pl.Schemas[phase.Schema]

	content, err := plugin.Extract(res.Output)
	if err != nil {
		return r.failPhase(key, domain.PhaseValidating, &domain.ValidationFailureError{
			Errors: []domain.ValidationError{{Kind: "extract", Message: err.Error()}},
		}, 0)
	}

	verrs := plugin.Validate(content, contract)
	if len(verrs) == 0 {
		return r.succeedPhase(key, plugin, content)
	}

	budget := r.repair.MaxAttempts
	if phase.MaxRepairs != nil {
		budget = *phase.MaxRepairs
	}
	if !plugin.CanRepair() || budget <= 0 {
		return r.failPhase(key, domain.PhaseValidating, &domain.ValidationFailureError{Errors: verrs}, 0)
	}

	repairer := &format.Repairer{
		Backend:          r.backend,
		Temperature:      r.repair.Temperature,
		RetryTemperature: r.repair.RetryTemperature,
		Model:            phase.Model,
		MaxTokens:        r.gen.MaxTokens,
	}

	for round := 0; round < budget; round++ {
		if err := r.store.MarkRepairing(r.batch.ID, key, repairDetail(verrs)); err != nil {
			return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: domain.NewPhaseError(err)}, err
		}

		rr, err := repairer.Round(ctx, plugin, content, contract, verrs, round)
		if err != nil {
			if ctx.Err() != nil {
				return domain.PhaseResult{Key: key, Status: domain.PhaseRepairing}, nil
			}
			return r.failPhase(key, domain.PhaseRepairing, err, invocationAttempts(err))
		}
		r.mirror(key, fmt.Sprintf("repair-%d-prompt.md", round+1), rr.Prompt)
		r.mirror(key, fmt.Sprintf("repair-%d-raw.md", round+1), rr.Raw)

		if err := r.store.MarkRepairDone(r.batch.ID, key, rr.Attempts); err != nil {
			return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: domain.NewPhaseError(err)}, err
		}

		content = rr.Candidate
		verrs = plugin.Validate(content, contract)
		if len(verrs) == 0 {
			return r.succeedPhase(key, plugin, content)
		}
	}

	return r.failPhase(key, domain.PhaseValidating, &domain.RepairExhaustedError{Rounds: budget, Errors: verrs}, 0)
}

// succeedPhase persists a validated output and finalizes the phase.
// An abort landing before the terminal write discards the result: the
// event log records the discard and the record stays non-terminal for
// resume to reset.
func (r *run) succeedPhase(key domain.PhaseKey, plugin format.Plugin, content string) (domain.PhaseResult, error) {
	if r.aborted() {
		if err := r.store.RecordDiscard(r.batch.ID, key, "result discarded: batch aborted"); err != nil {
			log.Printf("Warning: recording discard for %s: %v", key, err)
		}
		return domain.PhaseResult{Key: key, Status: domain.PhaseValidating}, nil
	}

	ptr, err := r.ws.WriteOutput(key, plugin.FileExtension(), []byte(content))
	if err != nil {
		return r.failPhase(key, domain.PhaseValidating, fmt.Errorf("writing output: %w", err), 0)
	}
	if err := r.store.MarkSucceeded(r.batch.ID, key, ptr); err != nil {
		return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: domain.NewPhaseError(err)}, err
	}

	// Only now may dependents see the output
	r.outputs.set(key, prompt.Output{Content: content, Plugin: plugin.Name()})

	rec, err := r.store.GetPhase(r.batch.ID, key)
	if err != nil {
		return domain.PhaseResult{Key: key, Status: domain.PhaseSucceeded, OutputPtr: ptr}, nil
	}
	return recordResult(rec), nil
}

// failPhase persists a terminal failure and reports it
func (r *run) failPhase(key domain.PhaseKey, from domain.PhaseStatus, cause error, attempts int) (domain.PhaseResult, error) {
	perr := domain.NewPhaseError(cause)
	if err := r.store.MarkFailed(r.batch.ID, key, from, perr, attempts); err != nil {
		return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: perr}, err
	}
	rec, err := r.store.GetPhase(r.batch.ID, key)
	if err != nil {
		return domain.PhaseResult{Key: key, Status: domain.PhaseFailed, Err: perr}, nil
	}
	return recordResult(rec), nil
}

func (r *run) renderContext(phase *pipeline.Phase) prompt.Context {
	return prompt.Context{
		BatchName:  r.batch.Name,
		BatchID:    r.batch.ID,
		Params:     r.batch.Params,
		Outputs:    r.outputs.snapshot(),
		LastPhase:  r.lastPhase,
		Guidance:   r.guidance,
		Schemas:    r.pl.Schemas,
		SchemaName: phase.Schema,
		Formatter:  r.formats,
	}
}

// mirror copies a debugging artifact to the ephemeral plane. Failures
// only log; scratch files are not part of the durable contract.
func (r *run) mirror(key domain.PhaseKey, name, content string) {
	if _, err := r.ws.WriteEphemeral(key, name, []byte(content)); err != nil {
		log.Printf("Warning: writing ephemeral %s for %s: %v", name, key, err)
	}
}

// invocationAttempts reads how many backend calls a failed invocation
// consumed
func invocationAttempts(err error) int {
	var be *domain.BackendUnavailableError
	if errors.As(err, &be) {
		return be.Attempts
	}
	return 1
}

// repairDetail summarizes validation errors for the event log
func repairDetail(errs []domain.ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return errs[0].String()
	}
	return fmt.Sprintf("%s (and %d more)", errs[0].String(), len(errs)-1)
}

func recordResult(rec *domain.ProgressRecord) domain.PhaseResult {
	return domain.PhaseResult{
		Key:       rec.Key,
		Status:    rec.Status,
		Attempts:  rec.AttemptCount,
		Repairs:   rec.RepairCount,
		OutputPtr: rec.OutputPtr,
		Err:       rec.LastError,
	}
}
