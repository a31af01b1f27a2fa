package batchstore

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedBatch(t *testing.T, store *Store, id, name string) {
	t.Helper()
	err := store.CreateBatch(&domain.Batch{
		ID:        id,
		Name:      name,
		Pipeline:  "worldgen",
		Params:    map[string]string{"theme": "ironpunk"},
		Status:    domain.BatchPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_CreateAndGetBatch(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")

	got, err := store.GetBatch("b-1")
	if err != nil {
		t.Fatal(err)
	}

	if got.Name != "aldhollow" {
		t.Errorf("Name = %q, want aldhollow", got.Name)
	}
	if got.Pipeline != "worldgen" {
		t.Errorf("Pipeline = %q, want worldgen", got.Pipeline)
	}
	if got.Params["theme"] != "ironpunk" {
		t.Errorf("Params[theme] = %q, want ironpunk", got.Params["theme"])
	}
	if got.Status != domain.BatchPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
}

func TestStore_CreateBatch_DuplicateName(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")

	err := store.CreateBatch(&domain.Batch{
		ID: "b-2", Name: "aldhollow", Pipeline: "worldgen",
		Status: domain.BatchPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err == nil {
		t.Error("CreateBatch() with duplicate name, want error")
	}
}

func TestStore_FindBatch(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")

	byID, err := store.FindBatch("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if byID.Name != "aldhollow" {
		t.Errorf("FindBatch by ID: Name = %q, want aldhollow", byID.Name)
	}

	byName, err := store.FindBatch("aldhollow")
	if err != nil {
		t.Fatal(err)
	}
	if byName.ID != "b-1" {
		t.Errorf("FindBatch by name: ID = %q, want b-1", byName.ID)
	}

	if _, err := store.FindBatch("ghost"); err == nil {
		t.Error("FindBatch(ghost) = nil error, want not found")
	}
}

func TestStore_ListBatches(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	seedBatch(t, store, "b-2", "mirefall")
	if err := store.UpdateBatchStatus("b-2", domain.BatchRunning); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListBatches(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("All batches count = %d, want 2", len(all))
	}

	running, err := store.ListBatches(ListOptions{Status: domain.BatchRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].Name != "mirefall" {
		t.Errorf("Running batches = %d, want only mirefall", len(running))
	}
}

func TestStore_UpdateBatchStatus_Timestamps(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")

	if err := store.UpdateBatchStatus("b-1", domain.BatchRunning); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetBatch("b-1")
	if got.StartedAt == nil {
		t.Fatal("StartedAt = nil after running, want set")
	}
	firstStart := *got.StartedAt

	// A second move to running must not reset the start stamp
	store.UpdateBatchStatus("b-1", domain.BatchPaused)
	store.UpdateBatchStatus("b-1", domain.BatchRunning)
	got, _ = store.GetBatch("b-1")
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("StartedAt changed on re-run: %v, want %v", got.StartedAt, firstStart)
	}

	if err := store.UpdateBatchStatus("b-1", domain.BatchCompleted); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetBatch("b-1")
	if got.CompletedAt == nil {
		t.Error("CompletedAt = nil after completed, want set")
	}

	if err := store.UpdateBatchStatus("ghost", domain.BatchRunning); err == nil {
		t.Error("UpdateBatchStatus(ghost) = nil error, want not found")
	}
}

func TestStore_SeedPhases_Idempotent(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")

	keys := []domain.PhaseKey{
		{Stage: "frame", Phase: "outline"},
		{Stage: "frame", Phase: "regions"},
	}
	if err := store.SeedPhases("b-1", keys); err != nil {
		t.Fatal(err)
	}

	// Drive one phase to succeeded, then seed again
	outline := keys[0]
	if err := store.StartPhase("b-1", outline); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkValidating("b-1", outline, 1); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkSucceeded("b-1", outline, "outputs/aldhollow/frame/outline.json"); err != nil {
		t.Fatal(err)
	}

	if err := store.SeedPhases("b-1", keys); err != nil {
		t.Fatal(err)
	}

	rec, err := store.GetPhase("b-1", outline)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.PhaseSucceeded {
		t.Errorf("Status after re-seed = %q, want succeeded", rec.Status)
	}
	if rec.OutputPtr != "outputs/aldhollow/frame/outline.json" {
		t.Errorf("OutputPtr after re-seed = %q, want preserved", rec.OutputPtr)
	}
}

func TestStore_PhaseLifecycle(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	key := domain.PhaseKey{Stage: "frame", Phase: "outline"}
	if err := store.SeedPhases("b-1", []domain.PhaseKey{key}); err != nil {
		t.Fatal(err)
	}

	steps := []func() error{
		func() error { return store.StartPhase("b-1", key) },
		func() error { return store.MarkValidating("b-1", key, 2) },
		func() error { return store.MarkRepairing("b-1", key, "missing required field") },
		func() error { return store.MarkRepairDone("b-1", key, 1) },
		func() error { return store.MarkSucceeded("b-1", key, "outputs/aldhollow/frame/outline.json") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	rec, err := store.GetPhase("b-1", key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.PhaseSucceeded {
		t.Errorf("Status = %q, want succeeded", rec.Status)
	}
	if rec.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", rec.AttemptCount)
	}
	if rec.RepairCount != 1 {
		t.Errorf("RepairCount = %d, want 1", rec.RepairCount)
	}
	if rec.LastError != nil {
		t.Errorf("LastError = %v, want nil", rec.LastError)
	}

	events, err := store.Events("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("Events count = %d, want 5", len(events))
	}
	if events[2].To != domain.PhaseRepairing || events[2].Detail != "missing required field" {
		t.Errorf("repair event = %s %q, want repairing with detail", events[2].To, events[2].Detail)
	}
	if events[4].To != domain.PhaseSucceeded {
		t.Errorf("final event To = %s, want succeeded", events[4].To)
	}
}

func TestStore_TransitionConflict(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	key := domain.PhaseKey{Stage: "frame", Phase: "outline"}
	store.SeedPhases("b-1", []domain.PhaseKey{key})

	if err := store.StartPhase("b-1", key); err != nil {
		t.Fatal(err)
	}

	// Second claim must lose the guard
	err := store.StartPhase("b-1", key)
	var conflict *domain.PersistenceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second StartPhase error = %v, want PersistenceConflictError", err)
	}
	if conflict.Expected != domain.PhasePending || conflict.Actual != domain.PhaseRunning {
		t.Errorf("conflict = %s/%s, want pending/running", conflict.Expected, conflict.Actual)
	}
}

func TestStore_TransitionUnseededPhase(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")

	err := store.StartPhase("b-1", domain.PhaseKey{Stage: "frame", Phase: "ghost"})
	if err == nil {
		t.Error("StartPhase on unseeded phase = nil error, want not seeded")
	}
}

func TestStore_MarkFailed(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	key := domain.PhaseKey{Stage: "frame", Phase: "outline"}
	store.SeedPhases("b-1", []domain.PhaseKey{key})
	store.StartPhase("b-1", key)

	phaseErr := &domain.PhaseError{
		Code:    domain.ErrCodeBackendUnavailable,
		Message: "backend unavailable after 3 attempts",
	}
	if err := store.MarkFailed("b-1", key, domain.PhaseRunning, phaseErr, 3); err != nil {
		t.Fatal(err)
	}

	rec, err := store.GetPhase("b-1", key)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.PhaseFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
	if rec.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", rec.AttemptCount)
	}
	if rec.LastError == nil || rec.LastError.Code != domain.ErrCodeBackendUnavailable {
		t.Errorf("LastError = %v, want backend_unavailable", rec.LastError)
	}
}

func TestStore_MarkSkipped(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	key := domain.PhaseKey{Stage: "frame", Phase: "regions"}
	store.SeedPhases("b-1", []domain.PhaseKey{key})

	if err := store.MarkSkipped("b-1", key, "dependency frame/outline failed"); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.GetPhase("b-1", key)
	if rec.Status != domain.PhaseSkipped {
		t.Errorf("Status = %q, want skipped", rec.Status)
	}

	events, _ := store.Events("b-1")
	if len(events) != 1 || events[0].Detail != "dependency frame/outline failed" {
		t.Errorf("skip event detail = %q, want dependency reason", events[0].Detail)
	}
}

func TestStore_ResetForResume(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	succeeded := domain.PhaseKey{Stage: "frame", Phase: "outline"}
	failed := domain.PhaseKey{Stage: "frame", Phase: "regions"}
	inflight := domain.PhaseKey{Stage: "frame", Phase: "factions"}
	untouched := domain.PhaseKey{Stage: "frame", Phase: "lore"}
	store.SeedPhases("b-1", []domain.PhaseKey{succeeded, failed, inflight, untouched})

	store.StartPhase("b-1", succeeded)
	store.MarkValidating("b-1", succeeded, 1)
	store.MarkSucceeded("b-1", succeeded, "outputs/aldhollow/frame/outline.json")

	store.StartPhase("b-1", failed)
	store.MarkValidating("b-1", failed, 1)
	store.MarkRepairing("b-1", failed, "invalid")
	store.MarkRepairDone("b-1", failed, 1)
	store.MarkFailed("b-1", failed, domain.PhaseValidating, &domain.PhaseError{Code: domain.ErrCodeRepairExhausted, Message: "still invalid"}, 0)

	store.StartPhase("b-1", inflight)

	n, err := store.ResetForResume("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ResetForResume() = %d, want 2", n)
	}

	statuses, err := store.PhaseStatuses("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if statuses[succeeded] != domain.PhaseSucceeded {
		t.Errorf("succeeded phase = %q, want untouched", statuses[succeeded])
	}
	if statuses[failed] != domain.PhasePending {
		t.Errorf("failed phase = %q, want pending", statuses[failed])
	}
	if statuses[inflight] != domain.PhasePending {
		t.Errorf("in-flight phase = %q, want pending", statuses[inflight])
	}
	if statuses[untouched] != domain.PhasePending {
		t.Errorf("untouched phase = %q, want pending", statuses[untouched])
	}

	// Repair budget starts over; attempts and history survive
	rec, _ := store.GetPhase("b-1", failed)
	if rec.RepairCount != 0 {
		t.Errorf("RepairCount after reset = %d, want 0", rec.RepairCount)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("AttemptCount after reset = %d, want 2", rec.AttemptCount)
	}

	events, _ := store.Events("b-1")
	var resumes int
	for _, ev := range events {
		if ev.Detail == "resume" {
			resumes++
		}
	}
	if resumes != 2 {
		t.Errorf("resume events = %d, want 2", resumes)
	}
}

func TestStore_EventsSince(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	key := domain.PhaseKey{Stage: "frame", Phase: "outline"}
	store.SeedPhases("b-1", []domain.PhaseKey{key})
	store.StartPhase("b-1", key)
	store.MarkValidating("b-1", key, 1)

	all, err := store.Events("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("Events count = %d, want 2", len(all))
	}

	since, err := store.EventsSince("b-1", all[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 || since[0].To != domain.PhaseValidating {
		t.Errorf("EventsSince = %d events, want 1 validating", len(since))
	}
}

func TestStore_CountByStatus(t *testing.T) {
	store := newTestStore(t)
	seedBatch(t, store, "b-1", "aldhollow")
	a := domain.PhaseKey{Stage: "frame", Phase: "outline"}
	b := domain.PhaseKey{Stage: "frame", Phase: "regions"}
	c := domain.PhaseKey{Stage: "detail", Phase: "chronicle"}
	store.SeedPhases("b-1", []domain.PhaseKey{a, b, c})
	store.StartPhase("b-1", a)

	counts, err := store.CountByStatus("b-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.PhasePending] != 2 {
		t.Errorf("pending count = %d, want 2", counts[domain.PhasePending])
	}
	if counts[domain.PhaseRunning] != 1 {
		t.Errorf("running count = %d, want 1", counts[domain.PhaseRunning])
	}
}
