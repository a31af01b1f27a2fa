package domain

import "time"

// StageStatus summarizes the phases of one stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// PhaseResult is the per-phase slice of a BatchResult
type PhaseResult struct {
	Key       PhaseKey
	Status    PhaseStatus
	Attempts  int
	Repairs   int
	OutputPtr string
	Err       *PhaseError
}

// StageResult is the per-stage slice of a BatchResult
type StageResult struct {
	Stage  string
	Status StageStatus
	Phases []PhaseResult
}

// BatchResult summarizes per-stage and per-phase status for one batch.
// Returned by Run, Resume, and Status.
type BatchResult struct {
	BatchID     string
	Name        string
	Status      BatchStatus
	Stages      []StageResult
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Counts returns the number of phases in each terminal-or-pending bucket
func (r *BatchResult) Counts() (succeeded, failed, skipped, pending int) {
	for _, st := range r.Stages {
		for _, ph := range st.Phases {
			switch ph.Status {
			case PhaseSucceeded:
				succeeded++
			case PhaseFailed:
				failed++
			case PhaseSkipped:
				skipped++
			default:
				pending++
			}
		}
	}
	return
}

// FirstFailure returns the first failed phase in stage order, or nil
func (r *BatchResult) FirstFailure() *PhaseResult {
	for _, st := range r.Stages {
		for i := range st.Phases {
			if st.Phases[i].Status == PhaseFailed {
				return &st.Phases[i]
			}
		}
	}
	return nil
}

// RollupStageStatus derives a stage status from its phase results: any
// failure fails the stage; a stage of only skipped phases is skipped;
// all terminal without failure completes it; any mid-flight phase marks
// it running.
func RollupStageStatus(phases []PhaseResult) StageStatus {
	if len(phases) == 0 {
		return StageCompleted
	}
	var anyFailed, anyActive, anyPending, allSkipped bool
	allSkipped = true
	for _, ph := range phases {
		switch ph.Status {
		case PhaseFailed:
			anyFailed = true
			allSkipped = false
		case PhaseRunning, PhaseValidating, PhaseRepairing:
			anyActive = true
			allSkipped = false
		case PhasePending:
			anyPending = true
			allSkipped = false
		case PhaseSucceeded:
			allSkipped = false
		}
	}
	switch {
	case anyFailed:
		return StageFailed
	case anyActive:
		return StageRunning
	case allSkipped:
		return StageSkipped
	case anyPending:
		return StagePending
	default:
		return StageCompleted
	}
}
