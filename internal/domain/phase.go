package domain

import (
	"fmt"
	"regexp"
)

var phaseKeyRegex = regexp.MustCompile(`^([a-z0-9][a-z0-9_-]*)/([a-z0-9][a-z0-9_-]*)$`)

// PhaseKey uniquely identifies a phase as stage/phase
type PhaseKey struct {
	Stage string
	Phase string
}

// ParsePhaseKey parses a string like "01_frame/outline" into a PhaseKey
func ParsePhaseKey(s string) (PhaseKey, error) {
	matches := phaseKeyRegex.FindStringSubmatch(s)
	if matches == nil {
		return PhaseKey{}, fmt.Errorf("invalid phase key format: %q (expected stage/phase)", s)
	}
	return PhaseKey{Stage: matches[1], Phase: matches[2]}, nil
}

// String returns the canonical string representation
func (k PhaseKey) String() string {
	return k.Stage + "/" + k.Phase
}

// PhaseStatus is the execution state of a phase. The mid-flight states
// validating and repairing are persisted for observability; the terminal
// set is succeeded, failed, skipped.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseRunning    PhaseStatus = "running"
	PhaseValidating PhaseStatus = "validating"
	PhaseRepairing  PhaseStatus = "repairing"
	PhaseSucceeded  PhaseStatus = "succeeded"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Terminal reports whether no further transition is allowed
func (s PhaseStatus) Terminal() bool {
	switch s {
	case PhaseSucceeded, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// allowedTransitions maps each status to the statuses it may move to.
// Resume resets non-succeeded records to pending through a dedicated
// store operation, not through this table.
var allowedTransitions = map[PhaseStatus][]PhaseStatus{
	PhasePending:    {PhaseRunning, PhaseSkipped},
	PhaseRunning:    {PhaseValidating, PhaseFailed},
	PhaseValidating: {PhaseSucceeded, PhaseRepairing, PhaseFailed},
	PhaseRepairing:  {PhaseValidating, PhaseFailed},
}

// CanTransition reports whether from -> to is a legal phase transition
func CanTransition(from, to PhaseStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
