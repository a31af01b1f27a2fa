package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a terminal phase or batch error for persistence
// and status display
type ErrorCode string

const (
	ErrCodeCyclicDependency    ErrorCode = "cyclic_dependency"
	ErrCodeUnresolvedReference ErrorCode = "unresolved_reference"
	ErrCodeBackendUnavailable  ErrorCode = "backend_unavailable"
	ErrCodeValidationFailure   ErrorCode = "validation_failure"
	ErrCodeRepairExhausted     ErrorCode = "repair_exhausted"
	ErrCodePersistenceConflict ErrorCode = "persistence_conflict"
	ErrCodeInternal            ErrorCode = "internal"
)

// ValidationError describes one way a phase output failed its format
// contract
type ValidationError struct {
	Kind     string
	Location string
	Message  string
}

func (e ValidationError) String() string {
	if e.Location != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// PhaseError is the structured last-error persisted on a failed phase
type PhaseError struct {
	Code       ErrorCode
	Message    string
	Validation []ValidationError `json:",omitempty"`
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CyclicDependencyError reports a dependency cycle in the stage or phase
// graph. Raised at configuration time, before any backend invocation.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

// UnresolvedReferenceError reports a placeholder naming a phase, guidance
// document, schema, or parameter that is not in the render context. A
// configuration defect, never retried.
type UnresolvedReferenceError struct {
	Ref    string
	Reason string
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unresolved reference %s: %s", e.Ref, e.Reason)
	}
	return fmt.Sprintf("unresolved reference %s", e.Ref)
}

// BackendUnavailableError reports that the backend retry ceiling was
// exhausted for one phase
type BackendUnavailableError struct {
	Attempts int
	Last     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Last
}

// ValidationFailureError reports output that failed its format contract
// on a phase whose plugin cannot repair
type ValidationFailureError struct {
	Errors []ValidationError
}

func (e *ValidationFailureError) Error() string {
	return fmt.Sprintf("validation failed: %s", summarizeValidation(e.Errors))
}

// RepairExhaustedError reports that the repair ceiling was consumed
// without producing valid output. Records the last ValidationError set.
type RepairExhaustedError struct {
	Rounds int
	Errors []ValidationError
}

func (e *RepairExhaustedError) Error() string {
	return fmt.Sprintf("repair exhausted after %d rounds: %s", e.Rounds, summarizeValidation(e.Errors))
}

// PersistenceConflictError reports two writers racing on one phase
// record. Surfaced immediately, never retried: it means resume safety
// was violated.
type PersistenceConflictError struct {
	BatchID  string
	Key      PhaseKey
	Expected PhaseStatus
	Actual   PhaseStatus
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("persistence conflict on %s %s: expected status %q, found %q",
		e.BatchID, e.Key, e.Expected, e.Actual)
}

func summarizeValidation(errs []ValidationError) string {
	if len(errs) == 0 {
		return "no details"
	}
	if len(errs) == 1 {
		return errs[0].String()
	}
	return fmt.Sprintf("%s (and %d more)", errs[0].String(), len(errs)-1)
}

// NewPhaseError converts an error into its persistable form, mapping the
// typed taxonomy onto error codes
func NewPhaseError(err error) *PhaseError {
	if err == nil {
		return nil
	}
	var (
		cycErr  *CyclicDependencyError
		refErr  *UnresolvedReferenceError
		beErr   *BackendUnavailableError
		valErr  *ValidationFailureError
		repErr  *RepairExhaustedError
		perErr  *PersistenceConflictError
		phaseEr *PhaseError
	)
	switch {
	case errors.As(err, &phaseEr):
		return phaseEr
	case errors.As(err, &cycErr):
		return &PhaseError{Code: ErrCodeCyclicDependency, Message: cycErr.Error()}
	case errors.As(err, &refErr):
		return &PhaseError{Code: ErrCodeUnresolvedReference, Message: refErr.Error()}
	case errors.As(err, &beErr):
		return &PhaseError{Code: ErrCodeBackendUnavailable, Message: beErr.Error()}
	case errors.As(err, &valErr):
		return &PhaseError{Code: ErrCodeValidationFailure, Message: valErr.Error(), Validation: valErr.Errors}
	case errors.As(err, &repErr):
		return &PhaseError{Code: ErrCodeRepairExhausted, Message: repErr.Error(), Validation: repErr.Errors}
	case errors.As(err, &perErr):
		return &PhaseError{Code: ErrCodePersistenceConflict, Message: perErr.Error()}
	default:
		return &PhaseError{Code: ErrCodeInternal, Message: err.Error()}
	}
}
