package domain

import (
	"errors"
	"testing"
)

func TestRollupStageStatus(t *testing.T) {
	tests := []struct {
		name   string
		phases []PhaseResult
		want   StageStatus
	}{
		{
			name:   "empty stage completes",
			phases: nil,
			want:   StageCompleted,
		},
		{
			name: "all succeeded",
			phases: []PhaseResult{
				{Status: PhaseSucceeded}, {Status: PhaseSucceeded},
			},
			want: StageCompleted,
		},
		{
			name: "succeeded plus skipped completes",
			phases: []PhaseResult{
				{Status: PhaseSucceeded}, {Status: PhaseSkipped},
			},
			want: StageCompleted,
		},
		{
			name: "any failure fails the stage",
			phases: []PhaseResult{
				{Status: PhaseSucceeded}, {Status: PhaseFailed}, {Status: PhaseSkipped},
			},
			want: StageFailed,
		},
		{
			name: "mid-flight phase marks running",
			phases: []PhaseResult{
				{Status: PhaseSucceeded}, {Status: PhaseValidating},
			},
			want: StageRunning,
		},
		{
			name: "untouched stage is pending",
			phases: []PhaseResult{
				{Status: PhasePending}, {Status: PhasePending},
			},
			want: StagePending,
		},
		{
			name: "all skipped",
			phases: []PhaseResult{
				{Status: PhaseSkipped}, {Status: PhaseSkipped},
			},
			want: StageSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RollupStageStatus(tt.phases); got != tt.want {
				t.Errorf("RollupStageStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBatchResult_Counts(t *testing.T) {
	r := &BatchResult{
		Stages: []StageResult{
			{Phases: []PhaseResult{
				{Status: PhaseSucceeded}, {Status: PhaseFailed},
			}},
			{Phases: []PhaseResult{
				{Status: PhaseSkipped}, {Status: PhasePending}, {Status: PhaseRunning},
			}},
		},
	}

	succeeded, failed, skipped, pending := r.Counts()
	if succeeded != 1 || failed != 1 || skipped != 1 || pending != 2 {
		t.Errorf("Counts() = %d/%d/%d/%d, want 1/1/1/2", succeeded, failed, skipped, pending)
	}
}

func TestNewPhaseError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{"cyclic", &CyclicDependencyError{Cycle: []string{"a", "b", "a"}}, ErrCodeCyclicDependency},
		{"unresolved", &UnresolvedReferenceError{Ref: "{OUTPUT:STAGE:x}"}, ErrCodeUnresolvedReference},
		{"backend", &BackendUnavailableError{Attempts: 3, Last: errors.New("timeout")}, ErrCodeBackendUnavailable},
		{"repair", &RepairExhaustedError{Rounds: 2, Errors: []ValidationError{{Kind: "schema", Message: "bad"}}}, ErrCodeRepairExhausted},
		{"conflict", &PersistenceConflictError{BatchID: "b", Key: PhaseKey{Stage: "s", Phase: "p"}}, ErrCodePersistenceConflict},
		{"wrapped backend", errors.Join(errors.New("outer"), &BackendUnavailableError{Attempts: 1}), ErrCodeBackendUnavailable},
		{"plain", errors.New("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := NewPhaseError(tt.err)
			if pe.Code != tt.wantCode {
				t.Errorf("NewPhaseError() code = %s, want %s", pe.Code, tt.wantCode)
			}
		})
	}
}

func TestNewPhaseError_KeepsValidationErrors(t *testing.T) {
	err := &RepairExhaustedError{
		Rounds: 3,
		Errors: []ValidationError{
			{Kind: "schema", Location: "/name", Message: "required"},
			{Kind: "schema", Location: "/age", Message: "not a number"},
		},
	}
	pe := NewPhaseError(err)
	if len(pe.Validation) != 2 {
		t.Fatalf("Validation count = %d, want 2", len(pe.Validation))
	}
	if pe.Validation[0].Location != "/name" {
		t.Errorf("Validation[0].Location = %q, want /name", pe.Validation[0].Location)
	}
}
