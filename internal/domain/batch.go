package domain

import "time"

// BatchStatus is the lifecycle state of a batch
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchAborted   BatchStatus = "aborted"
)

// Terminal reports whether the batch can make no further progress
// without an explicit resume.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchAborted:
		return true
	}
	return false
}

// Batch represents one end-to-end run of a pipeline over one parameter set.
// Only the orchestrator mutates a batch; everything else reads.
type Batch struct {
	ID          string
	Name        string
	Pipeline    string
	Params      map[string]string
	Status      BatchStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
