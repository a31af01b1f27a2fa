package domain

import "time"

// ProgressRecord is the durable per-phase snapshot keyed by
// (BatchID, Key.Stage, Key.Phase). The set of succeeded records for a
// batch never shrinks; resume rebuilds exactly this set before moving
// forward.
type ProgressRecord struct {
	BatchID      string
	Key          PhaseKey
	Status       PhaseStatus
	AttemptCount int
	RepairCount  int
	OutputPtr    string
	LastError    *PhaseError
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PhaseEvent is one append-only transition audit row. Events survive
// resume resets, so the full history of a phase stays inspectable.
type PhaseEvent struct {
	ID      int64
	BatchID string
	Key     PhaseKey
	From    PhaseStatus
	To      PhaseStatus
	Attempt int
	Detail  string
	At      time.Time
}
