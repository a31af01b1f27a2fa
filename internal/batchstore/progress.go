package batchstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// transition describes one guarded phase update
type transition struct {
	from, to    domain.PhaseStatus
	addAttempts int
	addRepairs  int
	outputPtr   *string
	phaseErr    *domain.PhaseError
	clearError  bool
	detail      string
}

// SeedPhases inserts pending progress rows for the given keys. Rows
// that already exist are left untouched, which is what makes resume
// idempotent: succeeded phases keep their status and output pointer.
func (s *Store) SeedPhases(batchID string, keys []domain.PhaseKey) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, key := range keys {
		_, err := tx.Exec(`
			INSERT INTO phase_progress (batch_id, stage, phase, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(batch_id, stage, phase) DO NOTHING
		`, batchID, key.Stage, key.Phase, string(domain.PhasePending), now, now)
		if err != nil {
			return fmt.Errorf("seeding phase %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// StartPhase claims a pending phase for execution
func (s *Store) StartPhase(batchID string, key domain.PhaseKey) error {
	return s.transitionPhase(batchID, key, transition{
		from: domain.PhasePending,
		to:   domain.PhaseRunning,
	})
}

// MarkValidating records a completed backend invocation and moves the
// phase into validation. attempts is the number of backend calls the
// invocation consumed, including retries.
func (s *Store) MarkValidating(batchID string, key domain.PhaseKey, attempts int) error {
	return s.transitionPhase(batchID, key, transition{
		from:        domain.PhaseRunning,
		to:          domain.PhaseValidating,
		addAttempts: attempts,
	})
}

// MarkRepairing moves a phase with validation failures into a repair
// round and burns one unit of its repair budget
func (s *Store) MarkRepairing(batchID string, key domain.PhaseKey, detail string) error {
	return s.transitionPhase(batchID, key, transition{
		from:       domain.PhaseValidating,
		to:         domain.PhaseRepairing,
		addRepairs: 1,
		detail:     detail,
	})
}

// MarkRepairDone returns a repaired phase to validation
func (s *Store) MarkRepairDone(batchID string, key domain.PhaseKey, attempts int) error {
	return s.transitionPhase(batchID, key, transition{
		from:        domain.PhaseRepairing,
		to:          domain.PhaseValidating,
		addAttempts: attempts,
	})
}

// MarkSucceeded finalizes a phase with the pointer to its persisted
// output. Succeeded is terminal; no transition leads out of it.
func (s *Store) MarkSucceeded(batchID string, key domain.PhaseKey, outputPtr string) error {
	return s.transitionPhase(batchID, key, transition{
		from:       domain.PhaseValidating,
		to:         domain.PhaseSucceeded,
		outputPtr:  &outputPtr,
		clearError: true,
	})
}

// MarkFailed finalizes a phase with its error. from names the status
// the failure was observed in.
func (s *Store) MarkFailed(batchID string, key domain.PhaseKey, from domain.PhaseStatus, phaseErr *domain.PhaseError, attempts int) error {
	detail := ""
	if phaseErr != nil {
		detail = phaseErr.Message
	}
	return s.transitionPhase(batchID, key, transition{
		from:        from,
		to:          domain.PhaseFailed,
		addAttempts: attempts,
		phaseErr:    phaseErr,
		detail:      detail,
	})
}

// MarkSkipped finalizes a phase that can never run because a
// dependency failed
func (s *Store) MarkSkipped(batchID string, key domain.PhaseKey, reason string) error {
	return s.transitionPhase(batchID, key, transition{
		from:   domain.PhasePending,
		to:     domain.PhaseSkipped,
		detail: reason,
	})
}

// transitionPhase applies one guarded status update and appends the
// matching event in the same transaction. A guard miss reports the
// actual stored status as a PersistenceConflictError.
func (s *Store) transitionPhase(batchID string, key domain.PhaseKey, tr transition) error {
	if !domain.CanTransition(tr.from, tr.to) {
		return fmt.Errorf("phase %s: transition %s -> %s not allowed", key, tr.from, tr.to)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	set := "status = ?, updated_at = ?"
	args := []interface{}{string(tr.to), time.Now()}
	if tr.addAttempts != 0 {
		set += ", attempt_count = attempt_count + ?"
		args = append(args, tr.addAttempts)
	}
	if tr.addRepairs != 0 {
		set += ", repair_count = repair_count + ?"
		args = append(args, tr.addRepairs)
	}
	if tr.outputPtr != nil {
		set += ", output_ptr = ?"
		args = append(args, *tr.outputPtr)
	}
	if tr.phaseErr != nil {
		errJSON, err := json.Marshal(tr.phaseErr)
		if err != nil {
			return err
		}
		set += ", last_error = ?"
		args = append(args, string(errJSON))
	} else if tr.clearError {
		set += ", last_error = NULL"
	}
	args = append(args, batchID, key.Stage, key.Phase, string(tr.from))

	res, err := tx.Exec(`UPDATE phase_progress SET `+set+` WHERE batch_id = ? AND stage = ? AND phase = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var actual string
		err := tx.QueryRow(`SELECT status FROM phase_progress WHERE batch_id = ? AND stage = ? AND phase = ?`,
			batchID, key.Stage, key.Phase).Scan(&actual)
		if err == sql.ErrNoRows {
			return fmt.Errorf("phase %s not seeded for batch %s", key, batchID)
		}
		if err != nil {
			return err
		}
		return &domain.PersistenceConflictError{
			BatchID:  batchID,
			Key:      key,
			Expected: tr.from,
			Actual:   domain.PhaseStatus(actual),
		}
	}

	var attempt int
	if err := tx.QueryRow(`SELECT attempt_count FROM phase_progress WHERE batch_id = ? AND stage = ? AND phase = ?`,
		batchID, key.Stage, key.Phase).Scan(&attempt); err != nil {
		return err
	}

	if err := appendEvent(tx, batchID, key, tr.from, tr.to, attempt, tr.detail); err != nil {
		return err
	}

	return tx.Commit()
}

// GetPhase retrieves one progress record
func (s *Store) GetPhase(batchID string, key domain.PhaseKey) (*domain.ProgressRecord, error) {
	row := s.db.QueryRow(`
		SELECT batch_id, stage, phase, status, attempt_count, repair_count, output_ptr, last_error, created_at, updated_at
		FROM phase_progress WHERE batch_id = ? AND stage = ? AND phase = ?
	`, batchID, key.Stage, key.Phase)

	return scanProgress(row.Scan)
}

// ListPhases returns all progress records of a batch in key order
func (s *Store) ListPhases(batchID string) ([]*domain.ProgressRecord, error) {
	rows, err := s.db.Query(`
		SELECT batch_id, stage, phase, status, attempt_count, repair_count, output_ptr, last_error, created_at, updated_at
		FROM phase_progress WHERE batch_id = ? ORDER BY stage, phase
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ProgressRecord
	for rows.Next() {
		rec, err := scanProgress(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// PhaseStatuses returns the current status of every phase in a batch
func (s *Store) PhaseStatuses(batchID string) (map[domain.PhaseKey]domain.PhaseStatus, error) {
	rows, err := s.db.Query(`SELECT stage, phase, status FROM phase_progress WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[domain.PhaseKey]domain.PhaseStatus)
	for rows.Next() {
		var stage, phase, status string
		if err := rows.Scan(&stage, &phase, &status); err != nil {
			return nil, err
		}
		statuses[domain.PhaseKey{Stage: stage, Phase: phase}] = domain.PhaseStatus(status)
	}
	return statuses, rows.Err()
}

// CountByStatus returns how many phases of a batch sit in each status
func (s *Store) CountByStatus(batchID string) (map[domain.PhaseStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM phase_progress WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.PhaseStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.PhaseStatus(status)] = n
	}
	return counts, rows.Err()
}

// ResetForResume returns every non-succeeded phase of a batch to
// pending so a fresh run can pick it up. Succeeded phases and the
// event history are left untouched. The repair budget starts over;
// attempt counts keep accumulating. Returns the number of phases
// reset.
func (s *Store) ResetForResume(batchID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT stage, phase, status, attempt_count FROM phase_progress
		WHERE batch_id = ? AND status NOT IN (?, ?)
	`, batchID, string(domain.PhaseSucceeded), string(domain.PhasePending))
	if err != nil {
		return 0, err
	}

	type resetRow struct {
		key     domain.PhaseKey
		status  domain.PhaseStatus
		attempt int
	}
	var resets []resetRow
	for rows.Next() {
		var r resetRow
		if err := rows.Scan(&r.key.Stage, &r.key.Phase, &r.status, &r.attempt); err != nil {
			rows.Close()
			return 0, err
		}
		resets = append(resets, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now()
	for _, r := range resets {
		_, err := tx.Exec(`
			UPDATE phase_progress SET status = ?, repair_count = 0, updated_at = ?
			WHERE batch_id = ? AND stage = ? AND phase = ?
		`, string(domain.PhasePending), now, batchID, r.key.Stage, r.key.Phase)
		if err != nil {
			return 0, err
		}
		if err := appendEvent(tx, batchID, r.key, r.status, domain.PhasePending, r.attempt, "resume"); err != nil {
			return 0, err
		}
	}

	return len(resets), tx.Commit()
}

func scanProgress(scan func(...interface{}) error) (*domain.ProgressRecord, error) {
	var rec domain.ProgressRecord
	var status string
	var outputPtr, lastError sql.NullString

	err := scan(&rec.BatchID, &rec.Key.Stage, &rec.Key.Phase, &status, &rec.AttemptCount, &rec.RepairCount, &outputPtr, &lastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.PhaseStatus(status)
	if outputPtr.Valid {
		rec.OutputPtr = outputPtr.String
	}
	if lastError.Valid && lastError.String != "" {
		var phaseErr domain.PhaseError
		if err := json.Unmarshal([]byte(lastError.String), &phaseErr); err != nil {
			return nil, err
		}
		rec.LastError = &phaseErr
	}

	return &rec, nil
}
