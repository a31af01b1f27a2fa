package batchstore

import (
	"database/sql"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

func appendEvent(tx *sql.Tx, batchID string, key domain.PhaseKey, from, to domain.PhaseStatus, attempt int, detail string) error {
	_, err := tx.Exec(`
		INSERT INTO phase_events (batch_id, stage, phase, from_status, to_status, attempt, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, batchID, key.Stage, key.Phase, string(from), string(to), attempt, detail, time.Now())
	return err
}

// RecordDiscard appends an audit row for an in-flight result thrown
// away by an abort. The phase's status does not change; resume resets
// it later.
func (s *Store) RecordDiscard(batchID string, key domain.PhaseKey, detail string) error {
	var attempts int
	var status string
	err := s.db.QueryRow(`
		SELECT attempt_count, status FROM phase_progress
		WHERE batch_id = ? AND stage = ? AND phase = ?
	`, batchID, key.Stage, key.Phase).Scan(&attempts, &status)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st := domain.PhaseStatus(status)
	if err := appendEvent(tx, batchID, key, st, st, attempts, detail); err != nil {
		return err
	}
	return tx.Commit()
}

// Events returns a batch's full transition history in append order
func (s *Store) Events(batchID string) ([]*domain.PhaseEvent, error) {
	return s.queryEvents(`
		SELECT id, batch_id, stage, phase, from_status, to_status, attempt, detail, created_at
		FROM phase_events WHERE batch_id = ? ORDER BY id
	`, batchID)
}

// EventsSince returns events appended after the given event ID, in
// append order. Pollers pass the last ID they saw.
func (s *Store) EventsSince(batchID string, afterID int64) ([]*domain.PhaseEvent, error) {
	return s.queryEvents(`
		SELECT id, batch_id, stage, phase, from_status, to_status, attempt, detail, created_at
		FROM phase_events WHERE batch_id = ? AND id > ? ORDER BY id
	`, batchID, afterID)
}

func (s *Store) queryEvents(query string, args ...interface{}) ([]*domain.PhaseEvent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.PhaseEvent
	for rows.Next() {
		var ev domain.PhaseEvent
		var from, to, detail string
		err := rows.Scan(&ev.ID, &ev.BatchID, &ev.Key.Stage, &ev.Key.Phase, &from, &to, &ev.Attempt, &detail, &ev.At)
		if err != nil {
			return nil, err
		}
		ev.From = domain.PhaseStatus(from)
		ev.To = domain.PhaseStatus(to)
		ev.Detail = detail
		events = append(events, &ev)
	}

	return events, rows.Err()
}
