// Package batchstore provides SQLite-backed batch and phase progress
// persistence. Every phase transition goes through a guarded update
// keyed on the expected current status, so concurrent writers surface
// as PersistenceConflictError instead of lost updates.
package batchstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed batch persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection keeps the pragmas below in force for every query,
	// serializes parallel phase writers, and makes :memory: databases
	// behave (each new connection would otherwise start empty)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateBatch inserts a new batch record, stamping CreatedAt and
// UpdatedAt when the caller left them zero
func (s *Store) CreateBatch(batch *domain.Batch) error {
	now := time.Now()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	if batch.UpdatedAt.IsZero() {
		batch.UpdatedAt = now
	}

	paramsJSON, err := json.Marshal(batch.Params)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO batches (id, name, pipeline, params, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		batch.ID,
		batch.Name,
		batch.Pipeline,
		string(paramsJSON),
		string(batch.Status),
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating batch %s: %w", batch.Name, err)
	}
	return nil
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(id string) (*domain.Batch, error) {
	row := s.db.QueryRow(`
		SELECT id, name, pipeline, params, status, created_at, updated_at, started_at, completed_at
		FROM batches WHERE id = ?
	`, id)

	return scanBatch(row)
}

// GetBatchByName retrieves a batch by its unique name
func (s *Store) GetBatchByName(name string) (*domain.Batch, error) {
	row := s.db.QueryRow(`
		SELECT id, name, pipeline, params, status, created_at, updated_at, started_at, completed_at
		FROM batches WHERE name = ?
	`, name)

	return scanBatch(row)
}

// FindBatch resolves a batch reference that may be an ID or a name
func (s *Store) FindBatch(ref string) (*domain.Batch, error) {
	batch, err := s.GetBatch(ref)
	if err == nil {
		return batch, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	batch, err = s.GetBatchByName(ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no batch with id or name %q", ref)
	}
	return batch, err
}

// ListOptions specifies filters for listing batches
type ListOptions struct {
	Status   domain.BatchStatus
	Pipeline string
}

// ListBatches returns batches matching the given options, newest first
func (s *Store) ListBatches(opts ListOptions) ([]*domain.Batch, error) {
	query := `SELECT id, name, pipeline, params, status, created_at, updated_at, started_at, completed_at FROM batches WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, opts.Pipeline)
	}

	query += " ORDER BY created_at DESC, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		batch, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	return batches, rows.Err()
}

// UpdateBatchStatus updates a batch's status, stamping started_at on
// the first move to running and completed_at on any terminal status
func (s *Store) UpdateBatchStatus(id string, status domain.BatchStatus) error {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE batches SET
			status = ?,
			updated_at = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed', 'aborted') THEN ? ELSE completed_at END
		WHERE id = ?
	`, string(status), now, string(status), now, string(status), now, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no batch with id %q", id)
	}
	return nil
}

func scanBatch(row *sql.Row) (*domain.Batch, error) {
	var batch domain.Batch
	var status, paramsJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&batch.ID, &batch.Name, &batch.Pipeline, &paramsJSON, &status, &batch.CreatedAt, &batch.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	return finishBatch(&batch, status, paramsJSON, startedAt, completedAt)
}

func scanBatchRows(rows *sql.Rows) (*domain.Batch, error) {
	var batch domain.Batch
	var status, paramsJSON string
	var startedAt, completedAt sql.NullTime

	err := rows.Scan(&batch.ID, &batch.Name, &batch.Pipeline, &paramsJSON, &status, &batch.CreatedAt, &batch.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	return finishBatch(&batch, status, paramsJSON, startedAt, completedAt)
}

func finishBatch(batch *domain.Batch, status, paramsJSON string, startedAt, completedAt sql.NullTime) (*domain.Batch, error) {
	batch.Status = domain.BatchStatus(status)

	if paramsJSON != "" && paramsJSON != "null" {
		if err := json.Unmarshal([]byte(paramsJSON), &batch.Params); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		batch.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		batch.CompletedAt = &t
	}

	return batch, nil
}
