package task

import (
	"database/sql"
	"errors"
	"fmt"
)

// Repository persists the handle index in sqlite.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps db and creates the transfers table if needed.
func NewRepository(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.InitTable(); err != nil {
		return nil, fmt.Errorf("init transfers table: %w", err)
	}
	return r, nil
}

// InitTable creates the transfers table if it doesn't exist
func (r *Repository) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS transfers (
		handle TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		session_id TEXT,
		direction TEXT,
		url TEXT,
		dest_path TEXT,
		created_time DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_task_id ON transfers(task_id);
	`
	_, err := r.db.Exec(query)
	return err
}

func (r *Repository) SaveHandle(rec HandleRecord) error {
	query := `INSERT OR REPLACE INTO transfers (handle, task_id, session_id, direction, url, dest_path, created_time) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(query, rec.Handle, rec.TaskID, rec.SessionID, rec.Direction, rec.URL, rec.DestPath, rec.CreatedTime)
	return err
}

func (r *Repository) DeleteHandle(handle string) error {
	query := `DELETE FROM transfers WHERE handle = ?`
	_, err := r.db.Exec(query, handle)
	return err
}

// GetHandle returns the record for handle, or ErrTaskNotFound.
func (r *Repository) GetHandle(handle string) (*HandleRecord, error) {
	query := `SELECT handle, task_id, session_id, direction, url, dest_path, created_time FROM transfers WHERE handle = ?`
	var rec HandleRecord
	err := r.db.QueryRow(query, handle).Scan(&rec.Handle, &rec.TaskID, &rec.SessionID, &rec.Direction, &rec.URL, &rec.DestPath, &rec.CreatedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) ListHandles() ([]HandleRecord, error) {
	query := `SELECT handle, task_id, session_id, direction, url, dest_path, created_time FROM transfers ORDER BY created_time`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HandleRecord
	for rows.Next() {
		var rec HandleRecord
		if err := rows.Scan(&rec.Handle, &rec.TaskID, &rec.SessionID, &rec.Direction, &rec.URL, &rec.DestPath, &rec.CreatedTime); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HandlesForTask returns every handle recorded for taskID.
func (r *Repository) HandlesForTask(taskID string) ([]string, error) {
	query := `SELECT handle FROM transfers WHERE task_id = ?`
	rows, err := r.db.Query(query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}
