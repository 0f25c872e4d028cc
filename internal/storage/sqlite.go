// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	// Ensure directory exists
	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	// Initialize schema
	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		total_bytes INTEGER NOT NULL DEFAULT -1,
		bytes_completed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_finished ON tasks(finished_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Apply pragmas
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = memory",
	}

	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	// Apply custom pragmas from config
	if config.Pragmas != nil {
		for key, value := range config.Pragmas {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
		}
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

const taskColumns = "id, url, destination, status, total_bytes, bytes_completed, error, created_at, started_at, finished_at"

// finishedSet is the SQL predicate matching terminal rows.
const finishedSet = "status IN ('" + StatusCompleted + "', '" + StatusFailed + "', '" + StatusCancelled + "')"

// CreateTask inserts a new catalog row
func (s *SQLiteStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = generateID("task")
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = timeNow()
	}

	// Writes are serialized by the mutex, so check-then-insert is safe and
	// yields a typed error instead of a driver constraint failure.
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM tasks WHERE id = ?", task.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if exists > 0 {
		return ErrTaskExists
	}

	query := `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.URL,
		task.Destination,
		task.Status,
		task.TotalBytes,
		task.BytesCompleted,
		task.Error,
		task.CreatedAt.UnixMilli(),
		timeToUnixMilli(task.StartedAt),
		timeToUnixMilli(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a catalog row by task ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + taskColumns + " FROM tasks WHERE id = ?"

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// UpdateTask overwrites an existing catalog row
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	UPDATE tasks
	SET url = ?, destination = ?, status = ?, total_bytes = ?, bytes_completed = ?,
	    error = ?, started_at = ?, finished_at = ?
	WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		task.URL,
		task.Destination,
		task.Status,
		task.TotalBytes,
		task.BytesCompleted,
		task.Error,
		timeToUnixMilli(task.StartedAt),
		timeToUnixMilli(task.FinishedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// ListTasks lists catalog rows of any status, newest submissions first
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM tasks ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	return s.queryTasks(ctx, query, limit, offset)
}

// ListFinishedTasks lists terminal catalog rows, most recently finished first
func (s *SQLiteStore) ListFinishedTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE " + finishedSet +
		" ORDER BY finished_at DESC, id LIMIT ? OFFSET ?"
	return s.queryTasks(ctx, query, limit, offset)
}

// CountFinishedTasks returns the number of terminal catalog rows
func (s *SQLiteStore) CountFinishedTasks(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM tasks WHERE "+finishedSet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	return n, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// DeleteTask removes a catalog row by task ID
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// PruneFinishedTasks deletes all but the newest keep finished rows
func (s *SQLiteStore) PruneFinishedTasks(ctx context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}

	query := `
	DELETE FROM tasks
	WHERE ` + finishedSet + ` AND id NOT IN (
		SELECT id FROM tasks WHERE ` + finishedSet + `
		ORDER BY finished_at DESC, id LIMIT ?
	)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tasks: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check prune: %w", err)
	}

	return int(affected), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var (
		task       TaskRecord
		errText    sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)

	err := row.Scan(
		&task.ID,
		&task.URL,
		&task.Destination,
		&task.Status,
		&task.TotalBytes,
		&task.BytesCompleted,
		&errText,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Error = errText.String
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.StartedAt = unixMilliToTime(startedAt)
	task.FinishedAt = unixMilliToTime(finishedAt)

	return &task, nil
}

// Helper functions for time handling. Timestamps are stored with millisecond
// resolution so sub-second download durations survive a round trip.

func timeNow() time.Time {
	return time.Now().UTC()
}

func timeToUnixMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func unixMilliToTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	u := time.UnixMilli(t.Int64).UTC()
	return &u
}
