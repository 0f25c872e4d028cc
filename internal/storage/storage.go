// Package storage persists the download task catalog. The catalog is a
// reporting surface: submissions insert a row, lifecycle transitions update
// it, and the history API reads finished rows back. Byte-level resume state
// lives in the engine's sidecar files, never here.
package storage

import (
	"context"
	"fmt"
	"time"
)

// StorageType defines the type of storage backend
type StorageType string

const (
	// StorageTypeMemory keeps the catalog in process memory
	StorageTypeMemory StorageType = "memory"
	// StorageTypeSQLite persists the catalog to a SQLite database file
	StorageTypeSQLite StorageType = "sqlite"
)

// Task lifecycle statuses as stored in the catalog. The set matches the
// engine's TaskStatus values; the storage layer keeps them as plain strings
// so rows scan without conversions.
const (
	StatusQueued      = "queued"
	StatusProbing     = "probing"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// FinishedStatus reports whether status is terminal. Only finished rows
// appear in the history listing.
func FinishedStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type   StorageType   `json:"type" yaml:"type"`
	SQLite *SQLiteConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `json:"path" yaml:"path"`
	Pragmas   map[string]string `json:"pragmas,omitempty" yaml:"pragmas,omitempty"`
	EnableWAL bool              `json:"enable_wal" yaml:"enable_wal"`
}

// TaskRecord is one catalog row: a download submission and its outcome.
type TaskRecord struct {
	ID             string     `json:"id" db:"id"`
	URL            string     `json:"url" db:"url"`
	Destination    string     `json:"destination" db:"destination"`
	Status         string     `json:"status" db:"status"`
	TotalBytes     int64      `json:"total_bytes" db:"total_bytes"` // -1 when unknown
	BytesCompleted int64      `json:"bytes_completed" db:"bytes_completed"`
	Error          string     `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Duration returns the wall time from first byte to the terminal transition,
// or zero while either end is missing.
func (t *TaskRecord) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	d := t.FinishedAt.Sub(*t.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Finished reports whether the row has reached a terminal status.
func (t *TaskRecord) Finished() bool {
	return FinishedStatus(t.Status)
}

// Store defines the task catalog interface
type Store interface {
	// CreateTask inserts a new catalog row
	CreateTask(ctx context.Context, task *TaskRecord) error
	// GetTask retrieves a row by task ID
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	// UpdateTask overwrites an existing row
	UpdateTask(ctx context.Context, task *TaskRecord) error
	// ListTasks lists rows of any status, newest submissions first
	ListTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, error)
	// ListFinishedTasks lists terminal rows, most recently finished first
	ListFinishedTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, error)
	// CountFinishedTasks returns the number of terminal rows
	CountFinishedTasks(ctx context.Context) (int64, error)
	// DeleteTask removes a row by task ID
	DeleteTask(ctx context.Context, id string) error
	// PruneFinishedTasks deletes all but the newest keep finished rows and
	// returns how many were removed
	PruneFinishedTasks(ctx context.Context, keep int) (int, error)
	// Close closes the storage backend
	Close() error
}

// Manager manages storage backends
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "missing SQLite configuration"}
	ErrTaskNotFound        = &StorageError{Code: "NOT_FOUND", Message: "task not found"}
	ErrTaskExists          = &StorageError{Code: "ALREADY_EXISTS", Message: "task already exists"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// generateID returns a unique task ID with the given prefix. Rows created
// through the engine carry its UUIDs; this covers rows created directly.
func generateID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
