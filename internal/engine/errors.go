package engine

import (
	"errors"
	"fmt"
)

// TransportErrKind classifies transport failures for retry decisions
type TransportErrKind string

const (
	TransportNetwork TransportErrKind = "network"
	TransportTimeout TransportErrKind = "timeout"
	TransportReset   TransportErrKind = "reset"
	TransportDNS     TransportErrKind = "dns"
	TransportTLS     TransportErrKind = "tls"
	TransportServer  TransportErrKind = "server" // transient 5xx
)

// TransportError is a network-level failure. All transport errors are
// candidates for retry; the policy decides based on the attempt budget.
type TransportError struct {
	Kind TransportErrKind
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s error for %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s error for %s", e.Kind, e.URL)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-transient remote refusal (4xx, unexpected status,
// malformed response). Never retried.
type ProtocolError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("protocol error for %s: %s (status %d)", e.URL, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("protocol error for %s: %s", e.URL, e.Message)
}

// StorageError is a local filesystem failure: disk full, permissions, path
// conflicts. Fatal immediately, never retried; retrying cannot fix a full
// disk or a missing permission.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrInsufficientSpace reports a failed free-space preflight.
type ErrInsufficientSpace struct {
	Path      string
	Required  int64
	Available int64
}

func (e *ErrInsufficientSpace) Error() string {
	return fmt.Sprintf("insufficient disk space on %s: need %d bytes, %d available",
		e.Path, e.Required, e.Available)
}

// ValidationError rejects a submission before it reaches a runner.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateCorruptionError marks persisted resume state that cannot be trusted:
// unreadable sidecar, validator mismatch, or on-disk bytes inconsistent with
// the recorded progress. The task restarts from scratch instead of resuming.
type StateCorruptionError struct {
	TaskID string
	Reason string
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("resume state for task %s unusable: %s", e.TaskID, e.Reason)
}

// ErrTaskNotFound is returned by scheduler lookups for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidState is returned when an operation does not apply to the task's
// current status, such as pausing a completed download.
var ErrInvalidState = errors.New("operation not valid in current task state")

// ErrSchedulerStopped is returned by scheduler operations before Start or
// after Shutdown.
var ErrSchedulerStopped = errors.New("scheduler is not running")

// IsRetryable reports whether an error may be retried per the policy.
// Only transport failures qualify; protocol, storage and validation errors
// are fatal the first time.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStorage reports whether an error is a local storage failure, including
// the free-space preflight.
func IsStorage(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return true
	}
	var is *ErrInsufficientSpace
	return errors.As(err, &is)
}
