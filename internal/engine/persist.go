package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	stateFilePrefix = "task_"
	stateFileSuffix = ".json"
)

// stateStore persists one JSON sidecar per task under the state directory.
// The sidecar is the engine's resume compatibility surface: a serialized
// TaskState written atomically, kept until the task completes or is
// cancelled.
type stateStore struct {
	dir string
}

func newStateStore(dir string) (*stateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	return &stateStore{dir: dir}, nil
}

func (s *stateStore) path(id string) string {
	return filepath.Join(s.dir, stateFilePrefix+id+stateFileSuffix)
}

// save writes the sidecar atomically via a temp file and rename.
func (s *stateStore) save(t *TaskState) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}

	path := s.path(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// load reads and validates one sidecar. Unreadable or inconsistent state
// comes back as a StateCorruptionError so the caller can restart the task
// from scratch instead of resuming.
func (s *stateStore) load(id string) (*TaskState, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &StorageError{Op: "read", Path: s.path(id), Err: err}
	}

	var t TaskState
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, &StateCorruptionError{TaskID: id, Reason: fmt.Sprintf("unreadable sidecar: %v", err)}
	}
	if err := validateState(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// delete removes the sidecar. Missing files are not an error.
func (s *stateStore) delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "remove", Path: s.path(id), Err: err}
	}
	return nil
}

// damagedState describes a sidecar that failed to load during a scan.
type damagedState struct {
	ID   string
	Path string
	Err  error
}

// loadAll scans the state directory and returns every valid task state,
// oldest first, plus descriptors for sidecars that could not be trusted.
func (s *stateStore) loadAll() ([]*TaskState, []damagedState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, &StorageError{Op: "read", Path: s.dir, Err: err}
	}

	var mu sync.Mutex
	var states []*TaskState
	var damaged []damagedState

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, stateFilePrefix) || !strings.HasSuffix(name, stateFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, stateFilePrefix), stateFileSuffix)
		if id == "" {
			continue
		}
		g.Go(func() error {
			t, err := s.load(id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				damaged = append(damaged, damagedState{ID: id, Path: filepath.Join(s.dir, name), Err: err})
				return nil
			}
			states = append(states, t)
			return nil
		})
	}
	g.Wait()

	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, damaged, nil
}

// validateState checks the structural invariants a sidecar must satisfy
// before it may drive a resumption: known status, chunk ranges that
// partition [0, total_size) without gaps or overlaps, and per-chunk progress
// within range bounds.
func validateState(t *TaskState) error {
	corrupt := func(format string, args ...interface{}) error {
		return &StateCorruptionError{TaskID: t.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if t.ID == "" || t.URL == "" || t.Destination == "" {
		return corrupt("missing identity fields")
	}
	switch t.Status {
	case TaskQueued, TaskProbing, TaskDownloading, TaskPaused, TaskCompleted, TaskFailed, TaskCancelled:
	default:
		return corrupt("unknown status %q", t.Status)
	}

	if len(t.Chunks) == 0 {
		return nil // not planned yet, nothing more to check
	}

	if t.Chunks[0].Start != 0 {
		return corrupt("first chunk starts at %d", t.Chunks[0].Start)
	}
	for i := range t.Chunks {
		c := &t.Chunks[i]
		if c.Index != i {
			return corrupt("chunk %d has index %d", i, c.Index)
		}
		if i > 0 && c.Start != t.Chunks[i-1].End {
			return corrupt("gap or overlap between chunks %d and %d", i-1, i)
		}
		if c.End < 0 {
			if len(t.Chunks) != 1 {
				return corrupt("open-ended chunk in a multi-chunk plan")
			}
			continue
		}
		if c.End < c.Start {
			return corrupt("chunk %d range inverted", i)
		}
		if c.BytesDownloaded < 0 || c.BytesDownloaded > c.End-c.Start {
			return corrupt("chunk %d progress %d outside range of %d bytes", i, c.BytesDownloaded, c.End-c.Start)
		}
	}
	last := t.Chunks[len(t.Chunks)-1]
	if t.TotalSize >= 0 && last.End >= 0 && last.End != t.TotalSize {
		return corrupt("chunks cover %d bytes of %d", last.End, t.TotalSize)
	}
	return nil
}
