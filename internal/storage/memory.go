// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store interface with in-memory storage. It is the
// default for tests and for running without a persistent history.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*TaskRecord
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		tasks: make(map[string]*TaskRecord),
	}, nil
}

// CreateTask inserts a new catalog row
func (s *MemoryStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = generateID("task")
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = timeNow()
	}

	if _, exists := s.tasks[task.ID]; exists {
		return ErrTaskExists
	}

	cp := *task
	s.tasks[task.ID] = &cp

	return nil
}

// GetTask retrieves a catalog row by task ID
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}

	// Return a copy so callers never share the stored row
	cp := *task
	return &cp, nil
}

// UpdateTask overwrites an existing catalog row
func (s *MemoryStore) UpdateTask(ctx context.Context, task *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		return ErrTaskNotFound
	}

	cp := *task
	s.tasks[task.ID] = &cp

	return nil
}

// ListTasks lists catalog rows of any status, newest submissions first
func (s *MemoryStore) ListTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*TaskRecord, 0, len(s.tasks))
	for _, task := range s.tasks {
		cp := *task
		tasks = append(tasks, &cp)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	return paginate(tasks, limit, offset), nil
}

// ListFinishedTasks lists terminal catalog rows, most recently finished first
func (s *MemoryStore) ListFinishedTasks(ctx context.Context, limit, offset int) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []*TaskRecord{}
	for _, task := range s.tasks {
		if task.Finished() {
			cp := *task
			tasks = append(tasks, &cp)
		}
	}

	sortByFinish(tasks)

	return paginate(tasks, limit, offset), nil
}

// CountFinishedTasks returns the number of terminal catalog rows
func (s *MemoryStore) CountFinishedTasks(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, task := range s.tasks {
		if task.Finished() {
			n++
		}
	}

	return n, nil
}

// DeleteTask removes a catalog row by task ID
func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return ErrTaskNotFound
	}

	delete(s.tasks, id)
	return nil
}

// PruneFinishedTasks deletes all but the newest keep finished rows
func (s *MemoryStore) PruneFinishedTasks(ctx context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}

	finished := []*TaskRecord{}
	for _, task := range s.tasks {
		if task.Finished() {
			finished = append(finished, task)
		}
	}

	sortByFinish(finished)

	pruned := 0
	for i := keep; i < len(finished); i++ {
		delete(s.tasks, finished[i].ID)
		pruned++
	}

	return pruned, nil
}

// Close closes the store (no-op for memory store)
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*TaskRecord)

	return nil
}

// sortByFinish orders rows by most recent terminal transition first. Rows
// lacking a finish time sort by creation time instead.
func sortByFinish(tasks []*TaskRecord) {
	sort.Slice(tasks, func(i, j int) bool {
		ti, tj := tasks[i].CreatedAt, tasks[j].CreatedAt
		if tasks[i].FinishedAt != nil {
			ti = *tasks[i].FinishedAt
		}
		if tasks[j].FinishedAt != nil {
			tj = *tasks[j].FinishedAt
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func paginate(tasks []*TaskRecord, limit, offset int) []*TaskRecord {
	if offset >= len(tasks) {
		return []*TaskRecord{}
	}

	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}

	return tasks[offset:end]
}
