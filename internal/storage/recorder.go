package storage

import (
	"context"
	"sync"
	"time"

	"github.com/fetchd-project/fetchd/internal/engine"
	"github.com/fetchd-project/fetchd/internal/logger"
)

// recordTimeout bounds each catalog write triggered by an engine event.
const recordTimeout = 5 * time.Second

// Recorder mirrors engine lifecycle events into the task catalog. It writes
// on status transitions only, so per-tick byte progress never reaches the
// store. Catalog failures are logged and swallowed: history is reporting,
// never a reason to disturb a running download.
type Recorder struct {
	store Store

	mu   sync.Mutex
	last map[string]engine.TaskStatus
}

// NewRecorder creates a recorder writing to the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store: store,
		last:  make(map[string]engine.TaskStatus),
	}
}

// Listener returns the progress listener to register with the engine.
func (r *Recorder) Listener() engine.ProgressListener {
	return r.record
}

// record runs on runner goroutines; the mutex serializes writes and keeps
// each task's transition order intact.
func (r *Recorder) record(p engine.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last[p.TaskID] == p.Status {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.apply(ctx, p); err != nil {
		logger.Warnf("task catalog update failed for %s: %v", p.TaskID, err)
		return
	}

	if terminalStatus(p.Status) {
		// A revived task re-enters through the not-found path in apply.
		delete(r.last, p.TaskID)
	} else {
		r.last[p.TaskID] = p.Status
	}
}

func (r *Recorder) apply(ctx context.Context, p engine.Progress) error {
	rec, err := r.store.GetTask(ctx, p.TaskID)
	if err == ErrTaskNotFound {
		rec = &TaskRecord{
			ID:          p.TaskID,
			URL:         p.URL,
			Destination: p.Destination,
			Status:      string(p.Status),
			TotalBytes:  p.TotalBytes,
			CreatedAt:   p.Timestamp,
		}
		stamp(rec, p)
		return r.store.CreateTask(ctx, rec)
	}
	if err != nil {
		return err
	}

	rec.URL = p.URL
	rec.Destination = p.Destination
	rec.Status = string(p.Status)
	rec.BytesCompleted = p.BytesCompleted
	rec.Error = p.Error
	if p.TotalBytes > 0 {
		rec.TotalBytes = p.TotalBytes
	}
	stamp(rec, p)

	return r.store.UpdateTask(ctx, rec)
}

// stamp maintains the start and finish timestamps across transitions. The
// start is set once, when the first byte transfer begins; the finish tracks
// the latest terminal transition and clears when a task is revived.
func stamp(rec *TaskRecord, p engine.Progress) {
	switch {
	case p.Status == engine.TaskDownloading:
		if rec.StartedAt == nil {
			ts := p.Timestamp
			rec.StartedAt = &ts
		}
		rec.FinishedAt = nil
	case terminalStatus(p.Status):
		ts := p.Timestamp
		rec.FinishedAt = &ts
	default:
		rec.FinishedAt = nil
	}
}

func terminalStatus(status engine.TaskStatus) bool {
	switch status {
	case engine.TaskCompleted, engine.TaskFailed, engine.TaskCancelled:
		return true
	}
	return false
}
