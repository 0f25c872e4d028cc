// Package engine implements the download execution engine: chunked parallel
// transfers with dynamic worker scaling, retry with backoff, resume-state
// persistence, and bounded task scheduling.
package engine

import "time"

// TaskStatus represents the lifecycle state of a download task
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskProbing     TaskStatus = "probing"
	TaskDownloading TaskStatus = "downloading"
	TaskPaused      TaskStatus = "paused"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks free their
// scheduler slot and are never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ChunkStatus represents the state of a single byte-range chunk
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkActive    ChunkStatus = "active"
	ChunkPaused    ChunkStatus = "paused"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// ChunkState tracks one contiguous byte range of a task. The range is fixed
// once planned; only progress, status and the retry counter change.
type ChunkState struct {
	Index           int         `json:"index"`
	Start           int64       `json:"start"`
	End             int64       `json:"end"` // exclusive; -1 when the total size is unknown
	BytesDownloaded int64       `json:"bytes_downloaded"`
	Status          ChunkStatus `json:"status"`
	Attempts        int         `json:"attempts"`
}

// Size returns the byte length of the chunk's range, or -1 when unknown.
func (c *ChunkState) Size() int64 {
	if c.End < 0 {
		return -1
	}
	return c.End - c.Start
}

// Remaining returns the bytes still to download for this chunk, or -1 when
// the range is open-ended.
func (c *ChunkState) Remaining() int64 {
	if c.End < 0 {
		return -1
	}
	return c.End - c.Start - c.BytesDownloaded
}

// TaskState is the resumable record of one download. It is owned and mutated
// exclusively by the task's runner goroutine; every other component observes
// it through deep copies only.
type TaskState struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Destination string `json:"destination"`

	// Probe results
	TotalSize     int64  `json:"total_size"` // -1 until probed; may stay -1 for size-less streams
	SupportsRange bool   `json:"supports_range"`
	ETag          string `json:"etag,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`

	// Chunk progress
	Chunks []ChunkState `json:"chunks"`

	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`

	// Overrides captures per-task tuning from submission so a resumed task
	// keeps the behavior it was submitted with.
	Overrides *SubmitOptions `json:"overrides,omitempty"`

	// Timing
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BytesCompleted returns the sum of chunk progress. It is always derived,
// never stored.
func (t *TaskState) BytesCompleted() int64 {
	var n int64
	for i := range t.Chunks {
		n += t.Chunks[i].BytesDownloaded
	}
	return n
}

// ChunksCompleted returns the number of fully downloaded chunks.
func (t *TaskState) ChunksCompleted() int {
	n := 0
	for i := range t.Chunks {
		if t.Chunks[i].Status == ChunkCompleted {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand outside the owning runner.
func (t *TaskState) Clone() *TaskState {
	cp := *t
	cp.Chunks = make([]ChunkState, len(t.Chunks))
	copy(cp.Chunks, t.Chunks)
	return &cp
}

// Progress is a point-in-time report for one task, delivered to progress
// listeners on status changes and at a bounded rate while downloading.
type Progress struct {
	TaskID          string
	URL             string
	Destination     string
	Status          TaskStatus
	BytesCompleted  int64
	TotalBytes      int64 // -1 when unknown
	Speed           int64 // bytes per second, trailing estimate
	ChunksTotal     int
	ChunksCompleted int
	ActiveWorkers   int
	Error           string
	Timestamp       time.Time
}

// Ratio returns completion as a fraction in [0,1], or -1 when the total
// size is unknown.
func (p Progress) Ratio() float64 {
	if p.TotalBytes <= 0 {
		return -1
	}
	return float64(p.BytesCompleted) / float64(p.TotalBytes)
}

// ProgressListener is a callback for task progress and status updates
type ProgressListener func(progress Progress)

// RetryConfig controls the backoff schedule for retryable failures
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

// Config contains the engine configuration. Zero fields fall back to the
// defaults applied by NewScheduler.
type Config struct {
	OutputDir string // destination directory for downloads
	StateDir  string // resume sidecar directory, defaults to <OutputDir>/.fetchd

	MaxConcurrentDownloads int           // active tasks at once
	TargetChunks           int           // initial chunk count per task
	MaxChunksPerFile       int           // upper bound for dynamic scaling
	MinChunkSize           int64         // below this a task downloads sequentially
	BufferSize             int           // read/write buffer per worker
	SpeedLimit             int64         // bytes per second per task, 0 = unlimited
	ChunkTimeout           time.Duration // per-fetch deadline, 0 = transport default only

	ProgressInterval    time.Duration // listener notification rate while downloading
	SpeedSampleInterval time.Duration // throughput sampling rate for worker scaling

	AutoResume        bool // re-admit persisted non-terminal tasks on Start
	OverwriteExisting bool // truncate an existing destination file
	AutoRename        bool // pick "name (1).ext" when the destination exists

	Retry RetryConfig
}

// SubmitOptions carries optional per-task overrides for Submit
type SubmitOptions struct {
	Filename     string `json:"filename,omitempty"`      // destination file name, derived from the URL when empty
	TargetChunks int    `json:"target_chunks,omitempty"` // 0 = engine default
	MaxRetries   int    `json:"max_retries,omitempty"`   // 0 = engine default
	SpeedLimit   int64  `json:"speed_limit,omitempty"`   // bytes per second, 0 = engine default
}
