package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// preflightMargin is free space demanded beyond the bytes still to download,
// covering filesystem overhead and neighboring writers.
const preflightMargin = 10 << 20

type runnerCommand int

const (
	cmdPause runnerCommand = iota
	cmdCancel
)

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

func stopFor(cmd runnerCommand) stopReason {
	if cmd == cmdCancel {
		return stopCancel
	}
	return stopPause
}

// taskRunner owns one task from admission to a terminal state. All TaskState
// mutation happens on the runner goroutine; chunk workers report through the
// event channel and the outside world reads published snapshots.
type taskRunner struct {
	state  *TaskState
	cfg    Config
	tr     Transport
	disk   DiskChecker
	store  *stateStore
	notify ProgressListener // invoked on the runner goroutine; must not block

	policy  *RetryPolicy
	limiter *rate.Limiter

	commands chan runnerCommand
	done     chan<- string // task ID, sent exactly once when run returns

	writer  *fileWriter
	events  chan workerEvent
	started int

	window    *speedWindow
	lastSpeed float64
	sampled   int64 // bytes since the last speed sample

	mu   sync.RWMutex
	snap *TaskState
}

func newTaskRunner(state *TaskState, cfg Config, tr Transport, disk DiskChecker, store *stateStore, notify ProgressListener, done chan<- string) *taskRunner {
	retry := cfg.Retry
	speed := cfg.SpeedLimit
	if o := state.Overrides; o != nil {
		if o.MaxRetries > 0 {
			retry.MaxRetries = o.MaxRetries
		}
		if o.SpeedLimit > 0 {
			speed = o.SpeedLimit
		}
	}

	r := &taskRunner{
		state:    state,
		cfg:      cfg,
		tr:       tr,
		disk:     disk,
		store:    store,
		notify:   notify,
		policy:   NewRetryPolicy(retry),
		commands: make(chan runnerCommand, 4),
		done:     done,
		events:   make(chan workerEvent, 64),
		window:   newSpeedWindow(speedWindowSize),
		snap:     state.Clone(),
	}
	if speed > 0 {
		burst := cfg.BufferSize
		if burst < 64<<10 {
			burst = 64 << 10
		}
		r.limiter = rate.NewLimiter(rate.Limit(speed), burst)
	}
	return r
}

// pause and cancel are called from the scheduler goroutine. Sends are
// non-blocking: a full buffer means the runner is already stopping, and the
// scheduler resolves a cancel-of-paused race itself once the runner is gone.
func (r *taskRunner) pause() {
	select {
	case r.commands <- cmdPause:
	default:
	}
}

func (r *taskRunner) cancel() {
	select {
	case r.commands <- cmdCancel:
	default:
	}
}

// snapshot returns the last published deep copy of the task state.
func (r *taskRunner) snapshot() *TaskState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// run drives the task to a terminal or parked state. Must be called once, in
// its own goroutine.
func (r *taskRunner) run(ctx context.Context) {
	defer func() { r.done <- r.state.ID }()

	stop, err := r.setup(ctx)
	if stop != stopNone {
		r.finishStopped(stop)
		return
	}
	if err != nil {
		r.fail(err)
		return
	}
	r.loop(ctx)
}

// setup probes the remote, validates or builds the chunk plan, checks disk
// space and opens the destination file.
func (r *taskRunner) setup(ctx context.Context) (stopReason, error) {
	s := r.state
	for i := range s.Chunks {
		if s.Chunks[i].Status == ChunkActive {
			// A crashed or shut-down run leaves chunks marked active.
			s.Chunks[i].Status = ChunkPaused
		}
	}
	resumed := len(s.Chunks) > 0 && s.BytesCompleted() > 0

	r.setStatus(TaskProbing)
	r.persist()
	r.emit()

	res, stop, err := r.probe(ctx)
	if stop != stopNone || err != nil {
		return stop, err
	}

	if resumed {
		if reason := r.resumeMismatch(res); reason != "" {
			s.Chunks = nil
			resumed = false
			warn := r.progress()
			warn.Error = "resume state discarded: " + reason
			r.notify(warn)
		}
	}

	s.TotalSize = res.Size
	s.SupportsRange = res.SupportsRange
	s.ETag = res.ETag
	s.LastModified = res.LastModified

	if len(s.Chunks) == 0 {
		var ranges []Range
		if res.Size >= 0 && res.SupportsRange {
			target := r.cfg.TargetChunks
			if o := s.Overrides; o != nil && o.TargetChunks > 0 {
				target = o.TargetChunks
			}
			ranges = Plan(res.Size, r.cfg.MinChunkSize, r.cfg.MaxChunksPerFile, target)
		} else {
			ranges = SequentialPlan(res.Size)
		}
		s.Chunks = chunksFromPlan(ranges)
	}

	if err := r.preflight(); err != nil {
		return stopNone, err
	}

	w, err := openFileWriter(s.Destination, s.TotalSize, !resumed)
	if err != nil {
		return stopNone, err
	}
	r.writer = w
	return stopNone, nil
}

// probe asks the transport about the resource, retrying transient failures
// on the task's policy while staying responsive to pause and cancel.
func (r *taskRunner) probe(ctx context.Context) (ProbeResult, stopReason, error) {
	attempts := 0
	for {
		res, stop, err := r.probeOnce(ctx)
		if stop != stopNone {
			return ProbeResult{}, stop, nil
		}
		if err == nil {
			return res, stopNone, nil
		}

		delay, ok := r.policy.Next(err, attempts)
		if !ok {
			return ProbeResult{}, stopNone, fmt.Errorf("probe %s: %w", r.state.URL, err)
		}
		attempts++

		select {
		case cmd := <-r.commands:
			return ProbeResult{}, stopFor(cmd), nil
		case <-ctx.Done():
			return ProbeResult{}, stopShutdown, nil
		case <-time.After(delay):
		}
	}
}

func (r *taskRunner) probeOnce(ctx context.Context) (ProbeResult, stopReason, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res ProbeResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := r.tr.Probe(pctx, r.state.URL)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, stopNone, out.err
	case cmd := <-r.commands:
		cancel()
		<-ch
		return ProbeResult{}, stopFor(cmd), nil
	case <-ctx.Done():
		cancel()
		<-ch
		return ProbeResult{}, stopShutdown, nil
	}
}

// resumeMismatch reports why persisted progress cannot be trusted against a
// fresh probe, or "" when resumption is safe.
func (r *taskRunner) resumeMismatch(res ProbeResult) string {
	s := r.state
	if res.Size < 0 {
		return "remote does not report a size"
	}
	if !res.SupportsRange && len(s.Chunks) > 1 {
		return "remote no longer accepts range requests"
	}
	if s.TotalSize >= 0 && res.Size != s.TotalSize {
		return fmt.Sprintf("size changed from %d to %d", s.TotalSize, res.Size)
	}
	if s.ETag != "" && res.ETag != "" && s.ETag != res.ETag {
		return "etag changed"
	}
	if s.LastModified != "" && res.LastModified != "" && s.LastModified != res.LastModified {
		return "last-modified changed"
	}
	if fi, err := os.Stat(s.Destination); err != nil || (s.TotalSize >= 0 && fi.Size() != s.TotalSize) {
		return "partial file missing or resized"
	}
	return ""
}

func (r *taskRunner) preflight() error {
	if r.disk == nil || r.state.TotalSize < 0 {
		return nil
	}
	need := r.state.TotalSize - r.state.BytesCompleted() + preflightMargin
	avail, err := r.disk.Available(filepath.Dir(r.state.Destination))
	if err != nil {
		return nil // checker unavailable, proceed without the guard
	}
	if avail < need {
		return &StorageError{
			Op:   "preflight",
			Path: r.state.Destination,
			Err:  &ErrInsufficientSpace{Path: r.state.Destination, Required: need, Available: avail},
		}
	}
	return nil
}

// loop is the downloading state: dispatch workers, absorb their events,
// adjust concurrency from the throughput window, persist and report.
func (r *taskRunner) loop(ctx context.Context) {
	s := r.state
	r.setStatus(TaskDownloading)
	r.persist()
	r.emit()

	if s.ChunksCompleted() == len(s.Chunks) {
		// Resumed after every byte already landed; only finalization is left.
		r.finishCompleted()
		return
	}

	target := r.initialConcurrency()

	progressTick := time.NewTicker(r.cfg.ProgressInterval)
	defer progressTick.Stop()
	sampleTick := time.NewTicker(r.cfg.SpeedSampleInterval)
	defer sampleTick.Stop()

	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()

	stopping := stopNone
	var failure error
	draining := func() bool { return stopping != stopNone || failure != nil }

	r.dispatch(wctx, target)

	for {
		select {
		case ev := <-r.events:
			c := &s.Chunks[ev.chunk]
			c.BytesDownloaded += ev.bytes
			c.Attempts = ev.attempts
			r.sampled += ev.bytes

			switch ev.kind {
			case evDone:
				r.started--
				c.Status = ChunkCompleted
				if c.End < 0 {
					c.End = c.Start + c.BytesDownloaded
					s.TotalSize = c.End
				}
				r.persist()
				if !draining() {
					if s.ChunksCompleted() == len(s.Chunks) {
						r.finishCompleted()
						return
					}
					r.dispatch(wctx, target)
				}
			case evFailed:
				r.started--
				c.Status = ChunkFailed
				if failure == nil {
					failure = fmt.Errorf("chunk %d: %w", ev.chunk, ev.err)
				}
				wcancel()
			case evStopped:
				r.started--
				c.Status = ChunkPaused
				if !draining() {
					r.dispatch(wctx, target)
				}
			}

			if draining() && r.started == 0 {
				r.finishDrained(stopping, failure)
				return
			}

		case cmd := <-r.commands:
			if reason := stopFor(cmd); reason == stopCancel || stopping == stopNone {
				stopping = reason // cancel upgrades a pause in progress
			}
			wcancel()
			if r.started == 0 {
				r.finishDrained(stopping, failure)
				return
			}

		case <-ctx.Done():
			if stopping == stopNone {
				stopping = stopShutdown
			}
			wcancel()
			if r.started == 0 {
				r.finishDrained(stopping, failure)
				return
			}

		case <-progressTick.C:
			r.emit()

		case <-sampleTick.C:
			r.sample(&target, wctx)
			r.persist()
		}
	}
}

// dispatch starts workers for waiting chunks until the concurrency target is
// met.
func (r *taskRunner) dispatch(wctx context.Context, target int) {
	s := r.state
	for i := range s.Chunks {
		if r.started >= target {
			return
		}
		c := &s.Chunks[i]
		if c.Status != ChunkPending && c.Status != ChunkPaused {
			continue
		}
		c.Status = ChunkActive
		w := &chunkWorker{
			url:     s.URL,
			chunk:   *c,
			tr:      r.tr,
			writer:  r.writer,
			policy:  r.policy,
			limiter: r.limiter,
			timeout: r.cfg.ChunkTimeout,
			bufSize: r.cfg.BufferSize,
			events:  r.events,
		}
		r.started++
		go w.run(wctx)
	}
}

// sample records one aggregate speed observation and adjusts the concurrency
// target when a full window shows a clear trend. Resetting the window after
// an adjustment enforces a whole-window cooldown before the next one.
func (r *taskRunner) sample(target *int, wctx context.Context) {
	speed := float64(r.sampled) / r.cfg.SpeedSampleInterval.Seconds()
	r.sampled = 0
	r.lastSpeed = speed
	r.window.add(speed)

	trend, ok := r.window.trend()
	if !ok {
		return
	}
	switch {
	case trend > adjustThreshold && *target < r.maxConcurrency():
		*target++
		r.window.reset()
		r.dispatch(wctx, *target)
	case trend < -adjustThreshold && *target > 1:
		// Shrink by not backfilling; running workers are never preempted.
		*target--
		r.window.reset()
	}
}

func (r *taskRunner) initialConcurrency() int {
	target := r.cfg.TargetChunks
	if o := r.state.Overrides; o != nil && o.TargetChunks > 0 {
		target = o.TargetChunks
	}
	if max := r.maxConcurrency(); target > max {
		target = max
	}
	if target < 1 {
		target = 1
	}
	return target
}

func (r *taskRunner) maxConcurrency() int {
	max := r.cfg.MaxChunksPerFile
	if n := len(r.state.Chunks); max > n {
		max = n
	}
	if max < 1 {
		max = 1
	}
	return max
}

// finishCompleted runs the completion check: every chunk done and the file
// exactly total_size long.
func (r *taskRunner) finishCompleted() {
	s := r.state
	if err := r.writer.Finalize(s.TotalSize); err != nil {
		r.fail(err)
		return
	}
	actual, err := r.writer.Size()
	if err == nil && s.TotalSize >= 0 && actual != s.TotalSize {
		r.fail(fmt.Errorf("completed with %d bytes on disk, expected %d", actual, s.TotalSize))
		return
	}
	r.writer.Close()
	r.writer = nil

	r.setStatus(TaskCompleted)
	s.Error = ""
	r.store.delete(s.ID)
	r.emit()
}

// finishDrained resolves a stop once every worker has exited. Cancellation
// wins over a failure observed during the drain.
func (r *taskRunner) finishDrained(stopping stopReason, failure error) {
	if stopping == stopCancel {
		r.finishStopped(stopCancel)
		return
	}
	if failure != nil {
		r.fail(failure)
		return
	}
	r.finishStopped(stopping)
}

// finishStopped parks or discards the task. Pausing persists and keeps the
// partial file; cancelling removes both the sidecar and the partial file;
// a shutdown stop persists the live status so auto-resume re-admits it.
func (r *taskRunner) finishStopped(stop stopReason) {
	s := r.state
	for i := range s.Chunks {
		if s.Chunks[i].Status == ChunkActive {
			s.Chunks[i].Status = ChunkPaused
		}
	}

	switch stop {
	case stopCancel:
		r.setStatus(TaskCancelled)
		if r.writer != nil {
			r.writer.Remove()
			r.writer = nil
		} else {
			os.Remove(s.Destination)
		}
		r.store.delete(s.ID)
	case stopPause:
		r.setStatus(TaskPaused)
		if r.writer != nil {
			r.writer.Close()
			r.writer = nil
		}
		r.persist()
	case stopShutdown:
		if r.writer != nil {
			r.writer.Close()
			r.writer = nil
		}
		r.persist()
	}
	r.emit()
}

func (r *taskRunner) fail(err error) {
	s := r.state
	for i := range s.Chunks {
		if s.Chunks[i].Status == ChunkActive {
			s.Chunks[i].Status = ChunkPaused
		}
	}
	r.setStatus(TaskFailed)
	s.Error = err.Error()
	if r.writer != nil {
		r.writer.Close()
		r.writer = nil
	}
	r.persist()
	r.emit()
}

func (r *taskRunner) setStatus(st TaskStatus) {
	r.state.Status = st
	r.state.UpdatedAt = time.Now()
}

// persist writes the sidecar; a write failure is reported as a warning event
// and the download keeps going with a stale sidecar.
func (r *taskRunner) persist() {
	r.state.UpdatedAt = time.Now()
	if err := r.store.save(r.state); err != nil {
		p := r.progress()
		p.Error = "state save failed: " + err.Error()
		r.notify(p)
	}
	r.updateSnap()
}

func (r *taskRunner) emit() {
	r.updateSnap()
	r.notify(r.progress())
}

func (r *taskRunner) updateSnap() {
	r.mu.Lock()
	r.snap = r.state.Clone()
	r.mu.Unlock()
}

func (r *taskRunner) progress() Progress {
	s := r.state
	return Progress{
		TaskID:          s.ID,
		URL:             s.URL,
		Destination:     s.Destination,
		Status:          s.Status,
		BytesCompleted:  s.BytesCompleted(),
		TotalBytes:      s.TotalSize,
		Speed:           int64(r.lastSpeed),
		ChunksTotal:     len(s.Chunks),
		ChunksCompleted: s.ChunksCompleted(),
		ActiveWorkers:   r.started,
		Error:           s.Error,
		Timestamp:       time.Now(),
	}
}
