package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler admits tasks into bounded concurrent execution. At most
// MaxConcurrentDownloads runners are live at once; everything else waits in
// a FIFO queue. A single goroutine owns the queue and the task table, and
// every operation funnels through its command channel.
type Scheduler struct {
	cfg   Config
	tr    Transport
	disk  DiskChecker
	store *stateStore

	listeners []ProgressListener

	tasks  map[string]*taskRecord
	queue  []string
	active int

	ops        chan func()
	runnerDone chan string

	ctx     context.Context
	cancel  context.CancelFunc
	drained chan struct{}

	mu      sync.Mutex
	started bool
}

// taskRecord tracks one known task. state is authoritative while no runner
// is live; a live runner owns the state and the record reads its snapshots.
type taskRecord struct {
	state  *TaskState
	runner *taskRunner
}

// NewScheduler builds a scheduler over the given transport. Zero-valued
// config fields are filled with engine defaults.
func NewScheduler(cfg Config, tr Transport) (*Scheduler, error) {
	if tr == nil {
		return nil, fmt.Errorf("scheduler requires a transport")
	}
	cfg = normalizeConfig(cfg)

	store, err := newStateStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		tr:         tr,
		store:      store,
		tasks:      make(map[string]*taskRecord),
		ops:        make(chan func()),
		runnerDone: make(chan string, 32),
		ctx:        ctx,
		cancel:     cancel,
		drained:    make(chan struct{}),
	}, nil
}

// normalizeConfig fills engine defaults for unset fields.
func normalizeConfig(cfg Config) Config {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "downloads"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.OutputDir, ".fetchd")
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 3
	}
	if cfg.TargetChunks <= 0 {
		cfg.TargetChunks = 4
	}
	if cfg.MaxChunksPerFile <= 0 {
		cfg.MaxChunksPerFile = 8
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = 1 << 20
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256 << 10
	}
	if cfg.SpeedLimit < 0 {
		cfg.SpeedLimit = 0
	}
	if cfg.ChunkTimeout < 0 {
		cfg.ChunkTimeout = 0
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if cfg.SpeedSampleInterval <= 0 {
		cfg.SpeedSampleInterval = 2 * time.Second
	}
	return cfg
}

// OnProgress registers a listener for progress and status events. Listeners
// run on engine goroutines and must return quickly; buffer internally if
// delivery can stall. Must be called before Start.
func (s *Scheduler) OnProgress(fn ProgressListener) {
	if fn != nil {
		s.listeners = append(s.listeners, fn)
	}
}

// SetDiskChecker wires the free-space preflight. Must be called before
// Start; without it the preflight is skipped.
func (s *Scheduler) SetDiskChecker(dc DiskChecker) {
	s.disk = dc
}

// Start scans the state directory, re-admits unfinished work and launches
// the scheduler goroutine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	states, damaged, err := s.store.loadAll()
	if err != nil {
		return err
	}
	for _, d := range damaged {
		s.store.delete(d.ID)
		s.fanout(Progress{
			TaskID:    d.ID,
			Status:    TaskFailed,
			Error:     "resume state unreadable: " + d.Err.Error(),
			Timestamp: time.Now(),
		})
	}
	for _, t := range states {
		switch t.Status {
		case TaskCompleted, TaskCancelled:
			// Terminal sidecars are deleted on transition; clean up strays.
			s.store.delete(t.ID)
		case TaskFailed, TaskPaused:
			s.tasks[t.ID] = &taskRecord{state: t}
		default: // Queued, Probing, Downloading
			if s.cfg.AutoResume {
				t.Status = TaskQueued
				s.tasks[t.ID] = &taskRecord{state: t}
				s.queue = append(s.queue, t.ID)
			} else {
				t.Status = TaskPaused
				t.UpdatedAt = time.Now()
				s.store.save(t)
				s.tasks[t.ID] = &taskRecord{state: t}
			}
		}
	}

	s.pump()
	go s.loop()
	return nil
}

// Shutdown stops admissions, interrupts live runners so they persist their
// progress, and waits for the drain or the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.cancel()
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop() {
	for {
		select {
		case op := <-s.ops:
			op()
		case id := <-s.runnerDone:
			s.onRunnerDone(id)
		case <-s.ctx.Done():
			for s.active > 0 {
				s.onRunnerDone(<-s.runnerDone)
			}
			close(s.drained)
			return
		}
	}
}

// do schedules op onto the scheduler goroutine.
func (s *Scheduler) do(op func()) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrSchedulerStopped
	}

	select {
	case s.ops <- op:
		return nil
	case <-s.ctx.Done():
		return ErrSchedulerStopped
	}
}

// await resolves a reply from an op, preferring a result that raced with
// shutdown over the stopped error.
func await[T any](s *Scheduler, reply chan T) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-s.drained:
		select {
		case v := <-reply:
			return v, nil
		default:
			var zero T
			return zero, ErrSchedulerStopped
		}
	}
}

// Submit validates the request, fixes the destination, persists a queued
// task and returns its id. The download starts as soon as a slot frees.
func (s *Scheduler) Submit(rawURL, destination string, opts *SubmitOptions) (string, error) {
	type result struct {
		id  string
		err error
	}
	reply := make(chan result, 1)
	if err := s.do(func() {
		id, err := s.submit(rawURL, destination, opts)
		reply <- result{id: id, err: err}
	}); err != nil {
		return "", err
	}
	res, err := await(s, reply)
	if err != nil {
		return "", err
	}
	return res.id, res.err
}

func (s *Scheduler) submit(rawURL, destination string, opts *SubmitOptions) (string, error) {
	if err := validateSubmission(rawURL, opts, s.cfg); err != nil {
		return "", err
	}
	dest, err := s.resolveDestination(rawURL, destination, opts)
	if err != nil {
		return "", err
	}

	now := time.Now()
	t := &TaskState{
		ID:          uuid.New().String(),
		URL:         rawURL,
		Destination: dest,
		TotalSize:   -1,
		Status:      TaskQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts != nil && *opts != (SubmitOptions{}) {
		o := *opts
		t.Overrides = &o
	}
	if err := s.store.save(t); err != nil {
		return "", err
	}

	s.tasks[t.ID] = &taskRecord{state: t}
	s.queue = append(s.queue, t.ID)
	s.emitState(t)
	s.pump()
	return t.ID, nil
}

// Pause stops a running task after its in-flight writes, or parks a queued
// one. Progress and the partial file are retained.
func (s *Scheduler) Pause(id string) error {
	return s.taskOp(func() error { return s.pauseTask(id) })
}

// Resume re-queues a paused task, or retries a failed one with a fresh
// attempt budget.
func (s *Scheduler) Resume(id string) error {
	return s.taskOp(func() error { return s.resumeTask(id) })
}

// Cancel stops a task and discards its sidecar and partial file.
func (s *Scheduler) Cancel(id string) error {
	return s.taskOp(func() error { return s.cancelTask(id) })
}

// PauseAll pauses every queued and running task, returning how many were
// affected.
func (s *Scheduler) PauseAll() (int, error) {
	return s.countOp(s.pauseAll)
}

// ResumeAll re-queues every paused task.
func (s *Scheduler) ResumeAll() (int, error) {
	return s.countOp(s.resumeAll)
}

// CancelAll cancels every non-terminal task.
func (s *Scheduler) CancelAll() (int, error) {
	return s.countOp(s.cancelAll)
}

func (s *Scheduler) taskOp(fn func() error) error {
	reply := make(chan error, 1)
	if err := s.do(func() { reply <- fn() }); err != nil {
		return err
	}
	res, err := await(s, reply)
	if err != nil {
		return err
	}
	return res
}

func (s *Scheduler) countOp(fn func() int) (int, error) {
	reply := make(chan int, 1)
	if err := s.do(func() { reply <- fn() }); err != nil {
		return 0, err
	}
	return await(s, reply)
}

// Status returns a deep-copied snapshot of one task.
func (s *Scheduler) Status(id string) (*TaskState, error) {
	reply := make(chan *TaskState, 1)
	if err := s.do(func() {
		if rec, ok := s.tasks[id]; ok {
			reply <- s.snapshotOf(rec)
		} else {
			reply <- nil
		}
	}); err != nil {
		return nil, err
	}
	t, err := await(s, reply)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// List returns snapshots of every known task, oldest submission first.
func (s *Scheduler) List() ([]*TaskState, error) {
	reply := make(chan []*TaskState, 1)
	if err := s.do(func() {
		out := make([]*TaskState, 0, len(s.tasks))
		for _, rec := range s.tasks {
			out = append(out, s.snapshotOf(rec))
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		reply <- out
	}); err != nil {
		return nil, err
	}
	return await(s, reply)
}

// pump admits queued tasks while slots are free. No-op during shutdown.
func (s *Scheduler) pump() {
	if s.ctx.Err() != nil {
		return
	}
	for s.active < s.cfg.MaxConcurrentDownloads && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		rec := s.tasks[id]
		if rec == nil || rec.runner != nil || rec.state.Status != TaskQueued {
			continue
		}
		r := newTaskRunner(rec.state, s.cfg, s.tr, s.disk, s.store, s.fanout, s.runnerDone)
		rec.runner = r
		s.active++
		go r.run(s.ctx)
	}
}

func (s *Scheduler) onRunnerDone(id string) {
	rec := s.tasks[id]
	if rec == nil || rec.runner == nil {
		return
	}
	rec.state = rec.runner.snapshot()
	rec.runner = nil
	s.active--
	s.pump()
}

// runnerFinished reports whether a runner snapshot shows an exit status,
// meaning its done notification is in flight and commands go unheard.
func runnerFinished(st TaskStatus) bool {
	return st != TaskQueued && st != TaskProbing && st != TaskDownloading
}

// reap processes pending runner-done notifications until rec's runner is
// cleared, so a control operation racing a runner exit acts on settled state.
func (s *Scheduler) reap(rec *taskRecord) {
	for rec.runner != nil {
		select {
		case id := <-s.runnerDone:
			s.onRunnerDone(id)
		case <-s.ctx.Done():
			return
		}
	}
}

// settle reaps rec's runner if it has already finished. Afterwards a non-nil
// rec.runner is live and listening for commands.
func (s *Scheduler) settle(rec *taskRecord) {
	if rec.runner != nil && runnerFinished(rec.runner.snapshot().Status) {
		s.reap(rec)
	}
}

func (s *Scheduler) pauseTask(id string) error {
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	s.settle(rec)
	if rec.runner != nil {
		rec.runner.pause()
		return nil
	}
	switch rec.state.Status {
	case TaskQueued:
		s.unqueue(id)
		rec.state.Status = TaskPaused
		rec.state.UpdatedAt = time.Now()
		s.store.save(rec.state)
		s.emitState(rec.state)
		return nil
	case TaskPaused:
		return nil
	default:
		return ErrInvalidState
	}
}

func (s *Scheduler) resumeTask(id string) error {
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	s.settle(rec)
	if rec.runner != nil {
		return nil // already working
	}
	switch rec.state.Status {
	case TaskPaused:
	case TaskFailed:
		// Manual retry: failed chunks rejoin the line with a fresh budget.
		for i := range rec.state.Chunks {
			c := &rec.state.Chunks[i]
			if c.Status == ChunkFailed {
				c.Status = ChunkPaused
				c.Attempts = 0
			}
		}
		rec.state.Error = ""
	case TaskQueued:
		return nil
	default:
		return ErrInvalidState
	}

	rec.state.Status = TaskQueued
	rec.state.UpdatedAt = time.Now()
	s.store.save(rec.state)
	s.queue = append(s.queue, id)
	s.emitState(rec.state)
	s.pump()
	return nil
}

func (s *Scheduler) cancelTask(id string) error {
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	s.settle(rec)
	if rec.runner != nil {
		rec.runner.cancel()
		return nil
	}
	if rec.state.Status.Terminal() && rec.state.Status != TaskFailed {
		return ErrInvalidState
	}

	s.unqueue(id)
	s.store.delete(id)
	if len(rec.state.Chunks) > 0 {
		// Planning happened, so a partial file may exist.
		os.Remove(rec.state.Destination)
	}
	rec.state.Status = TaskCancelled
	rec.state.UpdatedAt = time.Now()
	s.emitState(rec.state)
	return nil
}

func (s *Scheduler) pauseAll() int {
	n := 0
	for id, rec := range s.tasks {
		s.settle(rec)
		if rec.runner != nil || rec.state.Status == TaskQueued {
			if s.pauseTask(id) == nil {
				n++
			}
		}
	}
	return n
}

func (s *Scheduler) resumeAll() int {
	n := 0
	for id, rec := range s.tasks {
		s.settle(rec)
		if rec.runner == nil && rec.state.Status == TaskPaused {
			if s.resumeTask(id) == nil {
				n++
			}
		}
	}
	return n
}

func (s *Scheduler) cancelAll() int {
	n := 0
	for id, rec := range s.tasks {
		s.settle(rec)
		if rec.runner != nil || !rec.state.Status.Terminal() {
			if s.cancelTask(id) == nil {
				n++
			}
		}
	}
	return n
}

func (s *Scheduler) unqueue(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) snapshotOf(rec *taskRecord) *TaskState {
	if rec.runner != nil {
		return rec.runner.snapshot()
	}
	return rec.state.Clone()
}

func (s *Scheduler) fanout(p Progress) {
	for _, l := range s.listeners {
		l(p)
	}
}

func (s *Scheduler) emitState(t *TaskState) {
	s.fanout(Progress{
		TaskID:          t.ID,
		URL:             t.URL,
		Destination:     t.Destination,
		Status:          t.Status,
		BytesCompleted:  t.BytesCompleted(),
		TotalBytes:      t.TotalSize,
		ChunksTotal:     len(t.Chunks),
		ChunksCompleted: t.ChunksCompleted(),
		Error:           t.Error,
		Timestamp:       time.Now(),
	})
}

func validateSubmission(rawURL string, opts *SubmitOptions, cfg Config) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{Field: "url", Reason: "not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Reason: "missing host"}
	}
	if opts == nil {
		return nil
	}
	if opts.TargetChunks < 0 || opts.TargetChunks > cfg.MaxChunksPerFile {
		return &ValidationError{Field: "target_chunks", Reason: fmt.Sprintf("must be between 0 and %d", cfg.MaxChunksPerFile)}
	}
	if opts.MaxRetries < 0 || opts.MaxRetries > 20 {
		return &ValidationError{Field: "max_retries", Reason: "must be between 0 and 20"}
	}
	if opts.SpeedLimit < 0 {
		return &ValidationError{Field: "speed_limit", Reason: "must not be negative"}
	}
	if opts.Filename != "" && (strings.ContainsAny(opts.Filename, `/\`) || opts.Filename == "." || opts.Filename == "..") {
		return &ValidationError{Field: "filename", Reason: "must be a bare file name"}
	}
	return nil
}

// resolveDestination picks the final file path: explicit directory or the
// configured output dir, file name from the request or the URL, then the
// collision policy.
func (s *Scheduler) resolveDestination(rawURL, destination string, opts *SubmitOptions) (string, error) {
	dir := destination
	if dir == "" {
		dir = s.cfg.OutputDir
	}

	name := ""
	if opts != nil {
		name = opts.Filename
	}
	if name == "" {
		u, _ := url.Parse(rawURL) // validated above
		name = path.Base(u.Path)
		if name == "/" || name == "." {
			name = ""
		}
		if dec, err := url.PathUnescape(name); err == nil {
			name = dec
		}
	}
	if name == "" {
		return "", &ValidationError{Field: "filename", Reason: "cannot derive a file name from the URL"}
	}

	return s.applyCollisionPolicy(filepath.Join(dir, name))
}

// applyCollisionPolicy resolves an occupied destination. Overwriting only
// ever applies to a file on disk; a destination claimed by a live task is
// never shared.
func (s *Scheduler) applyCollisionPolicy(dest string) (string, error) {
	claimed := s.claimedByTask(dest)
	exists := fileExists(dest)

	if !claimed && !exists {
		return dest, nil
	}
	if !claimed && exists && s.cfg.OverwriteExisting {
		return dest, nil
	}
	if s.cfg.AutoRename {
		ext := filepath.Ext(dest)
		base := strings.TrimSuffix(dest, ext)
		for n := 1; n < 1000; n++ {
			cand := fmt.Sprintf("%s (%d)%s", base, n, ext)
			if !s.claimedByTask(cand) && !fileExists(cand) {
				return cand, nil
			}
		}
		return "", &ValidationError{Field: "destination", Reason: "no free name found"}
	}
	return "", &ValidationError{Field: "destination", Reason: "file already exists"}
}

func (s *Scheduler) claimedByTask(dest string) bool {
	for _, rec := range s.tasks {
		t := rec.state
		if rec.runner != nil {
			t = rec.runner.snapshot()
		}
		if t.Destination == dest && !t.Status.Terminal() {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
