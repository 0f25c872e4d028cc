// Package shutdown coordinates graceful shutdown of the fetchd daemon.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fetchd-project/fetchd/internal/logger"
)

// Hook is called during shutdown. The context carries the per-hook deadline.
type Hook func(ctx context.Context) error

// Priority defines the order in which hooks run. Lower values run first.
type Priority int

const (
	// PriorityCritical hooks run first (stop accepting new work)
	PriorityCritical Priority = 0
	// PriorityHigh hooks run second (drain and persist in-flight work)
	PriorityHigh Priority = 1
	// PriorityNormal hooks run third (stop auxiliary loops)
	PriorityNormal Priority = 2
	// PriorityLow hooks run last (close stores, flush logs)
	PriorityLow Priority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority Priority
}

// Manager listens for termination signals and runs registered hooks in
// priority order, each with its own timeout.
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	sigChan  chan os.Signal
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

// NewManager creates a shutdown manager. timeout bounds each individual hook.
func NewManager(timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		timeout:  timeout,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds a named hook. Hooks of equal priority run in registration
// order.
func (m *Manager) Register(name string, hook Hook, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{
		name:     name,
		hook:     hook,
		priority: priority,
	})

	logger.Debugf("registered shutdown hook: %s (priority %d)", name, priority)
}

// Start begins listening for termination signals.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan,
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	m.wg.Add(1)
	go m.waitForShutdown()
}

func (m *Manager) waitForShutdown() {
	defer m.wg.Done()

	select {
	case sig := <-m.sigChan:
		logger.Infof("received signal: %v", sig)
	case <-m.stopChan:
		logger.Info("shutdown requested")
	}
	m.performShutdown()
}

func (m *Manager) performShutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	hooks := make([]registeredHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	logger.Info("shutting down...")

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].priority < hooks[j].priority
	})

	for _, h := range hooks {
		m.runHook(h)
	}

	logger.Info("shutdown complete")
	m.cancel()
}

func (m *Manager) runHook(h registeredHook) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("shutdown hook %s failed: %v", h.name, err)
		} else {
			logger.Debugf("shutdown hook %s done", h.name)
		}
	case <-ctx.Done():
		logger.Errorf("shutdown hook %s timed out after %v", h.name, m.timeout)
	}
}

// Stop triggers shutdown programmatically.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}

	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

// Done returns a channel closed once every hook has run.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Wait blocks until shutdown is complete.
func (m *Manager) Wait() {
	m.wg.Wait()
}
