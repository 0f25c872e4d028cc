// Package monitor watches the filesystem backing the download directory and
// samples host health for the system endpoints.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fetchd-project/fetchd/internal/logger"
)

// DiskStatus is a point-in-time snapshot of the watched filesystem.
type DiskStatus struct {
	Path        string    `json:"path"`
	TotalBytes  uint64    `json:"totalBytes"`
	UsedBytes   uint64    `json:"usedBytes"`
	FreeBytes   uint64    `json:"freeBytes"`
	UsedPercent float64   `json:"usedPercent"`
	LowSpace    bool      `json:"lowSpace"`
	Timestamp   time.Time `json:"timestamp"`
}

// SystemStatus is a host-level snapshot for the system info endpoint.
type SystemStatus struct {
	Hostname      string      `json:"hostname"`
	Platform      string      `json:"platform"`
	KernelVersion string      `json:"kernelVersion"`
	CPUCount      int         `json:"cpuCount"`
	CPUPercent    float64     `json:"cpuPercent"`
	MemoryTotal   uint64      `json:"memoryTotal"`
	MemoryUsed    uint64      `json:"memoryUsed"`
	MemoryPercent float64     `json:"memoryPercent"`
	LoadAverage   []float64   `json:"loadAverage"`
	Uptime        int64       `json:"uptime"` // seconds since the monitor started
	Disk          *DiskStatus `json:"disk"`
	Timestamp     time.Time   `json:"timestamp"`
}

// DiskMonitorConfig configures a DiskMonitor.
type DiskMonitorConfig struct {
	Path          string        // directory whose filesystem is watched
	Interval      time.Duration // sampling interval, default 5s
	LowSpaceBytes uint64        // warn when free space drops below, default 1GB
	MaxHistory    int           // retained samples, default 100
	Logger        *logger.Logger
}

// DiskMonitor periodically samples the filesystem that downloads land on.
// It doubles as the engine's free-space preflight via Available.
type DiskMonitor struct {
	path          string
	interval      time.Duration
	lowSpaceBytes uint64
	maxHistory    int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex

	latest     *DiskStatus
	history    []DiskStatus
	lowSpace   bool
	callbacks  []func(*DiskStatus)
	lastUpdate time.Time
	startTime  time.Time

	log *logger.Logger
}

// NewDiskMonitor creates a new disk monitor.
func NewDiskMonitor(config *DiskMonitorConfig) *DiskMonitor {
	if config == nil {
		config = &DiskMonitorConfig{}
	}

	if config.Path == "" {
		config.Path = "."
	}
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.LowSpaceBytes == 0 {
		config.LowSpaceBytes = 1 << 30 // 1GB
	}
	if config.MaxHistory == 0 {
		config.MaxHistory = 100
	}

	log := config.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &DiskMonitor{
		path:          config.Path,
		interval:      config.Interval,
		lowSpaceBytes: config.LowSpaceBytes,
		maxHistory:    config.MaxHistory,
		history:       make([]DiskStatus, 0, config.MaxHistory),
		ctx:           ctx,
		cancel:        cancel,
		startTime:     time.Now(),
		log:           log,
	}
}

// Start starts the sampling loop.
func (m *DiskMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("disk monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	// First sample before returning so Disk() has data immediately
	m.sample()

	m.wg.Add(1)
	go m.monitorLoop()

	m.log.Infof("disk monitor started for %s, sampling every %v", m.path, m.interval)
	return nil
}

// Stop stops the sampling loop. Safe to call twice.
func (m *DiskMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.log.Infof("disk monitor stopped")
	return nil
}

// IsRunning returns whether the monitor is running.
func (m *DiskMonitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LastUpdate returns the time of the most recent sample.
func (m *DiskMonitor) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// Watch registers a callback invoked with every new disk sample.
func (m *DiskMonitor) Watch(callback func(*DiskStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *DiskMonitor) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample reads the filesystem outside the lock, then publishes the snapshot.
func (m *DiskMonitor) sample() {
	status, err := m.readDisk()
	if err != nil {
		m.log.Errorf("disk usage sampling failed for %s: %v", m.path, err)
		return
	}

	m.mu.Lock()
	m.lastUpdate = status.Timestamp
	m.latest = status
	m.history = append(m.history, *status)
	if len(m.history) > m.maxHistory {
		m.history = m.history[1:]
	}
	wasLow := m.lowSpace
	m.lowSpace = status.LowSpace
	callbacks := make([]func(*DiskStatus), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	// Edge-triggered so a full disk does not flood the log
	if status.LowSpace && !wasLow {
		m.log.Warnf("low disk space on %s: %d bytes free", m.path, status.FreeBytes)
	} else if !status.LowSpace && wasLow {
		m.log.Infof("disk space recovered on %s: %d bytes free", m.path, status.FreeBytes)
	}

	for _, callback := range callbacks {
		snapshot := *status
		callback(&snapshot)
	}
}

func (m *DiskMonitor) readDisk() (*DiskStatus, error) {
	usage, err := disk.Usage(nearestExisting(m.path))
	if err != nil {
		return nil, err
	}

	return &DiskStatus{
		Path:        m.path,
		TotalBytes:  usage.Total,
		UsedBytes:   usage.Used,
		FreeBytes:   usage.Free,
		UsedPercent: usage.UsedPercent,
		LowSpace:    usage.Free < m.lowSpaceBytes,
		Timestamp:   time.Now(),
	}, nil
}

// Disk returns the latest disk snapshot, sampling on demand when the loop
// has not produced one yet.
func (m *DiskMonitor) Disk() *DiskStatus {
	m.mu.RLock()
	latest := m.latest
	m.mu.RUnlock()

	if latest != nil {
		snapshot := *latest
		return &snapshot
	}

	status, err := m.readDisk()
	if err != nil {
		return nil
	}
	return status
}

// History returns up to count recent samples, oldest first.
func (m *DiskMonitor) History(count int) []DiskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return []DiskStatus{}
	}
	if count <= 0 || count > len(m.history) {
		count = len(m.history)
	}

	start := len(m.history) - count
	result := make([]DiskStatus, count)
	copy(result, m.history[start:])
	return result
}

// System returns a live host snapshot plus the latest disk sample.
func (m *DiskMonitor) System() *SystemStatus {
	status := &SystemStatus{
		CPUCount:  runtime.NumCPU(),
		Uptime:    int64(time.Since(m.startTime).Seconds()),
		Disk:      m.Disk(),
		Timestamp: time.Now(),
	}

	if info, err := host.Info(); err == nil {
		status.Hostname = info.Hostname
		status.Platform = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		status.KernelVersion = info.KernelVersion
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		status.MemoryTotal = vmStat.Total
		status.MemoryUsed = vmStat.Used
		status.MemoryPercent = vmStat.UsedPercent
	}
	if loadStat, err := load.Avg(); err == nil {
		status.LoadAverage = []float64{loadStat.Load1, loadStat.Load5, loadStat.Load15}
	}

	return status
}

// Available reports free bytes on the volume that contains path. This is the
// download engine's free-space preflight; path may not exist yet, in which
// case the nearest existing parent decides.
func (m *DiskMonitor) Available(path string) (int64, error) {
	usage, err := disk.Usage(nearestExisting(path))
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return int64(usage.Free), nil
}

// nearestExisting walks up from path to the closest directory that exists.
func nearestExisting(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
