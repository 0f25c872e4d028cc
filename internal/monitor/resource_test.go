package monitor

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetchd-project/fetchd/internal/config"
	"github.com/fetchd-project/fetchd/internal/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(&config.LogConfig{
		Level:  "error",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return log
}

func TestDiskMonitor(t *testing.T) {
	dir := t.TempDir()
	monitor := NewDiskMonitor(&DiskMonitorConfig{
		Path:       dir,
		Interval:   100 * time.Millisecond,
		MaxHistory: 10,
		Logger:     newTestLogger(t),
	})

	if monitor.IsRunning() {
		t.Error("Monitor should not be running before Start")
	}

	if err := monitor.Start(); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}

	if !monitor.IsRunning() {
		t.Error("Monitor should be running after Start")
	}

	// First sample happens inside Start
	status := monitor.Disk()
	if status == nil {
		t.Fatal("Disk snapshot should not be nil")
	}
	if status.TotalBytes == 0 {
		t.Error("Total bytes should be greater than 0")
	}
	if status.Path != dir {
		t.Errorf("Expected path %s, got %s", dir, status.Path)
	}
	if monitor.LastUpdate().IsZero() {
		t.Error("Last update time should be set")
	}

	// Let the loop collect a few more samples
	time.Sleep(300 * time.Millisecond)

	history := monitor.History(5)
	if len(history) < 2 {
		t.Errorf("Expected at least 2 history samples, got %d", len(history))
	}

	if err := monitor.Stop(); err != nil {
		t.Fatalf("Failed to stop monitor: %v", err)
	}

	if monitor.IsRunning() {
		t.Error("Monitor should not be running after Stop")
	}

	// Stopping twice must not error
	if err := monitor.Stop(); err != nil {
		t.Errorf("Second Stop should not return error: %v", err)
	}
}

func TestDiskMonitorWatch(t *testing.T) {
	monitor := NewDiskMonitor(&DiskMonitorConfig{
		Path:     t.TempDir(),
		Interval: 50 * time.Millisecond,
		Logger:   newTestLogger(t),
	})

	callbackCount := 0
	callbackDone := make(chan bool, 1)

	monitor.Watch(func(status *DiskStatus) {
		if status.TotalBytes == 0 {
			t.Error("Callback received empty snapshot")
		}
		callbackCount++
		if callbackCount == 2 {
			callbackDone <- true
		}
	})

	if err := monitor.Start(); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	defer monitor.Stop()

	select {
	case <-callbackDone:
	case <-time.After(1 * time.Second):
		t.Error("Did not receive enough callbacks before timeout")
	}
}

func TestDiskMonitorLowSpace(t *testing.T) {
	t.Run("threshold above free space", func(t *testing.T) {
		monitor := NewDiskMonitor(&DiskMonitorConfig{
			Path:          t.TempDir(),
			LowSpaceBytes: math.MaxUint64,
			Logger:        newTestLogger(t),
		})

		status := monitor.Disk()
		if status == nil {
			t.Fatal("Disk snapshot should not be nil")
		}
		if !status.LowSpace {
			t.Error("LowSpace should be true when threshold exceeds free space")
		}
	})

	t.Run("threshold below free space", func(t *testing.T) {
		monitor := NewDiskMonitor(&DiskMonitorConfig{
			Path:          t.TempDir(),
			LowSpaceBytes: 1,
			Logger:        newTestLogger(t),
		})

		status := monitor.Disk()
		if status == nil {
			t.Fatal("Disk snapshot should not be nil")
		}
		if status.LowSpace {
			t.Error("LowSpace should be false for a 1-byte threshold")
		}
	})
}

func TestDiskMonitorAvailable(t *testing.T) {
	dir := t.TempDir()
	monitor := NewDiskMonitor(&DiskMonitorConfig{
		Path:   dir,
		Logger: newTestLogger(t),
	})

	avail, err := monitor.Available(dir)
	if err != nil {
		t.Fatalf("Available failed: %v", err)
	}
	if avail <= 0 {
		t.Errorf("Expected positive free space, got %d", avail)
	}

	// A directory that does not exist yet resolves through its parent
	missing := filepath.Join(dir, "not", "created", "yet")
	availMissing, err := monitor.Available(missing)
	if err != nil {
		t.Fatalf("Available on missing path failed: %v", err)
	}
	if availMissing <= 0 {
		t.Errorf("Expected positive free space for missing path, got %d", availMissing)
	}
}

func TestDiskMonitorNilConfig(t *testing.T) {
	monitor := NewDiskMonitor(nil)

	if monitor == nil {
		t.Fatal("NewDiskMonitor(nil) should not return nil")
	}
	if monitor.interval != 5*time.Second {
		t.Errorf("Default interval should be 5s, got %v", monitor.interval)
	}
	if monitor.path != "." {
		t.Errorf("Default path should be '.', got %s", monitor.path)
	}
	if monitor.lowSpaceBytes != 1<<30 {
		t.Errorf("Default low-space threshold should be 1GB, got %d", monitor.lowSpaceBytes)
	}
}

func TestSystemStatus(t *testing.T) {
	monitor := NewDiskMonitor(&DiskMonitorConfig{
		Path:   t.TempDir(),
		Logger: newTestLogger(t),
	})

	status := monitor.System()
	if status == nil {
		t.Fatal("System snapshot should not be nil")
	}
	if status.CPUCount <= 0 {
		t.Error("CPU count should be greater than 0")
	}
	if status.MemoryTotal == 0 {
		t.Error("Memory total should be greater than 0")
	}
	if status.Disk == nil {
		t.Error("System snapshot should include disk status")
	}
	if status.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}
