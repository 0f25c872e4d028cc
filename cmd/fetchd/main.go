// fetchd is a multi-connection download daemon: it splits files into
// byte-range chunks, downloads them in parallel, survives restarts through
// resume sidecars, and exposes a REST + WebSocket control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fetchd-project/fetchd/internal/config"
	"github.com/fetchd-project/fetchd/internal/engine"
	"github.com/fetchd-project/fetchd/internal/logger"
	"github.com/fetchd-project/fetchd/internal/monitor"
	"github.com/fetchd-project/fetchd/internal/netutil"
	"github.com/fetchd-project/fetchd/internal/server"
	"github.com/fetchd-project/fetchd/internal/shutdown"
	"github.com/fetchd-project/fetchd/internal/storage"
	"github.com/fetchd-project/fetchd/internal/transport"
	"github.com/fetchd-project/fetchd/internal/version"
	"github.com/fetchd-project/fetchd/internal/websocket"
)

// Build-time injection via -ldflags "-X main.buildVersion=..."
var (
	buildVersion = ""
	buildCommit  = ""
	buildDate    = ""
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	outputDir := flag.String("output-dir", "", "override the download output directory")
	port := flag.Int("port", 0, "override the HTTP API port")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if buildVersion != "" {
		version.SetVersion(buildVersion, buildCommit, buildDate)
	}

	if *showVersion {
		fmt.Println(version.GetVersionInfo().FullString())
		os.Exit(0)
	}

	printBanner()

	var configMgr *config.Manager
	if *configPath != "" {
		configMgr = config.NewManagerWithPath(*configPath)
	} else {
		configMgr = config.NewManager()
	}

	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Printf("warning: could not load configuration, using defaults: %v\n", err)
		cfg = config.DefaultConfig()
	}

	// Command-line overrides
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *outputDir != "" {
		cfg.Engine.OutputDir = *outputDir
	}

	if err := logger.InitLogger(&cfg.Logging); err != nil {
		fmt.Printf("warning: could not initialize logging: %v\n", err)
	}
	logger.InitLogStream(1000)

	logger.Info("fetchd starting...")
	logger.Infof("version: %s", version.Version)
	logger.Infof("configuration file: %s", configMgr.GetConfigPath())
	logger.Infof("output directory: %s", cfg.Engine.OutputDir)

	// Task catalog
	storeMgr, err := storage.NewManager(storageConfig(cfg))
	if err != nil {
		logger.Fatalf("could not open task catalog: %v", err)
	}
	recorder := storage.NewRecorder(storeMgr.GetStore())

	// HTTP transport for probes and chunk fetches
	client, err := transport.New(transportOptions(cfg))
	if err != nil {
		logger.Fatalf("could not build http transport: %v", err)
	}

	// Disk monitor watches the output volume and backs the engine's
	// free-space preflight
	diskMon := monitor.NewDiskMonitor(&monitor.DiskMonitorConfig{
		Path:   cfg.Engine.OutputDir,
		Logger: logger.GetLogger(),
	})

	// Download engine
	sched, err := engine.NewScheduler(engineConfig(cfg), client)
	if err != nil {
		logger.Fatalf("could not create scheduler: %v", err)
	}
	sched.SetDiskChecker(diskMon)

	// Event hub
	wsMgr := websocket.NewManager(sched)

	// Disk samples reach connected clients as disk_status events
	diskMon.Watch(func(status *monitor.DiskStatus) {
		wsMgr.Broadcast(websocket.NewDiskStatusEvent(status))
	})

	// Progress fan-out: catalog recorder, websocket hub, transition log.
	// Listeners run on engine goroutines; each sink handles its own locking.
	catalogSink := recorder.Listener()
	hubSink := wsMgr.Listener()
	logSink := transitionLogSink()
	sched.OnProgress(func(p engine.Progress) {
		catalogSink(p)
		hubSink(p)
		logSink(p)
	})

	// HTTP control plane
	srv, err := server.NewServer(&server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}, server.Dependencies{
		Scheduler: sched,
		Store:     storeMgr,
		Monitor:   diskMon,
		WebSocket: wsMgr,
		ConfigMgr: configMgr,
	})
	if err != nil {
		logger.Fatalf("could not create http server: %v", err)
	}

	shutdownMgr := shutdown.NewManager(30 * time.Second)

	// Stop accepting API calls first
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}, shutdown.PriorityCritical)

	// Then pause active downloads and persist their resume state
	shutdownMgr.Register("scheduler", func(ctx context.Context) error {
		return sched.Shutdown(ctx)
	}, shutdown.PriorityHigh)

	shutdownMgr.Register("websocket-hub", func(ctx context.Context) error {
		wsMgr.Stop()
		return nil
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("disk-monitor", func(ctx context.Context) error {
		return diskMon.Stop()
	}, shutdown.PriorityNormal)

	// Catalog before logger so close errors still reach the log
	shutdownMgr.Register("task-catalog", func(ctx context.Context) error {
		return storeMgr.Close()
	}, shutdown.PriorityLow)
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("fetchd stopped")
		return logger.GetLogger().Close()
	}, shutdown.PriorityLow)

	// Start order: monitor, engine, hub, then the API surface
	if err := diskMon.Start(); err != nil {
		logger.Warnf("disk monitor not started: %v", err)
	}
	if err := sched.Start(); err != nil {
		logger.Fatalf("could not start scheduler: %v", err)
	}
	wsMgr.Start()
	if err := srv.Start(); err != nil {
		logger.Fatalf("could not start http server: %v", err)
	}

	shutdownMgr.Start()

	logger.Infof("http api listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	host := displayHost(cfg.Server.Host)
	fmt.Printf("✓ API:        http://%s:%d/api\n", host, cfg.Server.Port)
	fmt.Printf("✓ WebSocket:  ws://%s:%d/ws\n", host, cfg.Server.Port)
	fmt.Printf("✓ Downloads:  %s\n", cfg.Engine.OutputDir)
	fmt.Println("\nPress Ctrl+C to stop...")

	<-shutdownMgr.Done()
	shutdownMgr.Wait()

	fmt.Println("✓ fetchd stopped")
}

func printBanner() {
	fmt.Print(`
╔════════════════════════════════════════════╗
║                                            ║
║   fetchd - multi-connection downloader     ║
║                                            ║
╚════════════════════════════════════════════╝
`)
	fmt.Printf("version: %s\n", version.Version)
	if version.GitCommit != "unknown" {
		fmt.Printf("commit: %s\n", version.GitCommit)
	}
	fmt.Println()
}

// displayHost returns an address usable in printed URLs. A wildcard bind is
// shown as the machine's LAN address.
func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return netutil.GetBestLocalIP()
	}
	return host
}

// transitionLogSink logs task status transitions. Progress events repeat
// while a download runs; only changes deserve a log line.
func transitionLogSink() engine.ProgressListener {
	var mu sync.Mutex
	last := make(map[string]engine.TaskStatus)

	return func(p engine.Progress) {
		mu.Lock()
		prev, seen := last[p.TaskID]
		if seen && prev == p.Status {
			mu.Unlock()
			return
		}
		if p.Status.Terminal() {
			delete(last, p.TaskID)
		} else {
			last[p.TaskID] = p.Status
		}
		mu.Unlock()

		switch p.Status {
		case engine.TaskDownloading:
			logger.WithField("task", p.TaskID).Infof("downloading %s (%d chunks)", p.URL, p.ChunksTotal)
		case engine.TaskCompleted:
			logger.WithFields(map[string]interface{}{
				"task":  p.TaskID,
				"bytes": p.BytesCompleted,
			}).Infof("download complete: %s", p.Destination)
		case engine.TaskFailed:
			logger.WithField("task", p.TaskID).Errorf("download failed: %s: %s", p.URL, p.Error)
		case engine.TaskCancelled:
			logger.WithField("task", p.TaskID).Infof("download cancelled: %s", p.URL)
		default:
			logger.WithField("task", p.TaskID).Debugf("task state: %s", p.Status)
		}
	}
}

// engineConfig maps the file configuration onto the engine's native form.
// Durations live in the file as tagged integers; units convert here.
func engineConfig(cfg *config.Config) engine.Config {
	e := cfg.Engine
	return engine.Config{
		OutputDir:              e.OutputDir,
		StateDir:               e.StateDir,
		MaxConcurrentDownloads: e.MaxConcurrentDownloads,
		TargetChunks:           e.TargetChunks,
		MaxChunksPerFile:       e.MaxChunksPerFile,
		MinChunkSize:           e.MinChunkSize,
		BufferSize:             e.BufferSize,
		SpeedLimit:             e.SpeedLimit,
		ChunkTimeout:           time.Duration(cfg.HTTP.ChunkTimeout) * time.Second,
		ProgressInterval:       time.Duration(e.ProgressInterval) * time.Millisecond,
		SpeedSampleInterval:    time.Duration(e.SpeedSampleInterval) * time.Millisecond,
		AutoResume:             e.AutoResume,
		OverwriteExisting:      e.OverwriteExisting,
		AutoRename:             e.AutoRename,
		Retry: engine.RetryConfig{
			MaxRetries:        e.Retry.MaxRetries,
			BaseDelay:         time.Duration(e.Retry.BaseDelay) * time.Second,
			MaxDelay:          time.Duration(e.Retry.MaxDelay) * time.Second,
			BackoffMultiplier: e.Retry.BackoffMultiplier,
			JitterFactor:      e.Retry.JitterFactor,
		},
	}
}

func transportOptions(cfg *config.Config) transport.Options {
	h := cfg.HTTP
	opts := transport.DefaultOptions()
	if h.Timeout > 0 {
		opts.Timeout = time.Duration(h.Timeout) * time.Second
	}
	if h.UserAgent != "" {
		opts.UserAgent = h.UserAgent
	}
	opts.Proxy = h.Proxy
	opts.VerifySSL = h.VerifySSL
	if h.MaxRedirects > 0 {
		opts.MaxRedirects = h.MaxRedirects
	}
	opts.Headers = h.Headers
	return opts
}

func storageConfig(cfg *config.Config) *storage.StorageConfig {
	sc := &storage.StorageConfig{Type: storage.StorageType(cfg.Storage.Type)}
	if sc.Type == storage.StorageTypeSQLite {
		sc.SQLite = &storage.SQLiteConfig{
			Path:      cfg.Storage.SQLite.Path,
			EnableWAL: true,
		}
	}
	return sc
}
