// Package server provides the HTTP control plane for the fetchd daemon:
// the REST API for submitting and steering downloads, the WebSocket event
// stream, and the configuration, history, system and log endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fetchd-project/fetchd/internal/api"
	"github.com/fetchd-project/fetchd/internal/config"
	"github.com/fetchd-project/fetchd/internal/engine"
	"github.com/fetchd-project/fetchd/internal/logger"
	"github.com/fetchd-project/fetchd/internal/monitor"
	"github.com/fetchd-project/fetchd/internal/storage"
	"github.com/fetchd-project/fetchd/internal/types"
	"github.com/fetchd-project/fetchd/internal/version"
	"github.com/fetchd-project/fetchd/internal/websocket"
)

// Scheduler is the engine surface the HTTP layer drives. *engine.Scheduler
// implements it.
type Scheduler interface {
	Submit(rawURL, destination string, opts *engine.SubmitOptions) (string, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	PauseAll() (int, error)
	ResumeAll() (int, error)
	CancelAll() (int, error)
	Status(id string) (*engine.TaskState, error)
	List() ([]*engine.TaskState, error)
}

// TaskDTO is the wire form of a task snapshot.
type TaskDTO struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Destination     string    `json:"destination"`
	FileName        string    `json:"fileName"`
	Status          string    `json:"status"`
	TotalBytes      int64     `json:"totalBytes"` // -1 when unknown
	BytesCompleted  int64     `json:"bytesCompleted"`
	ChunksTotal     int       `json:"chunksTotal"`
	ChunksCompleted int       `json:"chunksCompleted"`
	SupportsRange   bool      `json:"supportsRange"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func taskDTO(t *engine.TaskState) TaskDTO {
	return TaskDTO{
		ID:              t.ID,
		URL:             t.URL,
		Destination:     t.Destination,
		FileName:        filepath.Base(t.Destination),
		Status:          string(t.Status),
		TotalBytes:      t.TotalSize,
		BytesCompleted:  t.BytesCompleted(),
		ChunksTotal:     len(t.Chunks),
		ChunksCompleted: t.ChunksCompleted(),
		SupportsRange:   t.SupportsRange,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// createDownloadRequest is the submission payload. Override fields map onto
// engine.SubmitOptions; zero values defer to engine defaults.
type createDownloadRequest struct {
	URL          string `json:"url" binding:"required"`
	Destination  string `json:"destination"`
	Filename     string `json:"filename"`
	TargetChunks int    `json:"target_chunks"`
	MaxRetries   int    `json:"max_retries"`
	SpeedLimit   int64  `json:"speed_limit"`
}

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dependencies are the collaborators the server routes requests to. All
// fields are required; the server owns none of their lifecycles.
type Dependencies struct {
	Scheduler Scheduler
	Store     *storage.Manager
	Monitor   *monitor.DiskMonitor
	WebSocket *websocket.Manager
	ConfigMgr *config.Manager
}

// Server represents the HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     *Config

	scheduler Scheduler
	store     *storage.Manager
	monitor   *monitor.DiskMonitor
	wsMgr     *websocket.Manager
	configMgr *config.Manager

	log *logger.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the HTTP server over its collaborators.
func NewServer(cfg *Config, deps Dependencies) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("server requires a config")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("server requires a scheduler")
	case deps.Store == nil:
		return nil, fmt.Errorf("server requires a storage manager")
	case deps.Monitor == nil:
		return nil, fmt.Errorf("server requires a disk monitor")
	case deps.WebSocket == nil:
		return nil, fmt.Errorf("server requires a websocket manager")
	case deps.ConfigMgr == nil:
		return nil, fmt.Errorf("server requires a configuration manager")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:    cfg,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		monitor:   deps.Monitor,
		wsMgr:     deps.WebSocket,
		configMgr: deps.ConfigMgr,
		log:       logger.GetLogger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.router.Use(
		api.RequestID(),
		api.RecoveryMiddleware(s.log),
		api.CORSMiddleware([]string{"*"}),
		api.ErrorHandler(s.log),
		api.LoggerMiddleware(s.log),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/version", s.handleVersion)

		cfg := apiGroup.Group("/config")
		{
			cfg.GET("", s.handleGetConfig)
			cfg.PUT("", s.handleUpdateConfig)
		}

		downloads := apiGroup.Group("/downloads")
		{
			downloads.GET("", s.handleListDownloads)
			downloads.POST("", s.handleCreateDownload)
			downloads.POST("/pause-all", s.handlePauseAll)
			downloads.POST("/resume-all", s.handleResumeAll)
			downloads.POST("/cancel-all", s.handleCancelAll)
			downloads.GET("/:id", s.handleGetDownload)
			downloads.POST("/:id/pause", s.handlePauseDownload)
			downloads.POST("/:id/resume", s.handleResumeDownload)
			downloads.POST("/:id/cancel", s.handleCancelDownload)
		}

		history := apiGroup.Group("/history")
		{
			history.GET("", s.handleListHistory)
			history.DELETE("", s.handleClearHistory)
		}

		system := apiGroup.Group("/system")
		{
			system.GET("", s.handleSystemStatus)
			system.GET("/disk", s.handleDiskStatus)
		}

		logs := apiGroup.Group("/logs")
		{
			logs.GET("/stream", s.handleLogStream)
			logs.GET("/entries", s.handleLogEntries)
			logs.GET("/files", s.handleLogFiles)
			logs.GET("/files/:name", s.handleLogFile)
		}
	}
}

// Start begins listening in a background goroutine. Listen errors after
// startup are logged, not returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.Infof("http server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()

	return nil
}

// Stop drains in-flight requests and stops the listener. Only the HTTP
// surface is torn down here; the scheduler, hub, monitor and storage belong
// to the caller's shutdown sequence.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.httpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("server not started")
	}
	s.mu.Unlock()

	// End the log streams first; they would otherwise hold graceful
	// shutdown open until its deadline.
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("http server shutdown: %v", err)
			s.httpServer.Close()
		}
		s.httpServer = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("http server stopped")
	return nil
}

// Shutdown stops the server, force-closing the listener when ctx expires
// before the graceful drain completes.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out, closing listener")
		s.mu.Lock()
		if s.httpServer != nil {
			s.httpServer.Close()
			s.httpServer = nil
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// GetEngine returns the Gin engine (for testing)
func (s *Server) GetEngine() *gin.Engine {
	return s.router
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	api.Success(c, version.GetVersionInfo())
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.wsMgr.HandleWebSocket(c)
}

// handleGetConfig returns the full configuration document.
func (s *Server) handleGetConfig(c *gin.Context) {
	api.Success(c, s.configMgr.Get())
}

// handleUpdateConfig replaces the configuration document. The payload is the
// complete document; partial updates fail validation. Everything except the
// submission defaults is read at boot, so any effective change reports
// restart_required.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req config.Config
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	current := s.configMgr.Get()
	restartRequired := !reflect.DeepEqual(&req, current)

	if err := s.configMgr.Save(&req); err != nil {
		api.ValidationError(c, err)
		return
	}

	api.Success(c, gin.H{
		"message":          "configuration saved",
		"restart_required": restartRequired,
	})
}

func (s *Server) handleListDownloads(c *gin.Context) {
	tasks, err := s.scheduler.List()
	if err != nil {
		s.respondTaskError(c, err)
		return
	}

	dtos := make([]TaskDTO, 0, len(tasks))
	for _, t := range tasks {
		dtos = append(dtos, taskDTO(t))
	}
	api.Success(c, gin.H{"tasks": dtos, "total": len(dtos)})
}

func (s *Server) handleCreateDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	opts := &engine.SubmitOptions{
		Filename:     req.Filename,
		TargetChunks: req.TargetChunks,
		MaxRetries:   req.MaxRetries,
		SpeedLimit:   req.SpeedLimit,
	}
	id, err := s.scheduler.Submit(req.URL, req.Destination, opts)
	if err != nil {
		s.respondTaskError(c, err)
		return
	}

	task, err := s.scheduler.Status(id)
	if err != nil {
		// Accepted, but the snapshot raced shutdown.
		api.Created(c, gin.H{"id": id})
		return
	}
	api.Created(c, taskDTO(task))
}

func (s *Server) handleGetDownload(c *gin.Context) {
	task, err := s.scheduler.Status(c.Param("id"))
	if err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.Success(c, taskDTO(task))
}

func (s *Server) handlePauseDownload(c *gin.Context) {
	if err := s.scheduler.Pause(c.Param("id")); err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.SuccessWithMessage(c, "task paused")
}

func (s *Server) handleResumeDownload(c *gin.Context) {
	if err := s.scheduler.Resume(c.Param("id")); err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.SuccessWithMessage(c, "task resumed")
}

func (s *Server) handleCancelDownload(c *gin.Context) {
	if err := s.scheduler.Cancel(c.Param("id")); err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.SuccessWithMessage(c, "task cancelled")
}

func (s *Server) handlePauseAll(c *gin.Context) {
	n, err := s.scheduler.PauseAll()
	if err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.Success(c, gin.H{"paused": n})
}

func (s *Server) handleResumeAll(c *gin.Context) {
	n, err := s.scheduler.ResumeAll()
	if err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.Success(c, gin.H{"resumed": n})
}

func (s *Server) handleCancelAll(c *gin.Context) {
	n, err := s.scheduler.CancelAll()
	if err != nil {
		s.respondTaskError(c, err)
		return
	}
	api.Success(c, gin.H{"cancelled": n})
}

// handleListHistory pages through finished catalog rows, newest first.
func (s *Server) handleListHistory(c *gin.Context) {
	page := intQuery(c, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := intQuery(c, "page_size", 20)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	ctx := c.Request.Context()
	store := s.store.GetStore()

	records, err := store.ListFinishedTasks(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		api.ErrorWithDetails(c, types.ErrStorageFailed, "failed to read history", err.Error())
		return
	}
	total, err := store.CountFinishedTasks(ctx)
	if err != nil {
		api.ErrorWithDetails(c, types.ErrStorageFailed, "failed to read history", err.Error())
		return
	}

	api.Paginated(c, records, total, page, pageSize)
}

func (s *Server) handleClearHistory(c *gin.Context) {
	removed, err := s.store.GetStore().PruneFinishedTasks(c.Request.Context(), 0)
	if err != nil {
		api.ErrorWithDetails(c, types.ErrStorageFailed, "failed to clear history", err.Error())
		return
	}
	api.Success(c, gin.H{"removed": removed})
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	api.Success(c, s.monitor.System())
}

func (s *Server) handleDiskStatus(c *gin.Context) {
	if n := intQuery(c, "history", 0); n > 0 {
		api.Success(c, gin.H{
			"current": s.monitor.Disk(),
			"history": s.monitor.History(n),
		})
		return
	}

	status := s.monitor.Disk()
	if status == nil {
		api.Error(c, types.ErrInternalError, "disk status unavailable")
		return
	}
	api.Success(c, status)
}

// handleLogStream streams log entries using Server-Sent Events.
func (s *Server) handleLogStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	fromBeginning := c.DefaultQuery("fromBeginning", "false") == "true"
	limit := intQuery(c, "limit", 100)

	stream := logger.GetLogStream()
	ch := stream.Subscribe()
	defer stream.Unsubscribe(ch)

	c.Writer.Flush()

	if fromBeginning {
		for _, entry := range stream.GetEntries(limit) {
			s.sendLogEvent(c, entry)
		}
		c.Writer.Flush()
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			// Server is stopping; release the connection so the drain
			// can finish.
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			s.sendLogEvent(c, entry)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("keepalive", "")
			c.Writer.Flush()
		}
	}
}

// sendLogEvent writes one entry as a Server-Sent Event.
func (s *Server) sendLogEvent(c *gin.Context, entry logger.StreamLogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
}

// handleLogEntries returns recent entries from the in-memory ring.
func (s *Server) handleLogEntries(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	entries := logger.GetLogStream().GetEntries(limit)
	api.Success(c, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleLogFiles(c *gin.Context) {
	files, err := logger.ListLogFiles(s.logDir())
	if err != nil {
		api.ErrorWithDetails(c, types.ErrInternalError, "failed to list log files", err.Error())
		return
	}
	api.Success(c, gin.H{"files": files, "count": len(files)})
}

// handleLogFile reads one rotated or active log file. With ?stats=true it
// returns per-level counts instead of entries.
func (s *Server) handleLogFile(c *gin.Context) {
	name := c.Param("name")
	if !logger.SafeLogFileName(name) {
		api.BadRequest(c, "invalid log file name")
		return
	}
	logPath := filepath.Join(s.logDir(), name)

	if c.Query("stats") == "true" {
		stats, err := logger.GetLogFileStats(logPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				api.NotFound(c, "log file")
				return
			}
			api.ErrorWithDetails(c, types.ErrInternalError, "failed to read log file", err.Error())
			return
		}
		api.Success(c, gin.H{"file": name, "stats": stats})
		return
	}

	filter := logger.LogFileFilter{
		Level:  c.Query("level"),
		Search: c.Query("search"),
		Offset: intQuery(c, "offset", 0),
		Limit:  intQuery(c, "limit", 500),
	}
	entries, err := logger.ReadLogFile(logPath, filter)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			api.NotFound(c, "log file")
			return
		}
		api.ErrorWithDetails(c, types.ErrInternalError, "failed to read log file", err.Error())
		return
	}
	api.Success(c, gin.H{"file": name, "entries": entries, "count": len(entries)})
}

// respondTaskError translates engine errors into the response envelope.
func (s *Server) respondTaskError(c *gin.Context, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		api.NotFound(c, "task")
	case errors.Is(err, engine.ErrInvalidState):
		api.Conflict(c, err.Error())
	case errors.Is(err, engine.ErrSchedulerStopped):
		api.Error(c, types.ErrQueueRejected, err.Error())
	case errors.As(err, &verr):
		api.ValidationError(c, verr)
	default:
		api.InternalError(c, err)
	}
}

func (s *Server) logDir() string {
	return s.configMgr.Get().Logging.Directory
}

// intQuery parses an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
