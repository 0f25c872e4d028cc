package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd-project/fetchd/internal/config"
	"github.com/fetchd-project/fetchd/internal/engine"
	"github.com/fetchd-project/fetchd/internal/monitor"
	"github.com/fetchd-project/fetchd/internal/storage"
	"github.com/fetchd-project/fetchd/internal/version"
	"github.com/fetchd-project/fetchd/internal/websocket"
)

// fakeScheduler drives the handlers without a live engine. It mirrors the
// scheduler's state machine closely enough for status-code assertions.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks map[string]*engine.TaskState
	seq   int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: make(map[string]*engine.TaskState)}
}

func (f *fakeScheduler) Submit(rawURL, destination string, opts *engine.SubmitOptions) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", &engine.ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name := ""
	if opts != nil {
		name = opts.Filename
	}
	if name == "" {
		name = path.Base(u.Path)
	}
	if destination == "" {
		destination = "downloads"
	}

	f.seq++
	id := fmt.Sprintf("task-%d", f.seq)
	now := time.Now()
	f.tasks[id] = &engine.TaskState{
		ID:          id,
		URL:         rawURL,
		Destination: filepath.Join(destination, name),
		TotalSize:   -1,
		Status:      engine.TaskQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (f *fakeScheduler) Pause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]
	if !ok {
		return engine.ErrTaskNotFound
	}
	switch t.Status {
	case engine.TaskQueued, engine.TaskProbing, engine.TaskDownloading:
		t.Status = engine.TaskPaused
		return nil
	case engine.TaskPaused:
		return nil
	default:
		return engine.ErrInvalidState
	}
}

func (f *fakeScheduler) Resume(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]
	if !ok {
		return engine.ErrTaskNotFound
	}
	switch t.Status {
	case engine.TaskPaused, engine.TaskFailed:
		t.Status = engine.TaskQueued
		return nil
	case engine.TaskQueued:
		return nil
	default:
		return engine.ErrInvalidState
	}
}

func (f *fakeScheduler) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]
	if !ok {
		return engine.ErrTaskNotFound
	}
	if t.Status == engine.TaskCompleted || t.Status == engine.TaskCancelled {
		return engine.ErrInvalidState
	}
	t.Status = engine.TaskCancelled
	return nil
}

func (f *fakeScheduler) PauseAll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.tasks {
		switch t.Status {
		case engine.TaskQueued, engine.TaskProbing, engine.TaskDownloading:
			t.Status = engine.TaskPaused
			n++
		}
	}
	return n, nil
}

func (f *fakeScheduler) ResumeAll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.tasks {
		if t.Status == engine.TaskPaused {
			t.Status = engine.TaskQueued
			n++
		}
	}
	return n, nil
}

func (f *fakeScheduler) CancelAll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.tasks {
		if !t.Status.Terminal() {
			t.Status = engine.TaskCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeScheduler) Status(id string) (*engine.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[id]
	if !ok {
		return nil, engine.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (f *fakeScheduler) List() ([]*engine.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*engine.TaskState, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// createTestServer builds a server over a fake scheduler and in-memory
// collaborators, with all file paths confined to a temp dir.
func createTestServer(t *testing.T) (*Server, *fakeScheduler) {
	t.Helper()

	dir := t.TempDir()

	storeMgr, err := storage.NewManager(&storage.StorageConfig{Type: storage.StorageTypeMemory})
	require.NoError(t, err)
	t.Cleanup(func() { storeMgr.Close() })

	configMgr := config.NewManagerWithPath(filepath.Join(dir, "fetchd.config.yaml"))
	appCfg := config.DefaultConfig()
	appCfg.Storage.Type = "memory"
	appCfg.Engine.OutputDir = filepath.Join(dir, "downloads")
	appCfg.Logging.Directory = filepath.Join(dir, "logs")
	require.NoError(t, configMgr.Save(appCfg))

	sched := newFakeScheduler()
	srv, err := NewServer(&Config{
		Host:         "127.0.0.1",
		Port:         6880,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}, Dependencies{
		Scheduler: sched,
		Store:     storeMgr,
		Monitor:   monitor.NewDiskMonitor(&monitor.DiskMonitorConfig{Path: dir}),
		WebSocket: websocket.NewManager(nil),
		ConfigMgr: configMgr,
	})
	require.NoError(t, err)
	return srv, sched
}

func jsonRequest(t *testing.T, method, target string, payload interface{}) *http.Request {
	t.Helper()

	if payload == nil {
		return httptest.NewRequest(method, target, nil)
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestNewServer(t *testing.T) {
	srv, _ := createTestServer(t)

	assert.NotNil(t, srv)
	assert.NotNil(t, srv.router)
	assert.NotNil(t, srv.scheduler)
	assert.NotNil(t, srv.store)
	assert.NotNil(t, srv.monitor)
	assert.NotNil(t, srv.wsMgr)
	assert.NotNil(t, srv.configMgr)
}

func TestNewServerMissingDependencies(t *testing.T) {
	_, err := NewServer(nil, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")

	_, err = NewServer(&Config{}, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
}

func TestServerHealth(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, version.Version, resp["version"])
}

func TestServerVersion(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, true, resp["success"])

	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, version.Version, data["version"])
}

func TestServerCORSMiddleware(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	req := httptest.NewRequest("OPTIONS", "/api/version", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestServerRoutes(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	tests := []struct {
		name         string
		method       string
		path         string
		expectedCode int
	}{
		{"Health", "GET", "/health", http.StatusOK},
		{"Version", "GET", "/api/version", http.StatusOK},

		{"Get config", "GET", "/api/config", http.StatusOK},
		{"Update config without body", "PUT", "/api/config", http.StatusBadRequest},

		{"List downloads", "GET", "/api/downloads", http.StatusOK},
		{"Create download without body", "POST", "/api/downloads", http.StatusBadRequest},
		{"Get missing download", "GET", "/api/downloads/missing", http.StatusNotFound},
		{"Pause missing download", "POST", "/api/downloads/missing/pause", http.StatusNotFound},
		{"Resume missing download", "POST", "/api/downloads/missing/resume", http.StatusNotFound},
		{"Cancel missing download", "POST", "/api/downloads/missing/cancel", http.StatusNotFound},
		{"Pause all", "POST", "/api/downloads/pause-all", http.StatusOK},
		{"Resume all", "POST", "/api/downloads/resume-all", http.StatusOK},
		{"Cancel all", "POST", "/api/downloads/cancel-all", http.StatusOK},

		{"History", "GET", "/api/history", http.StatusOK},
		{"Clear history", "DELETE", "/api/history", http.StatusOK},

		{"System status", "GET", "/api/system", http.StatusOK},
		{"Disk status", "GET", "/api/system/disk", http.StatusOK},

		{"Log entries", "GET", "/api/logs/entries", http.StatusOK},
		{"Log files", "GET", "/api/logs/files", http.StatusOK},
		{"Log file with unsafe name", "GET", "/api/logs/files/secrets.txt", http.StatusBadRequest},
		{"Log file missing", "GET", "/api/logs/files/fetchd-2025-01-01.log", http.StatusNotFound},

		{"Unknown route", "GET", "/api/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedCode, w.Code)
		})
	}
}

func TestServerDownloadLifecycle(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	// Submit
	w := httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "POST", "/api/downloads", map[string]interface{}{
		"url": "http://example.com/files/ubuntu.iso",
	}))
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, true, resp["success"])
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "ubuntu.iso", data["fileName"])
	assert.Equal(t, float64(-1), data["totalBytes"])

	// Listed
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/downloads", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])

	// Pause
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/"+id+"/pause", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/downloads/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, "paused", data["status"])

	// Resume
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/"+id+"/resume", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Cancel, then cancel again
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	resp = decodeResponse(t, w)
	assert.Equal(t, false, resp["success"])
	errInfo, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", errInfo["code"])
}

func TestServerCreateDownloadValidation(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "POST", "/api/downloads", map[string]interface{}{
		"url": "ftp://example.com/file.bin",
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, false, resp["success"])
	errInfo, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "INVALID_REQUEST", errInfo["code"])
}

func TestServerBulkOperations(t *testing.T) {
	srv, sched := createTestServer(t)
	router := srv.GetEngine()

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, jsonRequest(t, "POST", "/api/downloads", map[string]interface{}{
			"url": fmt.Sprintf("http://example.com/file-%d.bin", i),
		}))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/pause-all", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["paused"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/resume-all", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["resumed"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/downloads/cancel-all", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["cancelled"])

	// All terminal now
	n, err := sched.PauseAll()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServerHistory(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()
	store := srv.store.GetStore()
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	require.NoError(t, store.CreateTask(ctx, &storage.TaskRecord{
		ID:             "hist-1",
		URL:            "http://example.com/done.bin",
		Destination:    "/downloads/done.bin",
		Status:         storage.StatusCompleted,
		TotalBytes:     4096,
		BytesCompleted: 4096,
		CreatedAt:      started,
		StartedAt:      &started,
		FinishedAt:     &finished,
	}))
	require.NoError(t, store.CreateTask(ctx, &storage.TaskRecord{
		ID:          "hist-2",
		URL:         "http://example.com/live.bin",
		Destination: "/downloads/live.bin",
		Status:      storage.StatusDownloading,
		TotalBytes:  -1,
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/history", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(1), resp["total"])
	assert.Equal(t, float64(1), resp["page"])
	assert.Equal(t, float64(20), resp["pageSize"])

	rows, ok := resp["data"].([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "hist-1", row["id"])
	assert.Equal(t, "completed", row["status"])

	// Clear
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/history", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["removed"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/history", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	assert.Equal(t, float64(0), resp["total"])
}

func TestServerConfigRoundTrip(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	// Read the current document
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/config", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	raw, err := json.Marshal(resp["data"])
	require.NoError(t, err)
	var doc config.Config
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 6880, doc.Server.Port)

	// Change the port
	doc.Server.Port = 7000
	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "PUT", "/api/config", doc))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, true, data["restart_required"])

	// Saved document is served back
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/config", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	served := resp["data"].(map[string]interface{})
	server := served["server"].(map[string]interface{})
	assert.Equal(t, float64(7000), server["port"])

	// Saving the identical document requires no restart
	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "PUT", "/api/config", doc))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeResponse(t, w)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, false, data["restart_required"])

	// Invalid document is rejected
	doc.Server.Port = 0
	w = httptest.NewRecorder()
	router.ServeHTTP(w, jsonRequest(t, "PUT", "/api/config", doc))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerSSELogStream(t *testing.T) {
	srv, _ := createTestServer(t)
	router := srv.GetEngine()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/api/logs/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	// Run in a goroutine since the stream holds the connection open until
	// the request context expires.
	done := make(chan bool)
	go func() {
		router.ServeHTTP(w, req)
		done <- true
	}()

	select {
	case <-done:
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("SSE request did not complete within timeout")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _ := createTestServer(t)
	srv.config.Port = 18090

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start(), "second start must be rejected")

	// Give the listener time to come up
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:18090/health")
	if err == nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	require.NoError(t, srv.Stop())
	assert.Error(t, srv.Stop(), "second stop must be rejected")
}

func TestServerShutdownTimeout(t *testing.T) {
	srv, _ := createTestServer(t)
	srv.config.Port = 18091

	require.NoError(t, srv.Start())
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestTaskDTO(t *testing.T) {
	now := time.Now()
	task := &engine.TaskState{
		ID:            "dl-1",
		URL:           "http://example.com/files/ubuntu.iso",
		Destination:   "/downloads/ubuntu.iso",
		TotalSize:     4096,
		SupportsRange: true,
		Chunks: []engine.ChunkState{
			{Index: 0, Start: 0, End: 2048, BytesDownloaded: 2048, Status: engine.ChunkCompleted},
			{Index: 1, Start: 2048, End: 4096, BytesDownloaded: 512, Status: engine.ChunkActive},
		},
		Status:    engine.TaskDownloading,
		CreatedAt: now,
		UpdatedAt: now,
	}

	dto := taskDTO(task)
	assert.Equal(t, "dl-1", dto.ID)
	assert.Equal(t, "ubuntu.iso", dto.FileName)
	assert.Equal(t, "downloading", dto.Status)
	assert.Equal(t, int64(4096), dto.TotalBytes)
	assert.Equal(t, int64(2560), dto.BytesCompleted)
	assert.Equal(t, 2, dto.ChunksTotal)
	assert.Equal(t, 1, dto.ChunksCompleted)
	assert.True(t, dto.SupportsRange)
}

func BenchmarkServerRequest(b *testing.B) {
	storeMgr, err := storage.NewManager(&storage.StorageConfig{Type: storage.StorageTypeMemory})
	if err != nil {
		b.Fatal(err)
	}
	defer storeMgr.Close()

	srv, err := NewServer(&Config{Host: "127.0.0.1", Port: 6880}, Dependencies{
		Scheduler: newFakeScheduler(),
		Store:     storeMgr,
		Monitor:   monitor.NewDiskMonitor(nil),
		WebSocket: websocket.NewManager(nil),
		ConfigMgr: config.NewManager(),
	})
	if err != nil {
		b.Fatal(err)
	}
	router := srv.GetEngine()

	req := httptest.NewRequest("GET", "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
