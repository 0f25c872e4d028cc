package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"

	"github.com/fetchd-project/fetchd/internal/engine"
	"github.com/fetchd-project/fetchd/internal/logger"
)

// StatusSource exposes the scheduler's task view for periodic queue snapshots.
type StatusSource interface {
	List() ([]*engine.TaskState, error)
}

// Manager owns the client registry and fans broadcast events out to every
// connected client.
type Manager struct {
	connections       map[string]*Connection
	connectionCounter int

	eventChan chan *Event

	source StatusSource

	upgrader gws.Upgrader

	mu sync.RWMutex
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection represents one connected client
type Connection struct {
	ID   string
	Send chan *Event

	conn *gws.Conn
	mgr  *Manager

	mu     sync.Mutex
	closed bool
}

// NewManager creates a WebSocket manager. source may be nil; queue snapshots
// are skipped until the scheduler is wired in.
func NewManager(source StatusSource) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		connections: make(map[string]*Connection),
		eventChan:   make(chan *Event, 256),
		source:      source,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // local daemon, any origin may subscribe
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the broadcast loop and the periodic status tickers
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()

	m.wg.Add(1)
	go m.heartbeatLoop()

	m.wg.Add(1)
	go m.queueStatusLoop()

	logger.Info("websocket hub started")
}

// Stop closes every connection and waits for the hub goroutines to exit
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	conns := m.connections
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}

	m.wg.Wait()

	logger.Info("websocket hub stopped")
}

// run is the main broadcast loop
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case event := <-m.eventChan:
			m.broadcastEvent(event)
		}
	}
}

// heartbeatLoop sends periodic heartbeat messages
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.GetConnectionCount() > 0 {
				m.Broadcast(NewHeartbeatEvent())
			}
		}
	}
}

// queueStatusLoop periodically broadcasts a scheduler queue snapshot
func (m *Manager) queueStatusLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			count := m.GetConnectionCount()
			if count == 0 || m.source == nil {
				continue
			}
			tasks, err := m.source.List()
			if err != nil {
				continue
			}

			var queued, active, paused, finished int
			for _, t := range tasks {
				switch t.Status {
				case engine.TaskQueued:
					queued++
				case engine.TaskProbing, engine.TaskDownloading:
					active++
				case engine.TaskPaused:
					paused++
				default:
					finished++
				}
			}
			m.Broadcast(NewQueueStatusEvent(queued, active, paused, finished, count))
		}
	}
}

// Broadcast queues an event for delivery to all connected clients. Events
// are dropped when the queue is full rather than blocking the caller.
func (m *Manager) Broadcast(event *Event) {
	select {
	case m.eventChan <- event:
	default:
		logger.Debugf("websocket broadcast queue full, dropping %s event", event.Type)
	}
}

// broadcastEvent delivers one event to every registered connection
func (m *Manager) broadcastEvent(event *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for connID, conn := range m.connections {
		if !conn.trySend(event) {
			// Client cannot keep up, drop it
			logger.Warnf("websocket client %s send queue full, closing", connID)
			go m.closeConnection(connID)
		}
	}
}

// Listener returns a progress listener that forwards scheduler reports to
// connected clients. Status transitions become task_update events carrying
// the full task view; repeat reports on a running task become task_progress
// ticks.
func (m *Manager) Listener() engine.ProgressListener {
	var mu sync.Mutex
	last := make(map[string]engine.TaskStatus)

	return func(p engine.Progress) {
		mu.Lock()
		changed := last[p.TaskID] != p.Status
		if p.Status.Terminal() {
			delete(last, p.TaskID)
		} else if changed {
			last[p.TaskID] = p.Status
		}
		mu.Unlock()

		if changed {
			m.Broadcast(NewTaskUpdateEvent(p))
		} else {
			m.Broadcast(NewTaskProgressEvent(p))
		}
	}
}

// HandleWebSocket upgrades the request and streams events until the client
// disconnects
func (m *Manager) HandleWebSocket(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.connectionCounter++
	connID := fmt.Sprintf("conn-%d", m.connectionCounter)
	client := &Connection{
		ID:   connID,
		Send: make(chan *Event, 64),
		conn: conn,
		mgr:  m,
	}
	m.connections[connID] = client
	total := len(m.connections)
	m.mu.Unlock()

	logger.Infof("websocket client connected: %s (%d total)", connID, total)

	go client.writePump()
	client.readPump()

	logger.Infof("websocket client disconnected: %s (%d total)", connID, m.GetConnectionCount())
}

// readPump consumes client frames until the connection drops. Inbound
// messages are discarded; the stream is push-only.
func (c *Connection) readPump() {
	defer c.mgr.closeConnection(c.ID)

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				logger.Debugf("websocket client %s closed unexpectedly: %v", c.ID, err)
			}
			return
		}
	}
}

// writePump serializes queued events onto the wire and keeps the connection
// alive with pings
func (c *Connection) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(gws.CloseMessage, []byte{})
				return
			}

			data, err := event.ToJSON()
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(gws.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues the event without blocking. It reports false when the
// client's queue is full; sends on a closed connection are dropped quietly.
func (c *Connection) trySend(event *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.Send <- event:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel once and tears down the network
// connection so both pumps unblock
func (c *Connection) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
}

// GetConnectionCount returns the number of connected clients
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// closeConnection removes a connection from the registry and tears it down
func (m *Manager) closeConnection(connID string) {
	m.mu.Lock()
	conn, ok := m.connections[connID]
	if ok {
		delete(m.connections, connID)
	}
	m.mu.Unlock()

	if ok {
		conn.shutdown()
	}
}
