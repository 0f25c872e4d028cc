// Package websocket pushes task and system events to connected clients in
// real time over a broadcast hub.
package websocket

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fetchd-project/fetchd/internal/engine"
)

// EventType represents the type of event sent to clients
type EventType string

const (
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeTaskUpdate   EventType = "task_update"
	EventTypeTaskProgress EventType = "task_progress"
	EventTypeQueueStatus  EventType = "queue_status"
	EventTypeDiskStatus   EventType = "disk_status"
)

// Event is the wire format for all pushed messages. Task fields are set for
// task events, queue fields for queue snapshots; Data carries structured
// payloads such as disk status.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// Task events
	TaskID          string  `json:"taskId,omitempty"`
	URL             string  `json:"url,omitempty"`
	State           string  `json:"state,omitempty"`
	FileName        string  `json:"fileName,omitempty"`
	DownloadedBytes int64   `json:"downloadedBytes,omitempty"`
	TotalBytes      int64   `json:"totalBytes,omitempty"`
	Speed           int64   `json:"speed,omitempty"`
	ChunksCompleted int     `json:"chunksCompleted,omitempty"`
	ChunksTotal     int     `json:"chunksTotal,omitempty"`
	ActiveWorkers   int     `json:"activeWorkers,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	ProgressRatio   float64 `json:"progressRatio,omitempty"`

	// Queue status
	QueuedTasks   int `json:"queuedTasks,omitempty"`
	ActiveTasks   int `json:"activeTasks,omitempty"`
	PausedTasks   int `json:"pausedTasks,omitempty"`
	FinishedTasks int `json:"finishedTasks,omitempty"`
	Connections   int `json:"connections,omitempty"`

	// Structured payloads
	Data interface{} `json:"data,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":"%s"}`, err.Error())
	}
	return string(data)
}

// Event builders

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent() *Event {
	return NewEvent(EventTypeHeartbeat)
}

// NewTaskUpdateEvent reports a task status transition with the full task view.
func NewTaskUpdateEvent(p engine.Progress) *Event {
	event := NewEvent(EventTypeTaskUpdate)
	event.TaskID = p.TaskID
	event.URL = p.URL
	event.State = string(p.Status)
	if p.Destination != "" {
		event.FileName = filepath.Base(p.Destination)
	}
	event.DownloadedBytes = p.BytesCompleted
	event.TotalBytes = p.TotalBytes
	event.Speed = p.Speed
	event.ChunksCompleted = p.ChunksCompleted
	event.ChunksTotal = p.ChunksTotal
	event.ErrorMessage = p.Error
	if ratio := p.Ratio(); ratio >= 0 {
		event.ProgressRatio = ratio
	}
	return event
}

// NewTaskProgressEvent reports byte movement on a running task. It carries
// only the counters so high-frequency ticks stay small on the wire.
func NewTaskProgressEvent(p engine.Progress) *Event {
	event := NewEvent(EventTypeTaskProgress)
	event.TaskID = p.TaskID
	event.DownloadedBytes = p.BytesCompleted
	event.TotalBytes = p.TotalBytes
	event.Speed = p.Speed
	event.ChunksCompleted = p.ChunksCompleted
	event.ChunksTotal = p.ChunksTotal
	event.ActiveWorkers = p.ActiveWorkers
	if ratio := p.Ratio(); ratio >= 0 {
		event.ProgressRatio = ratio
	}
	return event
}

// NewQueueStatusEvent creates a scheduler queue snapshot event
func NewQueueStatusEvent(queued, active, paused, finished, connections int) *Event {
	event := NewEvent(EventTypeQueueStatus)
	event.QueuedTasks = queued
	event.ActiveTasks = active
	event.PausedTasks = paused
	event.FinishedTasks = finished
	event.Connections = connections
	return event
}

// NewDiskStatusEvent wraps a disk status sample for broadcast
func NewDiskStatusEvent(status interface{}) *Event {
	event := NewEvent(EventTypeDiskStatus)
	event.Data = status
	return event
}
