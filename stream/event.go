// Package stream provides a real-time event broker for stepflow. It fans
// committed history events and lifecycle notifications out to connected
// clients (SSE, DWP) via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of streamed event.
type EventType string

const (
	// EventHistory carries one committed execution.Event.
	EventHistory EventType = "history"

	// Execution events.
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionSucceeded EventType = "execution.succeeded"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionStopped   EventType = "execution.stopped"

	// Task events.
	EventTaskScheduled EventType = "task.scheduled"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"

	// Schedule events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Seq is the history sequence number for EventHistory, zero otherwise.
	Seq int64 `json:"seq,omitempty"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// ExecutionEventData is the payload for execution lifecycle events.
type ExecutionEventData struct {
	ExecutionID string `json:"execution_id"`
	Name        string `json:"name"`
	Definition  string `json:"definition"`
	Version     int    `json:"version"`
	Status      string `json:"status"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	Error       string `json:"error,omitempty"`
	Cause       string `json:"cause,omitempty"`
}

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	Handler     string `json:"handler,omitempty"`
	Token       string `json:"token,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Cause       string `json:"cause,omitempty"`
	DelayMs     int64  `json:"delay_ms,omitempty"`
}

// ScheduleEventData is the payload for schedule events.
type ScheduleEventData struct {
	EntryName   string `json:"entry_name"`
	ExecutionID string `json:"execution_id"`
}
