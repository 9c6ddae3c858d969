package models

import "time"

// EventType classifies a broadcast event.
type EventType string

const (
	EventJobQueued      EventType = "job_queued"
	EventJobActive      EventType = "job_active"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventMonitorStatus  EventType = "monitor_status"
	EventMessageHandled EventType = "message_handled"
	EventHeartbeat      EventType = "heartbeat"
)

// Event is one best-effort notification pushed to a user's listeners.
// Missed events are re-derivable from the authoritative job, scheduler and
// action-tracking records.
type Event struct {
	Type      EventType      `json:"type"`
	UserID    int64          `json:"user_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
