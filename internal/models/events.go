package models

import (
	"time"
)

// Event is the envelope published on the lifecycle event stream. Delivery is
// at-least-once; consumers must be idempotent.
type Event struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Event types
const (
	EventOperationStarted   = "operation.started"
	EventOperationProgress  = "operation.progress"
	EventOperationCompleted = "operation.completed"
	EventOperationFailed    = "operation.failed"

	EventSyncQueued    = "sync.queued"
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"

	EventForegroundEntered = "foreground.entered"
	EventForegroundExited  = "foreground.exited"
)
