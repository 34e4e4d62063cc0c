package queue

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventServiceRecord EventKind = "service_record"
	EventAlert         EventKind = "alert"
	EventBucket        EventKind = "bucket"
)

// Event is one message on the engine's outbound stream. Exactly one payload
// field is set, matching Kind.
type Event struct {
	Kind      EventKind        `json:"kind"`
	SessionID string           `json:"session_id"`
	At        time.Time        `json:"at"`
	Record    *ServiceRecord   `json:"record,omitempty"`
	Alert     *AlertTransition `json:"alert,omitempty"`
	Bucket    *MetricBucket    `json:"bucket,omitempty"`
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
