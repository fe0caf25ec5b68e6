package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event in a job's event stream.
type EventType string

const (
	EventTypeJobStatus    EventType = "job_status"
	EventTypeActionStatus EventType = "action_status"
	EventTypeActionResult EventType = "action_result"
	EventTypeLog          EventType = "log"
	EventTypeDevice       EventType = "device"
	EventTypeBarrier      EventType = "barrier"
	EventTypeError        EventType = "error"
)

// Event is a single event in a job's event stream.
type Event struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Type      EventType       `json:"type"`
	Action    string          `json:"action,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType `json:"type"`
	Action string    `json:"action,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// JobStatusEvent is the payload for job status transitions.
type JobStatusEvent struct {
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ActionStatusEvent is the payload for action state transitions.
type ActionStatusEvent struct {
	Action string       `json:"action"`
	Status ActionStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// ToSSE formats the event for Server-Sent Events delivery.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
