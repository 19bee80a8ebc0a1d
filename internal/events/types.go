package events

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event represents a single occurrence in a session's lifecycle
type Event struct {
	// Time is when the event occurred (set by bus on emit)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Session is the id of the berth invocation that emitted the event
	Session string `json:"session,omitempty"`

	// Container is the container name this event relates to
	Container string `json:"container,omitempty"`

	// Payload contains event-specific data
	Payload map[string]any `json:"payload,omitempty"`

	// Error contains error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Session lifecycle events
const (
	SessionStarted EventType = "session.started"
	SessionExited  EventType = "session.exited"
	SessionFailed  EventType = "session.failed"

	// IdentityDerived carries payload: hash (string), name (string)
	IdentityDerived EventType = "identity.derived"
)

// Image events
const (
	ImagePresent EventType = "image.present"
	ImagePulled  EventType = "image.pulled"
	ImageBuilt   EventType = "image.built"

	// ImageRetry is emitted before a transient failure is retried
	// Payload: attempt (int), delay (string)
	ImageRetry EventType = "image.retry"

	ImageFailed EventType = "image.failed"
)

// Container events
const (
	ContainerCreated EventType = "container.created"
	ContainerStarted EventType = "container.started"
	ContainerReused  EventType = "container.reused"
	ContainerRemoved EventType = "container.removed"
)

// Init command events
const (
	// InitStarted payload: index (int), command (string)
	InitStarted   EventType = "init.started"
	InitCompleted EventType = "init.completed"
	InitFailed    EventType = "init.failed"
	InitSkipped   EventType = "init.skipped"
)

// Attach and signal events
const (
	AttachStarted EventType = "attach.started"

	// SignalForwarded payload: signal (string)
	SignalForwarded EventType = "signal.forwarded"
	SignalFailed    EventType = "signal.failed"
)

// NewEvent creates an event with the given type and container
func NewEvent(eventType EventType, container string) Event {
	return Event{
		Type:      eventType,
		Container: container,
	}
}

// With returns a copy of the event with key set in its payload
func (e Event) With(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), ".failed")
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Container != "" {
		parts = append(parts, e.Container)
	}

	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Payload[k]))
	}

	if e.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%q", e.Error))
	}

	return strings.Join(parts, " ")
}
