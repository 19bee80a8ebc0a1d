package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// JSONEvent is the wire format of events written with --events.
type JSONEvent struct {
	// Type identifies the event (e.g., "container.created", "init.failed")
	Type string `json:"type"`

	// Timestamp is when the event occurred (RFC3339 format)
	Timestamp time.Time `json:"timestamp"`

	Session   string         `json:"session,omitempty"`
	Container string         `json:"container,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// JSONEmitter writes events as JSON lines to a writer.
// Thread-safe for concurrent Emit calls.
type JSONEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONEmitter creates a new JSON emitter that writes to w.
// Each event is written as a single JSON line (newline-delimited).
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	return &JSONEmitter{enc: json.NewEncoder(w)}
}

// Emit converts the internal Event to JSONEvent wire format and writes it.
func (e *JSONEmitter) Emit(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(ToJSONEvent(event))
}

// JSONEmitterHandler returns a Handler that emits events as JSON lines.
// Errors are logged but not propagated (handler interface has no return).
func JSONEmitterHandler(emitter *JSONEmitter, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		if err := emitter.Emit(e); err != nil {
			logger.Warn("failed to emit JSON event", "error", err)
		}
	}
}

// ToJSONEvent converts an internal Event to the wire format JSONEvent.
func ToJSONEvent(e Event) JSONEvent {
	return JSONEvent{
		Type:      string(e.Type),
		Timestamp: e.Time,
		Session:   e.Session,
		Container: e.Container,
		Payload:   e.Payload,
		Error:     e.Error,
	}
}
