package events

import (
	"context"
	"log/slog"
	"sync"
)

// LogHandler returns a handler that records events as structured log
// entries. Failure events log at warn level, everything else at debug.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(e Event) {
		level := slog.LevelDebug
		if e.IsFailure() {
			level = slog.LevelWarn
		}
		if !logger.Enabled(context.Background(), level) {
			return
		}

		attrs := []slog.Attr{slog.String("session", e.Session)}
		if e.Container != "" {
			attrs = append(attrs, slog.String("container", e.Container))
		}
		for k, v := range e.Payload {
			attrs = append(attrs, slog.Any(k, v))
		}
		if e.Error != "" {
			attrs = append(attrs, slog.String("error", e.Error))
		}

		logger.LogAttrs(context.Background(), level, string(e.Type), attrs...)
	}
}

// Recorder collects events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handler returns the handler that feeds the recorder
func (r *Recorder) Handler() Handler {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}
