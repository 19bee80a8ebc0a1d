package events

import (
	"sync"
	"time"
)

// Handler receives emitted events
type Handler func(Event)

// Bus distributes events to subscribed handlers.
// Emit is synchronous: handlers run in subscription order before Emit
// returns, so a session's events are observed in the order they happened.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	session  string
	now      func() time.Time
}

// NewBus creates an event bus that stamps every event with session
func NewBus(session string) *Bus {
	return &Bus{
		session: session,
		now:     time.Now,
	}
}

// Subscribe adds a handler for all subsequent events
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit stamps the event and delivers it to every handler.
// A nil bus discards events.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	if e.Session == "" {
		e.Session = b.session
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Session returns the session id stamped on events
func (b *Bus) Session() string {
	if b == nil {
		return ""
	}
	return b.session
}
