package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitStampsAndPreservesOrder(t *testing.T) {
	bus := NewBus("sess-1")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	rec := &Recorder{}
	bus.Subscribe(rec.Handler())

	bus.Emit(NewEvent(ContainerCreated, "berth-app-1"))
	bus.Emit(NewEvent(ContainerStarted, "berth-app-1"))
	bus.Emit(NewEvent(AttachStarted, "berth-app-1"))

	assert.Equal(t, []EventType{ContainerCreated, ContainerStarted, AttachStarted}, rec.Types())
	for _, e := range rec.Events() {
		assert.Equal(t, "sess-1", e.Session)
		assert.Equal(t, fixed, e.Time)
	}
}

func TestBus_NilDiscards(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Emit(NewEvent(SessionStarted, ""))
	})
	assert.Equal(t, "", bus.Session())
}

func TestBus_MultipleHandlers(t *testing.T) {
	bus := NewBus("s")
	var first, second []EventType
	bus.Subscribe(func(e Event) { first = append(first, e.Type) })
	bus.Subscribe(func(e Event) { second = append(second, e.Type) })

	bus.Emit(NewEvent(InitStarted, "c"))

	assert.Equal(t, []EventType{InitStarted}, first)
	assert.Equal(t, []EventType{InitStarted}, second)
}

func TestEvent_WithDoesNotMutateOriginal(t *testing.T) {
	base := NewEvent(InitStarted, "c").With("index", 0)
	next := base.With("command", "make deps")

	assert.Len(t, base.Payload, 1)
	assert.Len(t, next.Payload, 2)
	assert.Equal(t, "make deps", next.Payload["command"])
}

func TestEvent_IsFailure(t *testing.T) {
	assert.True(t, NewEvent(InitFailed, "c").IsFailure())
	assert.True(t, NewEvent(SignalFailed, "c").IsFailure())
	assert.False(t, NewEvent(InitCompleted, "c").IsFailure())
}

func TestEvent_String(t *testing.T) {
	e := NewEvent(InitFailed, "berth-app-1").
		With("index", 2).
		With("command", "make").
		WithError(errors.New("exit 1"))

	assert.Equal(t, `[init.failed] berth-app-1 command=make index=2 error="exit 1"`, e.String())
}

func TestLogHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	handler := LogHandler(logger)

	handler(Event{Type: ContainerCreated, Container: "c"})
	assert.Empty(t, buf.String())

	handler(Event{Type: InitFailed, Container: "c", Error: "boom"})
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "init.failed")
	assert.Contains(t, out, "container=c")
	assert.Contains(t, out, "error=boom")
}

func TestJSONEmitter_WritesLines(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus("sess-1")
	bus.Subscribe(JSONEmitterHandler(NewJSONEmitter(&buf), nil))

	bus.Emit(NewEvent(ImagePulled, "").With("ref", "alpine:3.19"))
	bus.Emit(NewEvent(SessionExited, "berth-app-1").With("exit_code", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first JSONEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "image.pulled", first.Type)
	assert.Equal(t, "sess-1", first.Session)
	assert.Equal(t, "alpine:3.19", first.Payload["ref"])
	assert.False(t, first.Timestamp.IsZero())
}
