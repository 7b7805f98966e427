package runtime

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBus_Delivery(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.Close()

	got := make(chan Event, 1)
	require.NoError(t, bus.AddListener("l1", func(ev Event) { got <- ev }))

	bus.Emit(Event{Type: EventTaskUpdate, TaskID: "task-1"})

	ev := waitForEvent(t, got)
	assert.Equal(t, EventTaskUpdate, ev.Type)
	assert.Equal(t, "task-1", ev.TaskID)
	assert.False(t, ev.Timestamp.IsZero(), "emit must stamp the event")
}

func TestEventBus_ReplaceListener(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.Close()

	first := make(chan Event, 1)
	second := make(chan Event, 1)
	require.NoError(t, bus.AddListener("l1", func(ev Event) { first <- ev }))
	require.NoError(t, bus.AddListener("l1", func(ev Event) { second <- ev }))

	bus.Emit(Event{Type: EventConnected})

	waitForEvent(t, second)
	select {
	case <-first:
		t.Fatal("replaced listener must not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_PanicIsolation(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.Close()

	require.NoError(t, bus.AddListener("panics", func(ev Event) {
		panic("listener bug")
	}))
	got := make(chan Event, 2)
	require.NoError(t, bus.AddListener("healthy", func(ev Event) { got <- ev }))

	bus.Emit(Event{Type: EventConnected})
	bus.Emit(Event{Type: EventDisconnected})

	assert.Equal(t, EventConnected, waitForEvent(t, got).Type)
	assert.Equal(t, EventDisconnected, waitForEvent(t, got).Type)
}

func TestEventBus_RemoveListener(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.Close()

	got := make(chan Event, 1)
	require.NoError(t, bus.AddListener("l1", func(ev Event) { got <- ev }))
	bus.RemoveListener("l1")

	// Removing an unknown name is a no-op.
	bus.RemoveListener("ghost")

	bus.Emit(Event{Type: EventConnected})
	select {
	case <-got:
		t.Fatal("removed listener must not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_Validation(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.Close()

	assert.Error(t, bus.AddListener("", func(Event) {}))
	assert.Error(t, bus.AddListener("l1", nil))
}

func TestEventBus_ClosedRejectsListeners(t *testing.T) {
	bus := newEventBus(slog.Default())
	bus.Close()
	assert.Error(t, bus.AddListener("late", func(Event) {}))
}
