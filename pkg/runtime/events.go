package runtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentarea/agentlink/pkg/a2a"
)

// EventType classifies runtime events.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventConnectionError    EventType = "connection_error"
	EventTaskSubmitted      EventType = "task_submitted"
	EventTaskUpdate         EventType = "task_update"
	EventAgentUpdate        EventType = "agent_update"
	EventDelegationStarted  EventType = "delegation_started"
	EventDelegationComplete EventType = "delegation_completed"
	EventDelegationFailed   EventType = "delegation_failed"
)

// Event is one runtime occurrence delivered to listeners.
type Event struct {
	Type         EventType
	Protocol     a2a.Protocol
	ConnectionID string
	TaskID       string
	Payload      any
	Timestamp    time.Time
}

// Listener consumes runtime events. Listeners run on their own dispatch
// goroutine; a panicking or slow listener never affects the others.
type Listener func(Event)

// listenerBufferSize bounds the per-listener delivery queue. Events beyond
// it are dropped for that listener, not for the others.
const listenerBufferSize = 64

type subscriber struct {
	name string
	ch   chan Event
	done chan struct{}
}

// eventBus fans events out to named listeners with per-listener isolation.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	logger *slog.Logger
	closed bool
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[string]*subscriber),
		logger: logger,
	}
}

// AddListener registers fn under name, replacing any previous listener with
// the same name.
func (b *eventBus) AddListener(name string, fn Listener) error {
	if name == "" {
		return fmt.Errorf("listener name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("listener cannot be nil")
	}

	sub := &subscriber{
		name: name,
		ch:   make(chan Event, listenerBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	if prev, ok := b.subs[name]; ok {
		close(prev.done)
	}
	b.subs[name] = sub
	b.mu.Unlock()

	go b.dispatch(sub, fn)
	return nil
}

// RemoveListener stops the named listener. Unknown names are a no-op.
func (b *eventBus) RemoveListener(name string) {
	b.mu.Lock()
	if sub, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(sub.done)
	}
	b.mu.Unlock()
}

// Emit delivers ev to every listener's queue without blocking. A full queue
// drops the event for that listener only.
func (b *eventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		default:
			b.logger.Warn("event listener queue full, dropping event",
				"listener", sub.name, "event_type", ev.Type)
		}
	}
}

// Close stops every listener.
func (b *eventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		delete(b.subs, name)
		close(sub.done)
	}
}

func (b *eventBus) dispatch(sub *subscriber, fn Listener) {
	for {
		select {
		case ev := <-sub.ch:
			b.invoke(sub.name, fn, ev)
		case <-sub.done:
			// Drain what was queued before the listener was removed.
			for {
				select {
				case ev := <-sub.ch:
					b.invoke(sub.name, fn, ev)
				default:
					return
				}
			}
		}
	}
}

// invoke isolates listener panics so one listener cannot break emission to
// the others.
func (b *eventBus) invoke(name string, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"listener", name, "event_type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
