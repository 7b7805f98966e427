// Package runtime implements protocol-specific agent clients sharing one
// connection/state model. A runtime owns its connections, its transport and
// its subscriptions; cross-runtime coordination lives in Manager and
// LazyManager.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/transport"
)

// ============================================================================
// CONNECTIONS
// ============================================================================

// ConnectionStatus is the lifecycle state of a connection.
//
//	connecting -> connected      (dial succeeded)
//	connecting -> error          (dial failed, connection discarded)
//	connected  -> disconnected   (explicit disconnect)
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Connection is one live link to a remote agent. It is owned exclusively by
// the runtime that created it.
type Connection struct {
	ID           string
	AgentID      string
	Endpoint     string
	Status       ConnectionStatus
	Protocols    []a2a.Protocol
	Metadata     map[string]any
	CreatedAt    time.Time
	LastActivity time.Time
}

func newConnectionID(proto a2a.Protocol) string {
	return fmt.Sprintf("conn-%s-%d-%s", proto, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ============================================================================
// RUNTIME CONTRACT
// ============================================================================

// Runtime is a protocol-specific client against one agent endpoint.
// Protocol dispatch goes through ProtocolType; optional behavior is
// described by the capability methods, never by presence-checking.
type Runtime interface {
	ProtocolType() a2a.Protocol
	SupportsStreaming() bool
	SupportsPushNotifications() bool

	Connect(ctx context.Context) (*Connection, error)
	Disconnect(ctx context.Context, connectionID string) error
	DisconnectAll(ctx context.Context) error
	Connections() []*Connection

	SubmitTask(ctx context.Context, input *a2a.TaskInput) (*a2a.Task, error)
	GetTask(ctx context.Context, taskID string) (*a2a.Task, error)
	CancelTask(ctx context.Context, taskID string) error

	// SubscribeTask delivers task updates until the subscription is
	// cancelled. SubscribeAgent delivers agent-card changes.
	SubscribeTask(taskID string, fn func(*a2a.TaskUpdate)) (*Subscription, error)
	SubscribeAgent(fn func(*a2a.AgentCard)) (*Subscription, error)

	// StreamTask submits a task over a live update stream. Fails with
	// ErrStreamingUnsupported when the agent does not advertise streaming.
	StreamTask(ctx context.Context, input *a2a.TaskInput) (*transport.Stream, error)

	DelegateSubTask(ctx context.Context, parentTaskID string, subTasks []SubTaskSpec, opts DelegationOptions) (*Delegation, error)

	AddEventListener(name string, fn Listener) error
	RemoveEventListener(name string)

	Config() Config
}

// dialer is the protocol hook invoked by the shared connect path.
type dialer interface {
	dial(ctx context.Context, conn *Connection) error
	hangup(ctx context.Context, conn *Connection) error
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

// Subscription is a cancellable handle on a task or agent watch.
// Unsubscribe is idempotent and stops the backing poll or socket route
// immediately.
type Subscription struct {
	ID     string
	cancel context.CancelFunc
	once   sync.Once
	onStop func()
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// ============================================================================
// SHARED RUNTIME BASE
// ============================================================================

// base carries the state every protocol runtime shares: validated config,
// transport, connection map, subscriptions and the event bus. Protocol
// runtimes embed it and provide the dial/hangup hooks.
type base struct {
	cfg    Config
	proto  a2a.Protocol
	tp     transport.Transport
	bus    *eventBus
	logger *slog.Logger
	hooks  dialer

	mu    sync.RWMutex
	conns map[string]*Connection
	subs  map[string]*Subscription
}

// newBase validates cfg and builds the shared state. Invalid config fails
// here, never at the first operation.
func newBase(proto a2a.Protocol, cfg Config, hooks dialer) (*base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalize()

	logger := cfg.Logger.With("protocol", string(proto), "endpoint", cfg.Endpoint)
	tp, err := transport.New(cfg.Transport.Kind, cfg.transportConfig(), logger)
	if err != nil {
		return nil, err
	}

	return &base{
		cfg:    cfg,
		proto:  proto,
		tp:     tp,
		bus:    newEventBus(logger),
		logger: logger,
		hooks:  hooks,
		conns:  make(map[string]*Connection),
		subs:   make(map[string]*Subscription),
	}, nil
}

func (b *base) ProtocolType() a2a.Protocol { return b.proto }
func (b *base) Config() Config             { return b.cfg }

func (b *base) AddEventListener(name string, fn Listener) error {
	return b.bus.AddListener(name, fn)
}

func (b *base) RemoveEventListener(name string) {
	b.bus.RemoveListener(name)
}

// Connect establishes a connection through the protocol dial hook. The
// connection is visible in connecting state while the dial runs and is
// discarded entirely when the dial fails.
func (b *base) Connect(ctx context.Context) (*Connection, error) {
	conn := &Connection{
		ID:           newConnectionID(b.proto),
		AgentID:      b.cfg.AgentID,
		Endpoint:     b.cfg.Endpoint,
		Status:       StatusConnecting,
		Protocols:    []a2a.Protocol{b.proto},
		Metadata:     make(map[string]any),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}

	b.mu.Lock()
	b.conns[conn.ID] = conn
	b.mu.Unlock()

	if err := b.hooks.dial(ctx, conn); err != nil {
		b.mu.Lock()
		conn.Status = StatusError
		delete(b.conns, conn.ID)
		b.mu.Unlock()

		b.bus.Emit(Event{
			Type:         EventConnectionError,
			Protocol:     b.proto,
			ConnectionID: conn.ID,
			Payload:      err.Error(),
		})
		return nil, &ConnectionError{Op: "connect", Endpoint: b.cfg.Endpoint, Err: err}
	}

	b.mu.Lock()
	conn.Status = StatusConnected
	conn.LastActivity = time.Now()
	b.mu.Unlock()

	b.logger.Info("connected", "connection_id", conn.ID)
	b.bus.Emit(Event{
		Type:         EventConnected,
		Protocol:     b.proto,
		ConnectionID: conn.ID,
	})
	return conn, nil
}

// Disconnect tears down one connection by id.
func (b *base) Disconnect(ctx context.Context, connectionID string) error {
	b.mu.Lock()
	conn, ok := b.conns[connectionID]
	if ok {
		delete(b.conns, connectionID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("runtime: unknown connection %q", connectionID)
	}
	return b.closeConn(ctx, conn)
}

// DisconnectAll tears down every connection and stops all subscriptions.
func (b *base) DisconnectAll(ctx context.Context) error {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for id, conn := range b.conns {
		conns = append(conns, conn)
		delete(b.conns, id)
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	var firstErr error
	for _, conn := range conns {
		if err := b.closeConn(ctx, conn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *base) closeConn(ctx context.Context, conn *Connection) error {
	err := b.hooks.hangup(ctx, conn)

	b.mu.Lock()
	conn.Status = StatusDisconnected
	b.mu.Unlock()

	b.bus.Emit(Event{
		Type:         EventDisconnected,
		Protocol:     b.proto,
		ConnectionID: conn.ID,
	})
	if err != nil {
		return &ConnectionError{Op: "disconnect", Endpoint: conn.Endpoint, Err: err}
	}
	return nil
}

// Connections returns a snapshot of the live connections.
func (b *base) Connections() []*Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Connection, 0, len(b.conns))
	for _, conn := range b.conns {
		copied := *conn
		out = append(out, &copied)
	}
	return out
}

// connected reports whether at least one connection is established.
func (b *base) connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, conn := range b.conns {
		if conn.Status == StatusConnected {
			return true
		}
	}
	return false
}

// touch refreshes LastActivity on every live connection.
func (b *base) touch() {
	now := time.Now()
	b.mu.Lock()
	for _, conn := range b.conns {
		conn.LastActivity = now
	}
	b.mu.Unlock()
}

// newSubscription registers a cancellable subscription and returns its
// context for the backing goroutine.
func (b *base) newSubscription(kind string) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:     fmt.Sprintf("sub-%s-%s", kind, uuid.NewString()[:8]),
		cancel: cancel,
	}
	sub.onStop = func() {
		b.mu.Lock()
		delete(b.subs, sub.ID)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub, ctx
}

// pollTask runs a task-status poll loop, invoking fn once per observed
// status change and stopping at a terminal state or cancellation.
func (b *base) pollTask(ctx context.Context, taskID string, interval time.Duration, fetch func(context.Context, string) (*a2a.Task, error), fn func(*a2a.TaskUpdate)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastState a2a.TaskState
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, err := fetch(ctx, taskID)
		if err != nil {
			b.logger.Debug("task poll failed", "task_id", taskID, "error", err)
			continue
		}
		if task.Status.State == lastState {
			continue
		}
		lastState = task.Status.State

		update := &a2a.TaskUpdate{
			Kind:   a2a.UpdateKindStatus,
			TaskID: task.ID,
			Status: &task.Status,
		}
		fn(update)
		b.bus.Emit(Event{
			Type:     EventTaskUpdate,
			Protocol: b.proto,
			TaskID:   task.ID,
			Payload:  update,
		})

		if task.Status.State.Terminal() {
			return
		}
	}
}

// pollCard runs an agent-card freshness loop, invoking fn when the card
// version or name changes.
func (b *base) pollCard(ctx context.Context, interval time.Duration, fetch func(context.Context) (*a2a.AgentCard, error), fn func(*a2a.AgentCard)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastVersion, lastName string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		card, err := fetch(ctx)
		if err != nil {
			b.logger.Debug("agent card poll failed", "error", err)
			continue
		}
		if card.Version == lastVersion && card.Name == lastName {
			continue
		}
		lastVersion, lastName = card.Version, card.Name

		fn(card)
		b.bus.Emit(Event{
			Type:     EventAgentUpdate,
			Protocol: b.proto,
			Payload:  card,
		})
	}
}
