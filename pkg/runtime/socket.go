package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentarea/agentlink/pkg/a2a"
)

// ============================================================================
// UPDATE SOCKET
// Persistent websocket multiplexing task and agent updates for the
// AgentArea protocol. Subscriptions are routed by task id with optional
// update-kind filtering; the socket reconnects with exponential backoff
// and re-subscribes every live route after a reconnect.
// ============================================================================

type socketState string

const (
	socketDisconnected socketState = "disconnected"
	socketConnecting   socketState = "connecting"
	socketConnected    socketState = "connected"
	socketReconnecting socketState = "reconnecting"
	socketClosed       socketState = "closed"
)

const (
	socketMinBackoff = time.Second
	socketMaxBackoff = 30 * time.Second
	socketBackoffMul = 2.0
)

// Frame types on the wire.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameTaskUpdate  = "task_update"
	frameAgentUpdate = "agent_update"
	framePing        = "ping"
	framePong        = "pong"
)

// socketFrame is the websocket wire envelope.
type socketFrame struct {
	Type   string           `json:"type"`
	TaskID string           `json:"taskId,omitempty"`
	Kinds  []a2a.UpdateKind `json:"kinds,omitempty"`
	Update *a2a.TaskUpdate  `json:"update,omitempty"`
	Card   *a2a.AgentCard   `json:"card,omitempty"`
}

type taskRoute struct {
	taskID string
	kinds  map[a2a.UpdateKind]bool // empty means every kind
	fn     func(*a2a.TaskUpdate)
}

func (r *taskRoute) wants(kind a2a.UpdateKind) bool {
	return len(r.kinds) == 0 || r.kinds[kind]
}

type updateSocket struct {
	url    string
	header http.Header
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       socketState
	taskRoutes  map[string][]*taskRoute // keyed by task id
	agentRoutes map[string]func(*a2a.AgentCard)
	done        chan struct{}
}

func newUpdateSocket(url string, header http.Header, logger *slog.Logger) *updateSocket {
	return &updateSocket{
		url:         url,
		header:      header,
		logger:      logger,
		state:       socketDisconnected,
		taskRoutes:  make(map[string][]*taskRoute),
		agentRoutes: make(map[string]func(*a2a.AgentCard)),
		done:        make(chan struct{}),
	}
}

// Dial connects the socket and starts the read loop.
func (s *updateSocket) Dial(ctx context.Context) error {
	s.setState(socketConnecting)

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: s.header,
	})
	if err != nil {
		s.setState(socketDisconnected)
		return fmt.Errorf("websocket dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(socketConnected)

	go s.readLoop()
	return nil
}

// Close shuts the socket down permanently.
func (s *updateSocket) Close() error {
	s.mu.Lock()
	if s.state == socketClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = socketClosed
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

func (s *updateSocket) State() socketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *updateSocket) setState(state socketState) {
	s.mu.Lock()
	if s.state != socketClosed {
		s.state = state
	}
	s.mu.Unlock()
}

// SubscribeTask routes filtered updates for taskID to fn and tells the
// server to start sending them.
func (s *updateSocket) SubscribeTask(ctx context.Context, taskID string, kinds []a2a.UpdateKind, fn func(*a2a.TaskUpdate)) error {
	route := &taskRoute{taskID: taskID, fn: fn}
	if len(kinds) > 0 {
		route.kinds = make(map[a2a.UpdateKind]bool, len(kinds))
		for _, k := range kinds {
			route.kinds[k] = true
		}
	}

	s.mu.Lock()
	s.taskRoutes[taskID] = append(s.taskRoutes[taskID], route)
	s.mu.Unlock()

	return s.write(ctx, &socketFrame{Type: frameSubscribe, TaskID: taskID, Kinds: kinds})
}

// UnsubscribeTask drops every route for taskID.
func (s *updateSocket) UnsubscribeTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	delete(s.taskRoutes, taskID)
	s.mu.Unlock()

	return s.write(ctx, &socketFrame{Type: frameUnsubscribe, TaskID: taskID})
}

// SubscribeAgent routes agent-card updates to fn and returns a removal id.
func (s *updateSocket) SubscribeAgent(fn func(*a2a.AgentCard)) string {
	id := uuid.NewString()[:8]
	s.mu.Lock()
	s.agentRoutes[id] = fn
	s.mu.Unlock()
	return id
}

func (s *updateSocket) UnsubscribeAgent(id string) {
	s.mu.Lock()
	delete(s.agentRoutes, id)
	s.mu.Unlock()
}

func (s *updateSocket) write(ctx context.Context, frame *socketFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("websocket encode frame: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state == socketClosed {
		return fmt.Errorf("websocket: socket is closed")
	}
	if conn == nil {
		// Reconnect in progress; the resubscribe pass will replay routes.
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, body)
}

// readLoop reads frames until the socket is closed, reconnecting with
// exponential backoff on read failure.
func (s *updateSocket) readLoop() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.state == socketClosed
		s.mu.Unlock()

		if closed {
			return
		}
		if conn == nil {
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("update socket read failed, reconnecting", "error", err)
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		var frame socketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("update socket dropped malformed frame", "error", err)
			continue
		}
		s.route(&frame)
	}
}

func (s *updateSocket) route(frame *socketFrame) {
	switch frame.Type {
	case frameTaskUpdate:
		if frame.Update == nil {
			return
		}
		taskID := frame.TaskID
		if taskID == "" {
			taskID = frame.Update.TaskID
		}
		s.mu.Lock()
		routes := append([]*taskRoute(nil), s.taskRoutes[taskID]...)
		s.mu.Unlock()
		for _, route := range routes {
			if route.wants(frame.Update.Kind) {
				route.fn(frame.Update)
			}
		}

	case frameAgentUpdate:
		if frame.Card == nil {
			return
		}
		s.mu.Lock()
		fns := make([]func(*a2a.AgentCard), 0, len(s.agentRoutes))
		for _, fn := range s.agentRoutes {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(frame.Card)
		}

	case framePing:
		_ = s.write(context.Background(), &socketFrame{Type: framePong})
	}
}

// reconnect dials with exponential backoff until it succeeds or the socket
// is closed, then replays every task subscription.
func (s *updateSocket) reconnect(ctx context.Context) bool {
	s.setState(socketReconnecting)

	delay := socketMinBackoff
	for {
		select {
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
			HTTPHeader: s.header,
		})
		if err == nil {
			s.mu.Lock()
			if s.state == socketClosed {
				s.mu.Unlock()
				conn.Close(websocket.StatusNormalClosure, "client shutdown")
				return false
			}
			s.conn = conn
			s.state = socketConnected
			taskIDs := make([]string, 0, len(s.taskRoutes))
			for id := range s.taskRoutes {
				taskIDs = append(taskIDs, id)
			}
			s.mu.Unlock()

			s.logger.Info("update socket reconnected", "resubscribed_tasks", len(taskIDs))
			for _, id := range taskIDs {
				if err := s.write(ctx, &socketFrame{Type: frameSubscribe, TaskID: id}); err != nil {
					s.logger.Warn("resubscribe failed", "task_id", id, "error", err)
				}
			}
			return true
		}

		s.logger.Debug("update socket reconnect attempt failed", "error", err, "next_delay", delay)
		delay = time.Duration(float64(delay) * socketBackoffMul)
		if delay > socketMaxBackoff {
			delay = socketMaxBackoff
		}
	}
}
