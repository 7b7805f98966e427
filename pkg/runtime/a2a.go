package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/resolver"
	"github.com/agentarea/agentlink/pkg/transport"
)

// ============================================================================
// A2A RUNTIME
// Client for agents speaking the open A2A protocol. Discovery goes through
// an agent-card resolver; task traffic uses the fixed method vocabulary
// message.send / task.get / task.cancel. The protocol has no push channel,
// so subscriptions poll; streaming uses SSE when the card advertises it.
// ============================================================================

// A2ARuntime is the A2A protocol client.
type A2ARuntime struct {
	*base
	res resolver.Resolver

	cardMu sync.RWMutex
	card   *a2a.AgentCard
}

// NewA2A constructs an A2A runtime. Invalid config fails immediately.
func NewA2A(cfg Config) (*A2ARuntime, error) {
	r := &A2ARuntime{}

	b, err := newBase(a2a.ProtocolA2A, cfg, r)
	if err != nil {
		return nil, err
	}
	r.base = b

	r.res = b.cfg.Resolver
	if r.res == nil {
		r.res = resolver.Default(resolver.Config{
			Timeout: b.cfg.Timeout,
			Logger:  b.logger,
		})
	}
	return r, nil
}

var _ Runtime = (*A2ARuntime)(nil)

// dial resolves the agent card and records it on the connection.
func (r *A2ARuntime) dial(ctx context.Context, conn *Connection) error {
	card, err := r.res.Resolve(ctx, r.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("resolve agent card: %w", err)
	}

	r.cardMu.Lock()
	r.card = card
	r.cardMu.Unlock()

	conn.AgentID = card.Name
	conn.Metadata["agent_name"] = card.Name
	conn.Metadata["agent_version"] = card.Version
	conn.Metadata["streaming"] = card.Features.Streaming
	return nil
}

func (r *A2ARuntime) hangup(ctx context.Context, conn *Connection) error {
	return nil
}

// AgentCard returns the card resolved at connect time, or nil before any
// successful connect.
func (r *A2ARuntime) AgentCard() *a2a.AgentCard {
	r.cardMu.RLock()
	defer r.cardMu.RUnlock()
	return r.card
}

func (r *A2ARuntime) SupportsStreaming() bool {
	if card := r.AgentCard(); card != nil {
		return card.Features.Streaming
	}
	return false
}

func (r *A2ARuntime) SupportsPushNotifications() bool {
	if card := r.AgentCard(); card != nil {
		return card.Features.PushNotifications
	}
	return false
}

// ============================================================================
// TASK OPERATIONS
// ============================================================================

// SubmitTask sends the task input via message.send.
func (r *A2ARuntime) SubmitTask(ctx context.Context, input *a2a.TaskInput) (*a2a.Task, error) {
	if input == nil {
		return nil, fmt.Errorf("runtime: task input is required")
	}
	if !r.connected() {
		return nil, opError("submit task", ErrNotConnected)
	}

	resp, err := r.tp.Request(ctx, &transport.Request{
		Method: a2a.MethodMessageSend,
		Params: &a2a.SendParams{
			Message:  input.Message,
			TaskID:   input.TaskID,
			Metadata: input.Metadata,
		},
	})
	if err != nil {
		return nil, opError("submit task", err)
	}

	task, err := decodeTask(resp, "submit task")
	if err != nil {
		return nil, err
	}
	r.touch()

	r.bus.Emit(Event{
		Type:     EventTaskSubmitted,
		Protocol: r.proto,
		TaskID:   task.ID,
		Payload:  task,
	})
	return task, nil
}

// GetTask fetches the current task state via task.get.
func (r *A2ARuntime) GetTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("runtime: task id is required")
	}

	resp, err := r.tp.Request(ctx, &transport.Request{
		Method: a2a.MethodTaskGet,
		Params: &a2a.QueryParams{TaskID: taskID},
	})
	if err != nil {
		return nil, opError("get task", err)
	}
	task, err := decodeTask(resp, "get task")
	if err != nil {
		return nil, err
	}
	r.touch()
	return task, nil
}

// CancelTask requests cancellation via task.cancel.
func (r *A2ARuntime) CancelTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("runtime: task id is required")
	}

	resp, err := r.tp.Request(ctx, &transport.Request{
		Method: a2a.MethodTaskCancel,
		Params: &a2a.CancelParams{TaskID: taskID},
	})
	if err != nil {
		return opError("cancel task", err)
	}
	if !resp.OK {
		return opError("cancel task", resp.Err)
	}
	r.touch()
	return nil
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

// SubscribeTask polls the task until it reaches a terminal state or the
// subscription is cancelled.
func (r *A2ARuntime) SubscribeTask(taskID string, fn func(*a2a.TaskUpdate)) (*Subscription, error) {
	if taskID == "" {
		return nil, fmt.Errorf("runtime: task id is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("runtime: update callback is required")
	}

	sub, ctx := r.newSubscription("task")
	go r.pollTask(ctx, taskID, r.cfg.PollInterval, r.GetTask, fn)
	return sub, nil
}

// SubscribeAgent polls the agent card and reports changes.
func (r *A2ARuntime) SubscribeAgent(fn func(*a2a.AgentCard)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("runtime: update callback is required")
	}

	sub, ctx := r.newSubscription("agent")
	go r.pollCard(ctx, r.cfg.CardPollInterval, r.refreshCard, func(card *a2a.AgentCard) {
		r.cardMu.Lock()
		r.card = card
		r.cardMu.Unlock()
		fn(card)
	})
	return sub, nil
}

// refreshCard re-resolves the card, bypassing any resolver cache.
func (r *A2ARuntime) refreshCard(ctx context.Context) (*a2a.AgentCard, error) {
	if c, ok := r.res.(interface{ ClearCache() }); ok {
		c.ClearCache()
	}
	return r.res.Resolve(ctx, r.cfg.Endpoint)
}

// ============================================================================
// STREAMING
// Task updates arrive as server-sent events on message.stream. Available
// only when the agent card advertises streaming.
// ============================================================================

// StreamTask submits the task and streams its updates over SSE.
func (r *A2ARuntime) StreamTask(ctx context.Context, input *a2a.TaskInput) (*transport.Stream, error) {
	if input == nil {
		return nil, fmt.Errorf("runtime: task input is required")
	}
	if !r.connected() {
		return nil, opError("stream task", ErrNotConnected)
	}
	if !r.SupportsStreaming() {
		return nil, opError("stream task", ErrStreamingUnsupported)
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  a2a.MethodMessageStream,
		"params": &a2a.SendParams{
			Message:  input.Message,
			TaskID:   input.TaskID,
			Metadata: input.Metadata,
		},
		"id": 1,
	})
	if err != nil {
		return nil, opError("stream task", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpEndpoint(r.cfg.Endpoint), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, opError("stream task", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	r.cfg.Auth.Apply(req.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, opError("stream task", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, opError("stream task", fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	stream, send := transport.NewStream(cancel, 16)
	go r.readSSE(ctx, resp, send)
	return stream, nil
}

// readSSE parses the event stream and forwards each data payload as a
// Response. The channel is closed when the remote ends the stream or the
// context is cancelled.
func (r *A2ARuntime) readSSE(ctx context.Context, resp *http.Response, send chan<- *transport.Response) {
	defer close(send)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			out := &transport.Response{OK: true, Data: json.RawMessage(data)}
			data = ""
			select {
			case send <- out:
			case <-ctx.Done():
				return
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		r.logger.Debug("task stream ended", "error", err)
	}
}

// DelegateSubTask fans the sub-tasks out per the delegation options.
func (r *A2ARuntime) DelegateSubTask(ctx context.Context, parentTaskID string, subTasks []SubTaskSpec, opts DelegationOptions) (*Delegation, error) {
	return runDelegation(ctx, r, r.base, parentTaskID, subTasks, opts)
}

// decodeTask turns a transport response into a Task, escalating wire
// failures to errors at this boundary.
func decodeTask(resp *transport.Response, op string) (*a2a.Task, error) {
	if !resp.OK {
		return nil, opError(op, resp.Err)
	}
	var task a2a.Task
	if err := resp.Decode(&task); err != nil {
		return nil, opError(op, err)
	}
	if task.ID == "" {
		return nil, &ProtocolError{Op: op, Detail: "response task has no id"}
	}
	if task.Status.Timestamp.IsZero() {
		task.Status.Timestamp = time.Now()
	}
	return &task, nil
}
