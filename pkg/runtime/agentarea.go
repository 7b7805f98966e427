package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/resolver"
	"github.com/agentarea/agentlink/pkg/transport"
)

// ============================================================================
// AGENTAREA RUNTIME
// Client for the proprietary AgentArea protocol. Connect authenticates via
// auth.validate; task updates arrive over a multiplexed websocket when
// streaming is enabled, with polling as the fallback. The protocol adds
// batch submission plus template, schedule and analytics surfaces.
// ============================================================================

// AgentAreaRuntime is the AgentArea protocol client.
type AgentAreaRuntime struct {
	*base
	res resolver.Resolver

	cardMu sync.RWMutex
	card   *a2a.AgentCard

	sockMu sync.RWMutex
	sock   *updateSocket
}

// NewAgentArea constructs an AgentArea runtime. Invalid config fails
// immediately.
func NewAgentArea(cfg Config) (*AgentAreaRuntime, error) {
	r := &AgentAreaRuntime{}

	b, err := newBase(a2a.ProtocolAgentArea, cfg, r)
	if err != nil {
		return nil, err
	}
	r.base = b

	r.res = b.cfg.Resolver
	if r.res == nil {
		r.res = resolver.NewCustomEndpoint(resolver.Config{
			Timeout: b.cfg.Timeout,
			Logger:  b.logger,
		})
	}
	return r, nil
}

var _ Runtime = (*AgentAreaRuntime)(nil)

// authValidateResult is the auth.validate response shape.
type authValidateResult struct {
	Valid   bool   `json:"valid"`
	AgentID string `json:"agentId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// dial validates credentials, resolves the card if one is published and
// opens the update socket when streaming is enabled.
func (r *AgentAreaRuntime) dial(ctx context.Context, conn *Connection) error {
	resp, err := r.tp.Request(ctx, &transport.Request{Method: a2a.MethodAuthValidate})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("validate credentials: %w", resp.Err)
	}
	var result authValidateResult
	if err := resp.Decode(&result); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "credentials rejected"
		}
		return fmt.Errorf("validate credentials: %s", reason)
	}
	if result.AgentID != "" {
		conn.AgentID = result.AgentID
	}

	// Card publication is optional on AgentArea deployments.
	if card, err := r.res.Resolve(ctx, r.cfg.Endpoint); err == nil {
		r.cardMu.Lock()
		r.card = card
		r.cardMu.Unlock()
		conn.Metadata["agent_name"] = card.Name
	} else {
		r.logger.Debug("no agent card published", "error", err)
	}

	if r.cfg.Streaming {
		if err := r.openSocket(ctx); err != nil {
			// Polling keeps working without the socket.
			r.logger.Warn("update socket unavailable, falling back to polling", "error", err)
		} else {
			conn.Metadata["socket"] = true
		}
	}
	return nil
}

func (r *AgentAreaRuntime) hangup(ctx context.Context, conn *Connection) error {
	r.sockMu.Lock()
	sock := r.sock
	r.sock = nil
	r.sockMu.Unlock()

	if sock != nil {
		return sock.Close()
	}
	return nil
}

func (r *AgentAreaRuntime) openSocket(ctx context.Context) error {
	header := make(http.Header)
	r.cfg.Auth.Apply(header)

	sock := newUpdateSocket(wsEndpoint(r.cfg.Endpoint)+"/ws", header, r.logger)
	if err := sock.Dial(ctx); err != nil {
		return err
	}

	r.sockMu.Lock()
	r.sock = sock
	r.sockMu.Unlock()
	return nil
}

func (r *AgentAreaRuntime) socket() *updateSocket {
	r.sockMu.RLock()
	defer r.sockMu.RUnlock()
	return r.sock
}

func (r *AgentAreaRuntime) SupportsStreaming() bool {
	return r.cfg.Streaming
}

func (r *AgentAreaRuntime) SupportsPushNotifications() bool {
	return r.socket() != nil
}

// AgentCard returns the card resolved at connect time, or nil when the
// deployment publishes none.
func (r *AgentAreaRuntime) AgentCard() *a2a.AgentCard {
	r.cardMu.RLock()
	defer r.cardMu.RUnlock()
	return r.card
}

// ============================================================================
// TASK OPERATIONS
// ============================================================================

// SubmitTask sends the task input via task.submit.
func (r *AgentAreaRuntime) SubmitTask(ctx context.Context, input *a2a.TaskInput) (*a2a.Task, error) {
	if input == nil {
		return nil, fmt.Errorf("runtime: task input is required")
	}
	if !r.connected() {
		return nil, opError("submit task", ErrNotConnected)
	}

	resp, err := r.tp.Request(ctx, &transport.Request{
		Method: a2a.MethodTaskSubmit,
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

func (r *AgentAreaRuntime) GetTask(ctx context.Context, taskID string) (*a2a.Task, error) {
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

func (r *AgentAreaRuntime) CancelTask(ctx context.Context, taskID string) error {
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
// BATCH SUBMISSION
// ============================================================================

// BatchResult is the per-input outcome of a batch submission. Index refers
// to the position in the submitted slice.
type BatchResult struct {
	Index int
	Task  *a2a.Task
	Err   error
}

// SubmitTaskBatch submits inputs in chunks of the configured batch size.
// A failing chunk yields per-task errors for its members; other chunks are
// unaffected.
func (r *AgentAreaRuntime) SubmitTaskBatch(ctx context.Context, inputs []*a2a.TaskInput) ([]BatchResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if !r.connected() {
		return nil, opError("submit task batch", ErrNotConnected)
	}

	results := make([]BatchResult, len(inputs))
	for start := 0; start < len(inputs); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		r.submitChunk(ctx, inputs[start:end], results[start:end], start)
	}
	r.touch()
	return results, nil
}

func (r *AgentAreaRuntime) submitChunk(ctx context.Context, chunk []*a2a.TaskInput, results []BatchResult, offset int) {
	params := &a2a.BatchSubmitParams{Tasks: make([]a2a.SendParams, len(chunk))}
	for i, input := range chunk {
		results[i].Index = offset + i
		params.Tasks[i] = a2a.SendParams{
			Message:  input.Message,
			TaskID:   input.TaskID,
			Metadata: input.Metadata,
		}
	}

	fail := func(err error) {
		for i := range results {
			results[i].Err = opError("submit task batch", err)
		}
	}

	resp, err := r.tp.Request(ctx, &transport.Request{
		Method: a2a.MethodTaskBatch,
		Params: params,
	})
	if err != nil {
		fail(err)
		return
	}
	if !resp.OK {
		fail(resp.Err)
		return
	}

	var tasks []a2a.Task
	if err := resp.Decode(&tasks); err != nil {
		fail(err)
		return
	}
	if len(tasks) != len(chunk) {
		fail(&ProtocolError{Op: "submit task batch",
			Detail: fmt.Sprintf("chunk of %d returned %d tasks", len(chunk), len(tasks))})
		return
	}
	for i := range tasks {
		results[i].Task = &tasks[i]
	}
}

// ============================================================================
// SUBSCRIPTIONS / STREAMING
// ============================================================================

// SubscribeTask routes updates over the socket when one is open, otherwise
// polls the task.
func (r *AgentAreaRuntime) SubscribeTask(taskID string, fn func(*a2a.TaskUpdate)) (*Subscription, error) {
	if taskID == "" {
		return nil, fmt.Errorf("runtime: task id is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("runtime: update callback is required")
	}

	if sock := r.socket(); sock != nil {
		sub, ctx := r.newSubscription("task")
		if err := sock.SubscribeTask(ctx, taskID, nil, fn); err != nil {
			sub.Unsubscribe()
			return nil, opError("subscribe task", err)
		}
		prev := sub.onStop
		sub.onStop = func() {
			_ = sock.UnsubscribeTask(context.Background(), taskID)
			prev()
		}
		return sub, nil
	}

	sub, ctx := r.newSubscription("task")
	go r.pollTask(ctx, taskID, r.cfg.PollInterval, r.GetTask, fn)
	return sub, nil
}

// SubscribeAgent routes card updates over the socket when one is open,
// otherwise polls the card endpoint.
func (r *AgentAreaRuntime) SubscribeAgent(fn func(*a2a.AgentCard)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("runtime: update callback is required")
	}

	if sock := r.socket(); sock != nil {
		sub, _ := r.newSubscription("agent")
		id := sock.SubscribeAgent(fn)
		prev := sub.onStop
		sub.onStop = func() {
			sock.UnsubscribeAgent(id)
			prev()
		}
		return sub, nil
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

func (r *AgentAreaRuntime) refreshCard(ctx context.Context) (*a2a.AgentCard, error) {
	if c, ok := r.res.(interface{ ClearCache() }); ok {
		c.ClearCache()
	}
	return r.res.Resolve(ctx, r.cfg.Endpoint)
}

// StreamTask submits the task and streams its updates over the socket.
func (r *AgentAreaRuntime) StreamTask(ctx context.Context, input *a2a.TaskInput) (*transport.Stream, error) {
	sock := r.socket()
	if sock == nil {
		return nil, opError("stream task", ErrStreamingUnsupported)
	}

	task, err := r.SubmitTask(ctx, input)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	stream, send := transport.NewStream(cancel, 16)

	var mu sync.Mutex
	closed := false
	finish := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true
		_ = sock.UnsubscribeTask(context.Background(), task.ID)
		close(send)
	}

	err = sock.SubscribeTask(ctx, task.ID, nil, func(update *a2a.TaskUpdate) {
		data, merr := json.Marshal(update)
		if merr != nil {
			return
		}

		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		select {
		case send <- &transport.Response{OK: true, Data: data}:
		default:
			r.logger.Warn("task stream consumer lagging, dropping update", "task_id", task.ID)
		}
		mu.Unlock()

		if update.Kind == a2a.UpdateKindStatus && update.Status != nil && update.Status.State.Terminal() {
			finish()
		}
	})
	if err != nil {
		finish()
		return nil, opError("stream task", err)
	}

	go func() {
		<-sctx.Done()
		finish()
	}()
	return stream, nil
}

// DelegateSubTask fans the sub-tasks out per the delegation options.
func (r *AgentAreaRuntime) DelegateSubTask(ctx context.Context, parentTaskID string, subTasks []SubTaskSpec, opts DelegationOptions) (*Delegation, error) {
	return runDelegation(ctx, r, r.base, parentTaskID, subTasks, opts)
}

// ============================================================================
// TEMPLATES / SCHEDULES / ANALYTICS
// Thin calls over the proprietary management surface.
// ============================================================================

// TaskTemplate is a reusable task definition published by the server.
type TaskTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Schedule runs a template on a cron expression.
type Schedule struct {
	ID         string         `json:"id,omitempty"`
	TemplateID string         `json:"templateId"`
	Cron       string         `json:"cron"`
	Input      map[string]any `json:"input,omitempty"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  time.Time      `json:"createdAt,omitempty"`
}

// AnalyticsReport is a window of server-side usage counters.
type AnalyticsReport struct {
	Window  string         `json:"window,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

func (r *AgentAreaRuntime) ListTemplates(ctx context.Context) ([]TaskTemplate, error) {
	var out []TaskTemplate
	if err := r.call(ctx, a2a.MethodTemplateList, nil, &out); err != nil {
		return nil, opError("list templates", err)
	}
	return out, nil
}

func (r *AgentAreaRuntime) GetTemplate(ctx context.Context, id string) (*TaskTemplate, error) {
	var out TaskTemplate
	if err := r.call(ctx, a2a.MethodTemplateGet, map[string]any{"id": id}, &out); err != nil {
		return nil, opError("get template", err)
	}
	return &out, nil
}

func (r *AgentAreaRuntime) CreateSchedule(ctx context.Context, schedule Schedule) (*Schedule, error) {
	var out Schedule
	if err := r.call(ctx, a2a.MethodScheduleCreate, schedule, &out); err != nil {
		return nil, opError("create schedule", err)
	}
	return &out, nil
}

func (r *AgentAreaRuntime) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	if err := r.call(ctx, a2a.MethodScheduleList, nil, &out); err != nil {
		return nil, opError("list schedules", err)
	}
	return out, nil
}

func (r *AgentAreaRuntime) DeleteSchedule(ctx context.Context, id string) error {
	resp, err := r.tp.Request(ctx, &transport.Request{
		Method: a2a.MethodScheduleDelete,
		Params: map[string]any{"id": id},
	})
	if err != nil {
		return opError("delete schedule", err)
	}
	if !resp.OK {
		return opError("delete schedule", resp.Err)
	}
	return nil
}

func (r *AgentAreaRuntime) UsageAnalytics(ctx context.Context, window string) (*AnalyticsReport, error) {
	return r.analytics(ctx, a2a.MethodAnalyticsUsage, window)
}

func (r *AgentAreaRuntime) TaskAnalytics(ctx context.Context, window string) (*AnalyticsReport, error) {
	return r.analytics(ctx, a2a.MethodAnalyticsTasks, window)
}

func (r *AgentAreaRuntime) AgentAnalytics(ctx context.Context, window string) (*AnalyticsReport, error) {
	return r.analytics(ctx, a2a.MethodAnalyticsAgents, window)
}

func (r *AgentAreaRuntime) analytics(ctx context.Context, method, window string) (*AnalyticsReport, error) {
	var params map[string]any
	if window != "" {
		params = map[string]any{"window": window}
	}
	var out AnalyticsReport
	if err := r.call(ctx, method, params, &out); err != nil {
		return nil, opError("fetch analytics", err)
	}
	return &out, nil
}

// call performs one transport request and decodes the result into out.
func (r *AgentAreaRuntime) call(ctx context.Context, method string, params, out any) error {
	resp, err := r.tp.Request(ctx, &transport.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// wsEndpoint rewrites http/https endpoints to their ws/wss counterpart.
func wsEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
