package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/resolver"
)

// rpcTestServer is a JSON-RPC endpoint backed by per-method handlers. It
// records every call so tests can assert on wire traffic.
type rpcTestServer struct {
	*httptest.Server
	handlers map[string]func(params json.RawMessage) (any, error)

	mu    sync.Mutex
	calls []string
}

func newRPCServer(t *testing.T, handlers map[string]func(params json.RawMessage) (any, error)) *rpcTestServer {
	t.Helper()
	s := &rpcTestServer{handlers: handlers}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls = append(s.calls, env.Method)
		s.mu.Unlock()

		h, ok := s.handlers[env.Method]
		if !ok {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, env.ID)
			return
		}
		result, err := h(env.Params)
		if err != nil {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":%q}}`, env.ID, err.Error())
			return
		}
		data, merr := json.Marshal(result)
		require.NoError(t, merr)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, env.ID, data)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *rpcTestServer) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.calls {
		if m == method {
			n++
		}
	}
	return n
}

func taskResult(id string, state a2a.TaskState) map[string]any {
	return map[string]any{
		"id":     id,
		"status": map[string]any{"state": string(state)},
	}
}

func newConnectedA2A(t *testing.T, server *rpcTestServer, card a2a.AgentCard) *A2ARuntime {
	t.Helper()
	if card.Name == "" {
		card.Name = "test-agent"
	}
	rt, err := NewA2A(Config{
		Endpoint:     server.URL,
		Resolver:     resolver.NewStatic(card),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = rt.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.DisconnectAll(context.Background()) })
	return rt
}

func TestA2A_Connect(t *testing.T) {
	server := newRPCServer(t, nil)
	rt := newConnectedA2A(t, server, a2a.AgentCard{
		Name:     "echo-agent",
		Version:  "2.0.0",
		Features: a2a.CardFeatures{Streaming: true},
	})

	conns := rt.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, StatusConnected, conns[0].Status)
	assert.Equal(t, "echo-agent", conns[0].AgentID)
	assert.Equal(t, "2.0.0", conns[0].Metadata["agent_version"])

	require.NotNil(t, rt.AgentCard())
	assert.True(t, rt.SupportsStreaming())
	assert.Equal(t, a2a.ProtocolA2A, rt.ProtocolType())
}

func TestA2A_Connect_ResolverFailure(t *testing.T) {
	server := newRPCServer(t, nil)

	rt, err := NewA2A(Config{
		Endpoint: server.URL,
		Resolver: resolver.Func(func(ctx context.Context, agentURL string) (*a2a.AgentCard, error) {
			return nil, errors.New("card unreachable")
		}),
	})
	require.NoError(t, err)

	events := make(chan Event, 4)
	require.NoError(t, rt.AddEventListener("test", func(ev Event) { events <- ev }))

	_, err = rt.Connect(context.Background())
	require.Error(t, err)

	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Empty(t, rt.Connections(), "failed connection must be discarded")
	assert.Equal(t, EventConnectionError, waitForEvent(t, events).Type)
}

func TestA2A_SubmitTask_NotConnected(t *testing.T) {
	server := newRPCServer(t, nil)
	rt, err := NewA2A(Config{Endpoint: server.URL, Resolver: resolver.NewStatic(a2a.AgentCard{Name: "a"})})
	require.NoError(t, err)

	_, err = rt.SubmitTask(context.Background(), &a2a.TaskInput{Message: a2a.NewUserMessage("hi")})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestA2A_SubmitTask(t *testing.T) {
	var gotParams a2a.SendParams
	server := newRPCServer(t, map[string]func(json.RawMessage) (any, error){
		a2a.MethodMessageSend: func(params json.RawMessage) (any, error) {
			if err := json.Unmarshal(params, &gotParams); err != nil {
				return nil, err
			}
			return taskResult("task-1", a2a.TaskStateSubmitted), nil
		},
	})
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	events := make(chan Event, 4)
	require.NoError(t, rt.AddEventListener("test", func(ev Event) {
		if ev.Type == EventTaskSubmitted {
			events <- ev
		}
	}))

	task, err := rt.SubmitTask(context.Background(), &a2a.TaskInput{
		Message: a2a.NewUserMessage("summarize this"),
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, a2a.TaskStateSubmitted, task.Status.State)
	assert.False(t, task.Status.Timestamp.IsZero())
	assert.Equal(t, "summarize this", a2a.ExtractText(gotParams.Message))

	ev := waitForEvent(t, events)
	assert.Equal(t, "task-1", ev.TaskID)
}

func TestA2A_SubmitTask_RemoteError(t *testing.T) {
	server := newRPCServer(t, map[string]func(json.RawMessage) (any, error){
		a2a.MethodMessageSend: func(json.RawMessage) (any, error) {
			return nil, errors.New("agent overloaded")
		},
	})
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	_, err := rt.SubmitTask(context.Background(), &a2a.TaskInput{Message: a2a.NewUserMessage("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent overloaded")
}

func TestA2A_GetTask(t *testing.T) {
	server := newRPCServer(t, map[string]func(json.RawMessage) (any, error){
		a2a.MethodTaskGet: func(params json.RawMessage) (any, error) {
			var q a2a.QueryParams
			if err := json.Unmarshal(params, &q); err != nil {
				return nil, err
			}
			return taskResult(q.TaskID, a2a.TaskStateWorking), nil
		},
	})
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	task, err := rt.GetTask(context.Background(), "task-9")
	require.NoError(t, err)
	assert.Equal(t, "task-9", task.ID)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)

	_, err = rt.GetTask(context.Background(), "")
	assert.Error(t, err)
}

func TestA2A_GetTask_MissingID(t *testing.T) {
	server := newRPCServer(t, map[string]func(json.RawMessage) (any, error){
		a2a.MethodTaskGet: func(json.RawMessage) (any, error) {
			return map[string]any{"status": map[string]any{"state": "working"}}, nil
		},
	})
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	_, err := rt.GetTask(context.Background(), "task-1")
	require.Error(t, err)

	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestA2A_CancelTask(t *testing.T) {
	var gotReason a2a.CancelParams
	server := newRPCServer(t, map[string]func(json.RawMessage) (any, error){
		a2a.MethodTaskCancel: func(params json.RawMessage) (any, error) {
			if err := json.Unmarshal(params, &gotReason); err != nil {
				return nil, err
			}
			return map[string]any{"canceled": true}, nil
		},
	})
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	require.NoError(t, rt.CancelTask(context.Background(), "task-3"))
	assert.Equal(t, "task-3", gotReason.TaskID)

	assert.Error(t, rt.CancelTask(context.Background(), ""))
}

func TestA2A_SubscribeTask_PollsToTerminal(t *testing.T) {
	var polls int
	var pollMu sync.Mutex
	server := newRPCServer(t, map[string]func(json.RawMessage) (any, error){
		a2a.MethodTaskGet: func(json.RawMessage) (any, error) {
			pollMu.Lock()
			polls++
			n := polls
			pollMu.Unlock()
			if n < 3 {
				return taskResult("task-1", a2a.TaskStateWorking), nil
			}
			return taskResult("task-1", a2a.TaskStateCompleted), nil
		},
	})
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	updates := make(chan *a2a.TaskUpdate, 8)
	sub, err := rt.SubscribeTask("task-1", func(u *a2a.TaskUpdate) { updates <- u })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := <-updates
	assert.Equal(t, a2a.TaskStateWorking, first.Status.State)
	assert.Equal(t, a2a.UpdateKindStatus, first.Kind)

	second := <-updates
	assert.Equal(t, a2a.TaskStateCompleted, second.Status.State)

	// The poll loop stops at the terminal state.
	time.Sleep(50 * time.Millisecond)
	pollMu.Lock()
	settled := polls
	pollMu.Unlock()
	time.Sleep(50 * time.Millisecond)
	pollMu.Lock()
	assert.Equal(t, settled, polls, "polling must stop after a terminal state")
	pollMu.Unlock()
}

func TestA2A_SubscribeTask_Validation(t *testing.T) {
	server := newRPCServer(t, nil)
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	_, err := rt.SubscribeTask("", func(*a2a.TaskUpdate) {})
	assert.Error(t, err)
	_, err = rt.SubscribeTask("task-1", nil)
	assert.Error(t, err)
}

func TestA2A_StreamTask_RequiresStreaming(t *testing.T) {
	server := newRPCServer(t, nil)
	rt := newConnectedA2A(t, server, a2a.AgentCard{}) // no streaming feature

	_, err := rt.StreamTask(context.Background(), &a2a.TaskInput{Message: a2a.NewUserMessage("hi")})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestA2A_StreamTask_SSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		require.Equal(t, a2a.MethodMessageStream, env.Method)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, state := range []a2a.TaskState{a2a.TaskStateWorking, a2a.TaskStateCompleted} {
			fmt.Fprintf(w, "data: {\"kind\":\"task-status-update\",\"taskId\":\"task-1\",\"status\":{\"state\":%q}}\n\n", state)
			flusher.Flush()
		}
	}))
	defer server.Close()

	rt, err := NewA2A(Config{
		Endpoint: server.URL,
		Resolver: resolver.NewStatic(a2a.AgentCard{
			Name:     "streamer",
			Features: a2a.CardFeatures{Streaming: true},
		}),
	})
	require.NoError(t, err)
	_, err = rt.Connect(context.Background())
	require.NoError(t, err)

	stream, err := rt.StreamTask(context.Background(), &a2a.TaskInput{Message: a2a.NewUserMessage("go")})
	require.NoError(t, err)
	defer stream.Close()

	var states []a2a.TaskState
	for resp := range stream.Recv() {
		var update a2a.TaskUpdate
		require.NoError(t, resp.Decode(&update))
		states = append(states, update.Status.State)
	}
	assert.Equal(t, []a2a.TaskState{a2a.TaskStateWorking, a2a.TaskStateCompleted}, states)
}

func TestA2A_Disconnect(t *testing.T) {
	server := newRPCServer(t, nil)
	rt := newConnectedA2A(t, server, a2a.AgentCard{})

	conns := rt.Connections()
	require.Len(t, conns, 1)

	require.NoError(t, rt.Disconnect(context.Background(), conns[0].ID))
	assert.Empty(t, rt.Connections())

	assert.Error(t, rt.Disconnect(context.Background(), "conn-unknown"))
}
