package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarea/agentlink/pkg/a2a"
)

func TestFactory_Create(t *testing.T) {
	f := NewFactory(nil)

	rt, err := f.Create(a2a.ProtocolA2A, Config{Endpoint: "http://agent.example"})
	require.NoError(t, err)
	assert.Equal(t, a2a.ProtocolA2A, rt.ProtocolType())

	rt, err = f.Create(a2a.ProtocolAgentArea, Config{Endpoint: "http://agent.example"})
	require.NoError(t, err)
	assert.Equal(t, a2a.ProtocolAgentArea, rt.ProtocolType())
}

func TestFactory_Create_UnknownProtocol(t *testing.T) {
	f := NewFactory(nil)

	_, err := f.Create("telepathy", Config{Endpoint: "http://agent.example"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProtocol)
	assert.Contains(t, err.Error(), "a2a", "the error names the registered protocols")
}

func TestFactory_RegisterProtocol(t *testing.T) {
	f := NewFactory(nil)
	assert.Error(t, f.RegisterProtocol("custom", nil))

	require.NoError(t, f.RegisterProtocol("custom", func(cfg Config) (Runtime, error) {
		return &fakeRuntime{proto: "custom"}, nil
	}))
	assert.Contains(t, f.Protocols(), "custom")

	rt, err := f.Create("custom", Config{Endpoint: "http://agent.example"})
	require.NoError(t, err)
	assert.Equal(t, a2a.Protocol("custom"), rt.ProtocolType())
}

func TestFactory_DetectProtocol(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    a2a.Protocol
		wantErr bool
	}{
		{
			name: "a2a agent card",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/agent-card" {
					fmt.Fprint(w, `{"name":"x","description":"y","capabilities":[]}`)
					return
				}
				http.NotFound(w, r)
			},
			want: a2a.ProtocolA2A,
		},
		{
			name: "a2a card with skills key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/agent-card" {
					fmt.Fprint(w, `{"name":"x","description":"y","skills":[{"name":"s"}]}`)
					return
				}
				http.NotFound(w, r)
			},
			want: a2a.ProtocolA2A,
		},
		{
			name: "agentarea health banner",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					fmt.Fprint(w, `{"status":"ok","service":"AgentArea Task Service"}`)
					return
				}
				http.NotFound(w, r)
			},
			want: a2a.ProtocolAgentArea,
		},
		{
			name: "card shape beats health banner",
			handler: func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/agent-card":
					fmt.Fprint(w, `{"name":"x","description":"y","capabilities":[]}`)
				case "/health":
					fmt.Fprint(w, `{"service":"agentarea"}`)
				default:
					http.NotFound(w, r)
				}
			},
			want: a2a.ProtocolA2A,
		},
		{
			name: "incomplete card is not a2a",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/agent-card" {
					fmt.Fprint(w, `{"name":"x"}`)
					return
				}
				http.NotFound(w, r)
			},
			wantErr: true,
		},
		{
			name: "plain health endpoint is not agentarea",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					fmt.Fprint(w, `{"status":"ok"}`)
					return
				}
				http.NotFound(w, r)
			},
			wantErr: true,
		},
		{
			name:    "nothing answers",
			handler: http.NotFound,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			f := NewFactory(nil)
			proto, err := f.DetectProtocol(context.Background(), server.URL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, proto)
		})
	}
}

func TestFactory_CreateDetected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/agent-card" {
			fmt.Fprint(w, `{"name":"x","description":"y","capabilities":[]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	f := NewFactory(nil)
	rt, err := f.CreateDetected(context.Background(), Config{Endpoint: server.URL})
	require.NoError(t, err)
	assert.Equal(t, a2a.ProtocolA2A, rt.ProtocolType())
}
