package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRPC_Request_Envelope(t *testing.T) {
	var got rpcRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, got.ID)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	resp, err := tr.Request(context.Background(), &Request{
		Method: "message.send",
		Params: map[string]any{"text": "hello"},
	})
	require.NoError(t, err)

	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "message.send", got.Method)
	assert.Equal(t, int64(1), got.ID)
	assert.True(t, resp.OK)

	var out map[string]bool
	require.NoError(t, resp.Decode(&out))
	assert.True(t, out["ok"])
}

func TestJSONRPC_Request_MonotonicIDs(t *testing.T) {
	var ids []int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ids = append(ids, req.ID)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":null}`, req.ID)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := tr.Request(context.Background(), &Request{Method: "task.get"})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestJSONRPC_Request_RPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	resp, err := tr.Request(context.Background(), &Request{Method: "nope"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Err)
	assert.Equal(t, CodeRPCError, resp.Err.Code)
	assert.Equal(t, "method not found", resp.Err.Message)
}

func TestJSONRPC_Request_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	resp, err := tr.Request(context.Background(), &Request{Method: "task.get"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, CodeHTTPError, resp.Err.Code)
	assert.Equal(t, http.StatusForbidden, resp.Err.Detail)
}

func TestJSONRPC_Request_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	resp, err := tr.Request(context.Background(), &Request{
		Method:  "task.get",
		Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, CodeTimeout, resp.Err.Code)
	assert.True(t, resp.Err.Timeout())
}

func TestJSONRPC_Request_AuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		auth   AuthConfig
		header string
		want   string
	}{
		{
			name:   "bearer",
			auth:   AuthConfig{Type: AuthBearer, Token: "secret"},
			header: "Authorization",
			want:   "Bearer secret",
		},
		{
			name:   "api key default header",
			auth:   AuthConfig{Type: AuthAPIKey, APIKey: "k-123"},
			header: "X-API-Key",
			want:   "k-123",
		},
		{
			name:   "api key custom header",
			auth:   AuthConfig{Type: AuthAPIKey, APIKey: "k-123", APIKeyHeader: "X-Custom"},
			header: "X-Custom",
			want:   "k-123",
		},
		{
			name:   "basic",
			auth:   AuthConfig{Type: AuthBasic, Username: "u", Password: "p"},
			header: "Authorization",
			want:   "Basic dTpw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
				fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
			}))
			defer server.Close()

			tr, err := NewJSONRPC(Config{Endpoint: server.URL, Auth: tt.auth}, nil)
			require.NoError(t, err)

			_, err = tr.Request(context.Background(), &Request{Method: "task.get"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONRPC_Request_HeaderPrecedence(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Trace")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{
		Endpoint: server.URL,
		Headers:  map[string]string{"X-Trace": "from-config"},
	}, nil)
	require.NoError(t, err)

	_, err = tr.Request(context.Background(), &Request{
		Method:  "task.get",
		Headers: map[string]string{"X-Trace": "from-request"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-request", got)
}

func TestJSONRPC_Request_NilRequest(t *testing.T) {
	tr, err := NewJSONRPC(Config{Endpoint: "http://localhost:1"}, nil)
	require.NoError(t, err)

	_, err = tr.Request(context.Background(), nil)
	assert.Error(t, err)

	_, err = tr.Request(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestJSONRPC_Batch_MatchesByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelopes []rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelopes))
		require.Len(t, envelopes, 2)

		// Answer out of order; the transport must realign by id.
		fmt.Fprintf(w, `[
			{"jsonrpc":"2.0","id":%d,"result":{"pos":"second"}},
			{"jsonrpc":"2.0","id":%d,"result":{"pos":"first"}}
		]`, envelopes[1].ID, envelopes[0].ID)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	out, err := tr.Batch(context.Background(), []*Request{
		{Method: "task.get", Params: map[string]string{"id": "a"}},
		{Method: "task.get", Params: map[string]string{"id": "b"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	var first, second map[string]string
	require.NoError(t, out[0].Decode(&first))
	require.NoError(t, out[1].Decode(&second))
	assert.Equal(t, "first", first["pos"])
	assert.Equal(t, "second", second["pos"])
}

func TestJSONRPC_Batch_MixedResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelopes []rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelopes))
		fmt.Fprintf(w, `[
			{"jsonrpc":"2.0","id":%d,"result":{"ok":true}},
			{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"boom"}}
		]`, envelopes[0].ID, envelopes[1].ID)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	out, err := tr.Batch(context.Background(), []*Request{
		{Method: "task.get"},
		{Method: "task.cancel"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].OK)
	assert.False(t, out[1].OK)
	assert.Equal(t, CodeRPCError, out[1].Err.Code)
}

func TestJSONRPC_Batch_WholeBatchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad batch", http.StatusBadRequest)
	}))
	defer server.Close()

	tr, err := NewJSONRPC(Config{Endpoint: server.URL}, nil)
	require.NoError(t, err)

	out, err := tr.Batch(context.Background(), []*Request{
		{Method: "task.get"},
		{Method: "task.get"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, resp := range out {
		assert.False(t, resp.OK)
		assert.Equal(t, CodeHTTPError, resp.Err.Code)
	}
}

func TestJSONRPC_Batch_Empty(t *testing.T) {
	tr, err := NewJSONRPC(Config{Endpoint: "http://localhost:1"}, nil)
	require.NoError(t, err)

	out, err := tr.Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJSONRPC_Stream_Unsupported(t *testing.T) {
	tr, err := NewJSONRPC(Config{Endpoint: "http://localhost:1"}, nil)
	require.NoError(t, err)

	_, err = tr.Stream(context.Background(), &Request{Method: "message.stream"})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New("carrier-pigeon", Config{Endpoint: "http://localhost:1"}, nil)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewJSONRPC(Config{}, nil)
	assert.Error(t, err)

	_, err = NewJSONRPC(Config{
		Endpoint: "http://localhost:1",
		Auth:     AuthConfig{Type: AuthBearer},
	}, nil)
	assert.Error(t, err)
}
