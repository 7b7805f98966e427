// Package transport implements the wire transports used to reach remote
// agents: JSON-RPC 2.0 and JSON-REST over HTTP. Transports inject auth
// headers, enforce per-request deadlines and translate wire failures into
// structured responses instead of errors, so multi-target operations can
// isolate per-item failures.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentarea/agentlink/pkg/httpclient"
)

// ============================================================================
// TRANSPORT CONTRACT
// ============================================================================

// Kind selects a wire transport implementation.
type Kind string

const (
	KindJSONRPC Kind = "jsonrpc"
	KindREST    Kind = "rest"
)

// DefaultTimeout applies when neither the request nor the config set one.
const DefaultTimeout = 30 * time.Second

// Transport sends requests to a remote agent endpoint. Request and Batch
// return an error only for caller mistakes (nil request, bad params); wire
// and remote failures are reported inside the Response.
type Transport interface {
	Request(ctx context.Context, req *Request) (*Response, error)
	Batch(ctx context.Context, reqs []*Request) ([]*Response, error)

	// Stream opens a server-push sequence of responses. The HTTP transports
	// do not support this and fail with ErrStreamingUnsupported.
	Stream(ctx context.Context, req *Request) (*Stream, error)

	HealthCheck(ctx context.Context) bool

	Configure(cfg Config) error
	Config() Config
}

// Request is one call to the remote agent. Stateless; one per call.
type Request struct {
	Method  string
	Params  any
	Headers map[string]string
	Timeout time.Duration // overrides Config.Timeout when > 0
}

// Response is the structured outcome of one request. OK is false when the
// call failed at any layer; Error then describes the failure.
type Response struct {
	OK   bool
	Data json.RawMessage
	Err  *Error
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if !r.OK {
		return r.Err
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("transport: empty response data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// Error codes attached to failed responses.
const (
	CodeTransportError = "TRANSPORT_ERROR"
	CodeTimeout        = "TRANSPORT_TIMEOUT"
	CodeHTTPError      = "HTTP_ERROR"
	CodeRPCError       = "RPC_ERROR"
	CodeProtocolError  = "PROTOCOL_ERROR"
)

// Error is a structured transport-level failure.
type Error struct {
	Code    string
	Message string
	Detail  any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Timeout reports whether the error was caused by a deadline.
func (e *Error) Timeout() bool {
	return e.Code == CodeTimeout
}

// ErrStreamingUnsupported is returned by Stream on HTTP transports.
var ErrStreamingUnsupported = fmt.Errorf("transport: streaming is not supported by this transport; use a runtime-level subscription instead")

// ============================================================================
// STREAM HANDLE
// A pull-based, cancellable sequence of responses. Producers close the
// channel when the sequence ends; Close is idempotent and releases the
// producer immediately.
// ============================================================================

type Stream struct {
	ch     chan *Response
	cancel context.CancelFunc
	once   sync.Once
}

// NewStream creates a stream handle backed by a buffered channel. The
// returned send function delivers a response unless the stream was closed.
func NewStream(cancel context.CancelFunc, buffer int) (*Stream, chan<- *Response) {
	ch := make(chan *Response, buffer)
	return &Stream{ch: ch, cancel: cancel}, ch
}

// Recv returns the channel of responses. It is closed when the stream ends.
func (s *Stream) Recv() <-chan *Response {
	return s.ch
}

// Close cancels the producer. Safe to call multiple times.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// AuthType enumerates the supported authentication schemes.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api-key"
	AuthBasic  AuthType = "basic"
)

// AuthConfig describes how to authenticate against the agent endpoint.
type AuthConfig struct {
	Type         AuthType `json:"type" yaml:"type"`
	Token        string   `json:"token,omitempty" yaml:"token,omitempty"`
	APIKey       string   `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	APIKeyHeader string   `json:"apiKeyHeader,omitempty" yaml:"api_key_header,omitempty"`
	Username     string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password     string   `json:"password,omitempty" yaml:"password,omitempty"`
}

// Validate checks that the declared auth type carries its required credential.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer authentication requires a token")
		}
	case AuthAPIKey:
		if a.APIKey == "" {
			return fmt.Errorf("api-key authentication requires an apiKey")
		}
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("basic authentication requires username and password")
		}
	default:
		return fmt.Errorf("unsupported authentication type %q", a.Type)
	}
	return nil
}

// Apply sets the auth headers for the configured scheme.
func (a AuthConfig) Apply(header http.Header) {
	switch a.Type {
	case AuthBearer:
		if a.Token != "" {
			header.Set("Authorization", "Bearer "+a.Token)
		}
	case AuthAPIKey:
		name := a.APIKeyHeader
		if name == "" {
			name = "X-API-Key"
		}
		if a.APIKey != "" {
			header.Set(name, a.APIKey)
		}
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		header.Set("Authorization", "Basic "+creds)
	}
}

// Config holds transport configuration. Immutable after construction except
// via Configure.
type Config struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Auth     AuthConfig        `json:"auth" yaml:"auth"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// EndpointMapping resolves method names for the REST transport.
	EndpointMapping map[string]EndpointMapping `json:"endpointMapping,omitempty" yaml:"endpoint_mapping,omitempty"`
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("transport: endpoint is required")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

func (c Config) timeoutFor(req *Request) time.Duration {
	if req != nil && req.Timeout > 0 {
		return req.Timeout
	}
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// New constructs a transport of the given kind.
func New(kind Kind, cfg Config, logger *slog.Logger) (Transport, error) {
	switch kind {
	case KindJSONRPC, "":
		return NewJSONRPC(cfg, logger)
	case KindREST:
		return NewREST(cfg, logger)
	default:
		return nil, fmt.Errorf("transport: unknown transport kind %q", kind)
	}
}

// ============================================================================
// SHARED HTTP PLUMBING
// ============================================================================

type base struct {
	mu     sync.RWMutex
	cfg    Config
	doer   *httpclient.Client
	logger *slog.Logger
}

func newBase(cfg Config, logger *slog.Logger) (*base, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &base{
		cfg:    cfg,
		doer:   httpclient.New(httpclient.WithLogger(logger)),
		logger: logger,
	}, nil
}

func (b *base) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return nil
}

func (b *base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// applyHeaders sets content, auth, config and per-request headers in that
// order, so request headers win.
func (b *base) applyHeaders(httpReq *http.Request, req *Request) {
	cfg := b.Config()

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	cfg.Auth.Apply(httpReq.Header)
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if req != nil {
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
	}
}

// HealthCheck probes {endpoint}/health and treats any 2xx as healthy.
func (b *base) HealthCheck(ctx context.Context) bool {
	cfg := b.Config()

	ctx, cancel := context.WithTimeout(ctx, cfg.timeoutFor(nil))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	b.applyHeaders(httpReq, nil)

	resp, err := b.doer.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// failedResponse builds a failed Response for an HTTP-level error, mapping
// deadline expiry to CodeTimeout.
func failedResponse(ctx context.Context, op string, err error) *Response {
	code := CodeTransportError
	msg := fmt.Sprintf("%s: %v", op, err)
	if ctx.Err() == context.DeadlineExceeded {
		code = CodeTimeout
		msg = fmt.Sprintf("%s: deadline exceeded", op)
	}
	return &Response{OK: false, Err: &Error{Code: code, Message: msg}}
}
