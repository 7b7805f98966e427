package runtime

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/agentarea/agentlink/pkg/resolver"
	"github.com/agentarea/agentlink/pkg/transport"
)

// Defaults applied by Config.normalize.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultRetries          = 3
	DefaultPollInterval     = 5 * time.Second
	DefaultCardPollInterval = 30 * time.Second
	DefaultBatchSize        = 10
)

// TransportConfig selects and configures the wire transport of a runtime.
type TransportConfig struct {
	// Kind selects jsonrpc or rest. Empty means jsonrpc.
	Kind transport.Kind `json:"type" yaml:"type"`

	// Headers are added to every transport request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// EndpointMapping routes method names for the REST transport.
	EndpointMapping map[string]transport.EndpointMapping `json:"endpointMapping,omitempty" yaml:"endpoint_mapping,omitempty"`
}

// Config is the immutable configuration of one runtime instance. Anything
// left zero is filled with a default; anything invalid fails construction.
type Config struct {
	// Endpoint is the agent base URL (http, https, ws or wss).
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AgentID names the remote agent on connections and events.
	AgentID string `json:"agentId,omitempty" yaml:"agent_id,omitempty"`

	// Auth describes how requests are authenticated.
	Auth transport.AuthConfig `json:"authentication,omitempty" yaml:"authentication,omitempty"`

	// Timeout bounds each transport call.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries bounds transport-level retry attempts.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Transport selects the wire encoding.
	Transport TransportConfig `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Resolver overrides agent-card discovery. Nil means the default
	// well-known chain.
	Resolver resolver.Resolver `json:"-" yaml:"-"`

	// PollInterval paces task-status polling subscriptions.
	PollInterval time.Duration `json:"pollInterval,omitempty" yaml:"poll_interval,omitempty"`

	// CardPollInterval paces agent-card freshness polling.
	CardPollInterval time.Duration `json:"cardPollInterval,omitempty" yaml:"card_poll_interval,omitempty"`

	// BatchSize chunks batch task submission.
	BatchSize int `json:"batchSize,omitempty" yaml:"batch_size,omitempty"`

	// Streaming enables the persistent update socket where the protocol
	// offers one.
	Streaming bool `json:"streaming,omitempty" yaml:"streaming,omitempty"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// Validate checks the config without mutating it.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return &ConfigError{Field: "endpoint", Reason: "is required"}
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("unparseable: %v", err)}
	}
	if !allowedSchemes[u.Scheme] {
		return &ConfigError{Field: "endpoint", Reason: fmt.Sprintf("scheme %q not supported (want http, https, ws or wss)", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigError{Field: "endpoint", Reason: "missing host"}
	}
	if err := c.Auth.Validate(); err != nil {
		return &ConfigError{Field: "authentication", Reason: err.Error()}
	}
	if c.Timeout < 0 {
		return &ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	if c.Retries < 0 {
		return &ConfigError{Field: "retries", Reason: "must not be negative"}
	}
	switch c.Transport.Kind {
	case "", transport.KindJSONRPC, transport.KindREST:
	default:
		return &ConfigError{Field: "transport.type", Reason: fmt.Sprintf("unknown transport %q", c.Transport.Kind)}
	}
	return nil
}

// normalize fills defaults in a copy of the config.
func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CardPollInterval <= 0 {
		c.CardPollInterval = DefaultCardPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = transport.KindJSONRPC
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// transportConfig builds the transport-layer config for this runtime.
func (c *Config) transportConfig() transport.Config {
	return transport.Config{
		Endpoint:        httpEndpoint(c.Endpoint),
		Auth:            c.Auth,
		Timeout:         c.Timeout,
		Headers:         c.Transport.Headers,
		EndpointMapping: c.Transport.EndpointMapping,
	}
}

// httpEndpoint rewrites ws/wss endpoints to their http/https origin for
// plain request traffic.
func httpEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}
