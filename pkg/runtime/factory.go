package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/registry"
)

// Constructor builds a runtime from a validated config.
type Constructor func(cfg Config) (Runtime, error)

// Factory maps protocol tags to runtime constructors and detects which
// protocol an endpoint speaks. Factories are plain values: construct one
// per composition root and pass it down, there is no package-level
// instance.
type Factory struct {
	ctors  *registry.BaseRegistry[Constructor]
	probe  *http.Client
	logger *slog.Logger
}

// NewFactory creates a factory with the built-in protocols registered.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		ctors:  registry.NewBaseRegistry[Constructor](),
		probe:  &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	f.ctors.Put(string(a2a.ProtocolA2A), func(cfg Config) (Runtime, error) { return NewA2A(cfg) })
	f.ctors.Put(string(a2a.ProtocolAgentArea), func(cfg Config) (Runtime, error) { return NewAgentArea(cfg) })
	return f
}

// RegisterProtocol adds or replaces the constructor for a protocol tag.
func (f *Factory) RegisterProtocol(proto a2a.Protocol, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("runtime: constructor cannot be nil")
	}
	f.ctors.Put(string(proto), ctor)
	return nil
}

// Protocols returns the registered protocol tags.
func (f *Factory) Protocols() []string {
	return f.ctors.Names()
}

// Create builds a runtime for the given protocol.
func (f *Factory) Create(proto a2a.Protocol, cfg Config) (Runtime, error) {
	ctor, ok := f.ctors.Get(string(proto))
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownProtocol, proto, strings.Join(f.Protocols(), ", "))
	}
	return ctor(cfg)
}

// CreateDetected detects the endpoint's protocol and builds the matching
// runtime.
func (f *Factory) CreateDetected(ctx context.Context, cfg Config) (Runtime, error) {
	proto, err := f.DetectProtocol(ctx, cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	return f.Create(proto, cfg)
}

// DetectProtocol probes the endpoint to find out which protocol it speaks:
// first {endpoint}/agent-card for an A2A card shape, then {endpoint}/health
// for an AgentArea service banner. Detection failure is an explicit error,
// never a silent default.
func (f *Factory) DetectProtocol(ctx context.Context, endpoint string) (a2a.Protocol, error) {
	base := strings.TrimRight(httpEndpoint(endpoint), "/")

	if doc, err := f.probeJSON(ctx, base+"/agent-card"); err == nil {
		if looksLikeAgentCard(doc) {
			return a2a.ProtocolA2A, nil
		}
	} else {
		f.logger.Debug("agent-card probe failed", "endpoint", endpoint, "error", err)
	}

	if doc, err := f.probeJSON(ctx, base+"/health"); err == nil {
		if service, ok := doc["service"].(string); ok && strings.Contains(strings.ToLower(service), "agentarea") {
			return a2a.ProtocolAgentArea, nil
		}
	} else {
		f.logger.Debug("health probe failed", "endpoint", endpoint, "error", err)
	}

	return "", fmt.Errorf("runtime: could not detect protocol at %s: endpoint answered neither an agent card nor an agentarea health banner", endpoint)
}

func (f *Factory) probeJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.probe.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// looksLikeAgentCard checks for the minimal A2A card signature: a name, a
// description and a capability list under any of its historical keys.
func looksLikeAgentCard(doc map[string]any) bool {
	if _, ok := doc["name"].(string); !ok {
		return false
	}
	if _, ok := doc["description"].(string); !ok {
		return false
	}
	for _, key := range []string{"capabilities", "skills", "functions"} {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}
