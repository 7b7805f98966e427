// Package resolver discovers agent cards for remote agent endpoints.
//
// A Resolver turns an agent URL into a validated a2a.AgentCard. Concrete
// resolvers cover the well-known discovery path, custom card endpoints,
// static cards for tests, arbitrary caller functions, and ordered fallback
// chains over any of the above.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/httpclient"
)

// DefaultTimeout bounds a single card fetch.
const DefaultTimeout = 10 * time.Second

// Resolver resolves an agent URL to its agent card.
type Resolver interface {
	Resolve(ctx context.Context, agentURL string) (*a2a.AgentCard, error)
}

// TransformFunc converts a raw card document into an AgentCard. Resolvers
// apply defaultTransform unless the caller overrides it.
type TransformFunc func(raw map[string]any) (*a2a.AgentCard, error)

// Config carries the shared knobs of the HTTP-backed resolvers.
type Config struct {
	// Timeout bounds each fetch. Zero means DefaultTimeout.
	Timeout time.Duration

	// Headers are added to every card request.
	Headers map[string]string

	// Transform overrides the default raw-card conversion.
	Transform TransformFunc

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Transform == nil {
		c.Transform = defaultTransform
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// ERRORS
// ============================================================================

// ResolveError aggregates the failures of every attempted resolution path.
type ResolveError struct {
	AgentURL string
	Errs     []error
}

func (e *ResolveError) Error() string {
	if len(e.Errs) == 0 {
		return fmt.Sprintf("resolver: no card for %s", e.AgentURL)
	}
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("resolver: no card for %s: %s", e.AgentURL, strings.Join(parts, "; "))
}

// Unwrap exposes the child errors for errors.Is / errors.As matching.
func (e *ResolveError) Unwrap() []error { return e.Errs }

// ============================================================================
// CARD TRANSFORMATION
// ============================================================================

// defaultTransform decodes an arbitrary card document. Capability lists are
// read from "capabilities", falling back to "skills" then "functions" so
// cards from older agent servers still resolve.
func defaultTransform(raw map[string]any) (*a2a.AgentCard, error) {
	if raw == nil {
		return nil, fmt.Errorf("empty card document")
	}

	if _, ok := raw["capabilities"]; !ok {
		for _, alias := range []string{"skills", "functions"} {
			if v, ok := raw[alias]; ok {
				raw["capabilities"] = v
				break
			}
		}
	}

	var card a2a.AgentCard
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &card,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create card decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode card: %w", err)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("card has no name")
	}
	return &card, nil
}

// ============================================================================
// SHARED FETCH / CACHE PLUMBING
// ============================================================================

// fetcher is the HTTP + cache base embedded by the network resolvers.
type fetcher struct {
	cfg  Config
	doer *httpclient.Client

	mu    sync.RWMutex
	cache map[string]*a2a.AgentCard
}

func newFetcher(cfg Config) *fetcher {
	cfg.normalize()
	return &fetcher{
		cfg: cfg,
		doer: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithRetryStrategy(httpclient.DefaultRetryStrategy),
			httpclient.WithLogger(cfg.Logger),
		),
		cache: make(map[string]*a2a.AgentCard),
	}
}

// Config returns a copy of the resolver configuration.
func (f *fetcher) Config() Config { return f.cfg }

// ClearCache drops every cached card.
func (f *fetcher) ClearCache() {
	f.mu.Lock()
	f.cache = make(map[string]*a2a.AgentCard)
	f.mu.Unlock()
}

func (f *fetcher) cached(key string) (*a2a.AgentCard, bool) {
	f.mu.RLock()
	card, ok := f.cache[key]
	f.mu.RUnlock()
	return card, ok
}

func (f *fetcher) store(key string, card *a2a.AgentCard) {
	f.mu.Lock()
	f.cache[key] = card
	f.mu.Unlock()
}

// fetchCard downloads and transforms a card document from cardURL.
func (f *fetcher) fetchCard(ctx context.Context, cardURL string) (*a2a.AgentCard, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build card request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.doer.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cardURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", cardURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read card from %s: %w", cardURL, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse card from %s: %w", cardURL, err)
	}
	return f.cfg.Transform(raw)
}
