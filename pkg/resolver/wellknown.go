package resolver

import (
	"context"
	"fmt"
	"net/url"

	"github.com/agentarea/agentlink/pkg/a2a"
)

// WellKnown resolves cards from the standard discovery path,
// scheme://host/.well-known/agent-card.json.
type WellKnown struct {
	*fetcher
	legacy bool
}

// WellKnownOption configures a WellKnown resolver.
type WellKnownOption func(*WellKnown)

// WithLegacyPath also tries the older /.well-known/agent.json location when
// the current path yields nothing.
func WithLegacyPath() WellKnownOption {
	return func(r *WellKnown) { r.legacy = true }
}

// NewWellKnown creates a well-known-path resolver.
func NewWellKnown(cfg Config, opts ...WellKnownOption) *WellKnown {
	r := &WellKnown{fetcher: newFetcher(cfg)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Resolver = (*WellKnown)(nil)

// Resolve fetches the card from the agent's well-known location. Query and
// fragment components of the agent URL are discarded.
func (r *WellKnown) Resolve(ctx context.Context, agentURL string) (*a2a.AgentCard, error) {
	base, err := cardBase(agentURL)
	if err != nil {
		return nil, err
	}

	if card, ok := r.cached(base); ok {
		return card, nil
	}

	card, err := r.fetchCard(ctx, base+a2a.WellKnownCardPath)
	if err != nil && r.legacy {
		r.cfg.Logger.Debug("well-known card fetch failed, trying legacy path",
			"agent_url", agentURL, "error", err)
		card, err = r.fetchCard(ctx, base+a2a.LegacyCardPath)
	}
	if err != nil {
		return nil, err
	}

	r.store(base, card)
	return card, nil
}

// cardBase reduces an agent URL to scheme://host.
func cardBase(agentURL string) (string, error) {
	u, err := url.Parse(agentURL)
	if err != nil {
		return "", fmt.Errorf("parse agent URL %q: %w", agentURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("agent URL %q must be absolute", agentURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
