package resolver

import (
	"context"
	"strings"

	"github.com/agentarea/agentlink/pkg/a2a"
)

// CustomEndpoint resolves cards from a non-standard card route, either
// {agentURL}/agent-card or a fixed override URL.
type CustomEndpoint struct {
	*fetcher
	cardURL string
}

// CustomEndpointOption configures a CustomEndpoint resolver.
type CustomEndpointOption func(*CustomEndpoint)

// WithCardURL pins the resolver to one absolute card URL regardless of the
// agent URL passed to Resolve.
func WithCardURL(cardURL string) CustomEndpointOption {
	return func(r *CustomEndpoint) { r.cardURL = cardURL }
}

// NewCustomEndpoint creates a custom-route resolver.
func NewCustomEndpoint(cfg Config, opts ...CustomEndpointOption) *CustomEndpoint {
	r := &CustomEndpoint{fetcher: newFetcher(cfg)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Resolver = (*CustomEndpoint)(nil)

func (r *CustomEndpoint) Resolve(ctx context.Context, agentURL string) (*a2a.AgentCard, error) {
	target := r.cardURL
	if target == "" {
		target = strings.TrimRight(agentURL, "/") + "/agent-card"
	}

	if card, ok := r.cached(target); ok {
		return card, nil
	}
	card, err := r.fetchCard(ctx, target)
	if err != nil {
		return nil, err
	}
	r.store(target, card)
	return card, nil
}

// Static always returns a fixed card with its URL rewritten to the requested
// agent URL. Useful for tests and for agents without a card endpoint.
type Static struct {
	card a2a.AgentCard
}

// NewStatic creates a resolver serving a copy of card.
func NewStatic(card a2a.AgentCard) *Static {
	return &Static{card: card}
}

var _ Resolver = (*Static)(nil)

func (r *Static) Resolve(_ context.Context, agentURL string) (*a2a.AgentCard, error) {
	card := r.card
	card.URL = agentURL
	return &card, nil
}

// Func adapts a plain function into a Resolver.
type Func func(ctx context.Context, agentURL string) (*a2a.AgentCard, error)

var _ Resolver = (Func)(nil)

func (f Func) Resolve(ctx context.Context, agentURL string) (*a2a.AgentCard, error) {
	return f(ctx, agentURL)
}
