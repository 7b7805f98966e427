package resolver

import (
	"context"
	"log/slog"

	"github.com/agentarea/agentlink/pkg/a2a"
)

// Multi tries an ordered list of child resolvers and returns the first card
// any of them produces.
type Multi struct {
	children []Resolver
	logger   *slog.Logger
}

// NewMulti creates a fallback chain over children, tried in order.
func NewMulti(logger *slog.Logger, children ...Resolver) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{children: children, logger: logger}
}

var _ Resolver = (*Multi)(nil)

// Resolve returns the first successful child result. When every child fails
// the returned error is a *ResolveError aggregating each child failure.
func (r *Multi) Resolve(ctx context.Context, agentURL string) (*a2a.AgentCard, error) {
	errs := make([]error, 0, len(r.children))
	for i, child := range r.children {
		card, err := child.Resolve(ctx, agentURL)
		if err == nil {
			return card, nil
		}
		r.logger.Debug("card resolution attempt failed",
			"agent_url", agentURL, "attempt", i, "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ResolveError{AgentURL: agentURL, Errs: errs}
}

// ClearCache clears every child that caches.
func (r *Multi) ClearCache() {
	for _, child := range r.children {
		if c, ok := child.(interface{ ClearCache() }); ok {
			c.ClearCache()
		}
	}
}

// Default builds the standard chain: well-known discovery with legacy-path
// fallback, then the custom /agent-card route.
func Default(cfg Config) *Multi {
	return NewMulti(cfg.Logger,
		NewWellKnown(cfg, WithLegacyPath()),
		NewCustomEndpoint(cfg),
	)
}
