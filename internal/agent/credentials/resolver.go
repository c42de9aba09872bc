// Package credentials resolves the model API token injected into agent
// sandboxes. Providers are consulted in order; the first token wins.
// Resolved values go into the sandbox environment only and are never
// logged.
package credentials

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/logger"
)

// KindAnthropic is the provider kind for the Anthropic API token.
const KindAnthropic = "anthropic"

// Provider resolves a token for one credential kind. An empty token with a
// nil error means the provider has nothing for this kind.
type Provider interface {
	// Resolve returns the token, or "" when absent.
	Resolve(ctx context.Context, kind string) (string, error)

	// Name returns the provider name for logging.
	Name() string
}

// Resolver chains providers. Provider failures are logged and treated as
// absent so a broken store never blocks the file fallback.
type Resolver struct {
	providers []Provider
	logger    *logger.Logger
}

// NewResolver creates a resolver over the given providers, consulted in
// order.
func NewResolver(log *logger.Logger, providers ...Provider) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{
		providers: providers,
		logger:    log.WithFields(zap.String("component", "credentials")),
	}
}

// Resolve returns the first token any provider yields, or "" when every
// provider comes up empty.
func (r *Resolver) Resolve(ctx context.Context, kind string) string {
	for _, p := range r.providers {
		token, err := p.Resolve(ctx, kind)
		if err != nil {
			r.logger.Warn("credential provider failed",
				zap.String("provider", p.Name()),
				zap.String("kind", kind),
				zap.Error(err))
			continue
		}
		if token != "" {
			r.logger.Debug("credential resolved",
				zap.String("provider", p.Name()),
				zap.String("kind", kind))
			return token
		}
	}
	return ""
}
