package agent

import (
	"context"
	"log/slog"
	"strings"
)

// ContextProvider contributes a section of the system prompt for a
// turn.
type ContextProvider interface {
	GetContext(ctx context.Context, ev Event) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is concatenated with blank lines.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositeContextProvider{providers: providers, logger: logger}
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, ev Event) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, ev)
		if err != nil {
			c.logger.Warn("context provider failed", "conversation_id", ev.ConversationID, "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
