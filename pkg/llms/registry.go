package llms

import (
	"context"
	"fmt"
	"sync"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// Registry holds named providers built from configuration. The "default"
// entry serves requests without a model hint; a model hint matching a
// configured name or model selects that provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds providers for every configured LLM backend.
func NewRegistry(ctx context.Context, cfg config.ProvidersConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for name, lc := range cfg.LLM {
		p, err := NewProvider(ctx, lc)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("llm %q: %w", name, err)
		}
		r.providers[name] = p
	}
	return r, nil
}

// NewProvider builds a single provider from its configuration.
func NewProvider(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.LLMProviderGemini:
		return NewGeminiProvider(ctx, cfg)
	case config.LLMProviderStub:
		return NewStubProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// Register adds or replaces a named provider.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get resolves a model hint to a provider. An empty hint returns the
// default provider. Hints match a configured name first, then a configured
// model identifier.
func (r *Registry) Get(hint string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint == "" {
		if p, ok := r.providers["default"]; ok {
			return p, nil
		}
		// Single-provider configs don't need a "default" alias.
		if len(r.providers) == 1 {
			for _, p := range r.providers {
				return p, nil
			}
		}
		return nil, fmt.Errorf("no default llm provider configured")
	}
	if p, ok := r.providers[hint]; ok {
		return p, nil
	}
	for _, p := range r.providers {
		if p.Model() == hint {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no llm provider for model hint %q", hint)
}

// Close closes every provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
