package llms

import (
	"context"
	"sync"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// StubProvider is a deterministic in-process provider for tests and offline
// runs. When scripted it returns responses in order, repeating the last one
// once the script runs out; otherwise it echoes the prompt.
type StubProvider struct {
	mu     sync.Mutex
	model  string
	script []string
	next   int
	calls  []Request

	// Handler, when set, computes the response from the request and takes
	// precedence over the script.
	Handler func(req Request) (string, error)
}

// NewStubProvider creates an echoing stub.
func NewStubProvider(cfg config.LLMConfig) *StubProvider {
	model := cfg.Model
	if model == "" {
		model = "stub"
	}
	return &StubProvider{model: model}
}

// NewScriptedProvider creates a stub that replays the given responses.
func NewScriptedProvider(responses ...string) *StubProvider {
	return &StubProvider{model: "stub", script: responses}
}

// Name returns "stub".
func (p *StubProvider) Name() string { return string(config.LLMProviderStub) }

// Model returns the configured model.
func (p *StubProvider) Model() string { return p.model }

// Close releases resources.
func (p *StubProvider) Close() error { return nil }

// Call returns the next scripted response, or echoes the prompt.
func (p *StubProvider) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	handler := p.Handler
	var text string
	switch {
	case handler != nil:
		// resolved below, outside the lock
	case len(p.script) > 0:
		idx := p.next
		if idx >= len(p.script) {
			idx = len(p.script) - 1
		}
		text = p.script[idx]
		p.next++
	default:
		text = req.Prompt
	}
	p.mu.Unlock()

	if handler != nil {
		var err error
		text, err = handler(req)
		if err != nil {
			return nil, err
		}
	}

	return &Response{
		Text: text,
		Usage: Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(text) / 4,
			Estimated:        true,
		},
	}, nil
}

// Calls returns a copy of every request seen so far.
func (p *StubProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ Provider = (*StubProvider)(nil)
