// Package llms defines the LLM provider contract used for root model calls
// and subcall resolution, with backends for Anthropic, OpenAI-compatible
// endpoints, Gemini, and a scripted stub.
package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a single completion request. Prompt is the full user content;
// System is optional and provider-mapped.
type Request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

// Usage reports token consumption for one call. Estimated is set when the
// provider returned no usage and the counts came from local estimation.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Response is a completed call. Raw preserves the provider payload for
// traces.
type Response struct {
	Text  string          `json:"text"`
	Usage Usage           `json:"usage"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// Provider is a single LLM backend. Implementations must be safe for
// concurrent use; cancellation and deadlines arrive via ctx.
type Provider interface {
	// Name returns the provider type (anthropic, openai, gemini, stub).
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Call performs one completion.
	Call(ctx context.Context, req Request) (*Response, error)

	// Close releases provider resources.
	Close() error
}

// ProviderError classifies a failed provider call. Transient errors
// (throttles, 5xx, timeouts) are safe to retry; permanent ones
// (auth, bad request) are not.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable provider failure.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// transientStatus reports whether an HTTP status indicates a retryable
// condition.
func transientStatus(status int) bool {
	return status == 429 || status == 408 || status >= 500
}

// truncateErrorBody keeps provider error payloads short enough to embed in
// state and traces.
func truncateErrorBody(body []byte) string {
	const max = 512
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
