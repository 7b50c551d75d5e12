// Package tokens estimates token usage for prompts and completions.
// Providers that report usage are preferred; this package covers the ones
// that don't, and the orchestrator's prompt-size accounting.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts for a model. The zero value is usable and
// falls back to a chars/4 heuristic.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model. Unknown models fall back
// to the cl100k_base encoding; if even that fails to load, the counter
// estimates with chars/4.
func NewCounter(model string) *Counter {
	name := encodingName(model)

	cacheMu.RLock()
	enc, ok := encodingCache[name]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: enc, model: model}
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return &Counter{model: model}
	}

	cacheMu.Lock()
	encodingCache[name] = enc
	cacheMu.Unlock()

	return &Counter{encoding: enc, model: model}
}

// Count returns the estimated token count for text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Estimate is the rough chars/4 heuristic used when no encoding is
// available.
func Estimate(text string) int {
	return len(text) / 4
}

// encodingName maps a model name to its tiktoken encoding. Non-OpenAI
// models are approximated with cl100k_base.
func encodingName(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}
