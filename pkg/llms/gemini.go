package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// GeminiProvider calls the Gemini API through the official genai SDK.
type GeminiProvider struct {
	cfg    config.LLMConfig
	client *genai.Client
}

// NewGeminiProvider creates a provider from configuration.
func NewGeminiProvider(ctx context.Context, cfg config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for gemini")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{cfg: cfg, client: client}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return string(config.LLMProviderGemini) }

// Model returns the configured model.
func (p *GeminiProvider) Model() string { return p.cfg.Model }

// Close releases resources.
func (p *GeminiProvider) Close() error { return nil }

// Call performs one GenerateContent request.
func (p *GeminiProvider) Call(ctx context.Context, req Request) (*Response, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(maxTokens)
	}
	if req.System != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, genCfg)
	if err != nil {
		// The SDK folds HTTP status into the error; rate limits and server
		// trouble are worth a retry, everything else is permanent.
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{
				Provider:  p.Name(),
				Status:    apiErr.Code,
				Message:   apiErr.Message,
				Transient: transientStatus(apiErr.Code),
				Err:       err,
			}
		}
		return nil, &ProviderError{Provider: p.Name(), Message: "request failed", Transient: true, Err: err}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	raw, _ := json.Marshal(resp)
	return &Response{Text: resp.Text(), Usage: usage, Raw: raw}, nil
}

var _ Provider = (*GeminiProvider)(nil)
