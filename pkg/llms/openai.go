package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/httpclient"
	"github.com/rlmrs/rlmrs/pkg/tokens"
)

const openAIDefaultHost = "https://api.openai.com/v1"

// OpenAIProvider calls the Chat Completions API. Setting BaseURL points it
// at any OpenAI-compatible endpoint (vLLM, Ollama, llama.cpp, gateways).
type OpenAIProvider struct {
	cfg     config.LLMConfig
	host    string
	client  *httpclient.Client
	counter *tokens.Counter
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider creates a provider from configuration.
func NewOpenAIProvider(cfg config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("api key is required for openai")
	}
	host := cfg.BaseURL
	if host == "" {
		host = openAIDefaultHost
	}
	return &OpenAIProvider{
		cfg:     cfg,
		host:    host,
		counter: tokens.NewCounter(cfg.Model),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return string(config.LLMProviderOpenAI) }

// Model returns the configured model.
func (p *OpenAIProvider) Model() string { return p.cfg.Model }

// Close releases resources.
func (p *OpenAIProvider) Close() error { return nil }

// Call performs one chat completion request.
func (p *OpenAIProvider) Call(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	body, err := json.Marshal(openAIRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "failed to read response", Transient: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Status:    resp.StatusCode,
			Message:   truncateErrorBody(raw),
			Transient: transientStatus(resp.StatusCode),
		}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "failed to decode response", Err: err}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Message: "response contained no choices"}
	}

	text := parsed.Choices[0].Message.Content
	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	// Compatible endpoints don't always report usage.
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = Usage{
			PromptTokens:     p.counter.Count(req.System) + p.counter.Count(req.Prompt),
			CompletionTokens: p.counter.Count(text),
			Estimated:        true,
		}
	}
	return &Response{Text: text, Usage: usage, Raw: raw}, nil
}

var _ Provider = (*OpenAIProvider)(nil)
