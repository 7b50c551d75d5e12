package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/config"
)

func TestAnthropicCall(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "Hello"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 3},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(config.LLMConfig{
		Provider: config.LLMProviderAnthropic,
		Model:    "claude-sonnet-4-5",
		APIKey:   "test-key",
		BaseURL:  server.URL,
	})
	require.NoError(t, err)

	resp, err := p.Call(context.Background(), Request{Prompt: "hi", MaxTokens: 64, Temperature: 0})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
	assert.Equal(t, "claude-sonnet-4-5", gotReq.Model)
	assert.Equal(t, 64, gotReq.MaxTokens)
}

func TestAnthropicCallErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"unauthorized is permanent", http.StatusUnauthorized, false},
		{"bad request is permanent", http.StatusBadRequest, false},
		{"overloaded is transient", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer server.Close()

			p, err := NewAnthropicProvider(config.LLMConfig{
				Provider: config.LLMProviderAnthropic,
				APIKey:   "test-key",
				BaseURL:  server.URL,
			})
			require.NoError(t, err)

			_, err = p.Call(context.Background(), Request{Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicProvider(config.LLMConfig{Provider: config.LLMProviderAnthropic})
	assert.Error(t, err)
}
