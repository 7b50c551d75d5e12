package config

import (
	"fmt"
	"os"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderGemini    LLMProvider = "gemini"
	LLMProviderStub      LLMProvider = "stub"
)

// SearchProvider identifies the search backend type.
type SearchProvider string

const (
	SearchProviderQdrant SearchProvider = "qdrant"
	SearchProviderStub   SearchProvider = "stub"
)

// ProvidersConfig maps provider names to backends. The "default" entry
// serves executions that don't name a model hint.
type ProvidersConfig struct {
	LLM      map[string]LLMConfig    `yaml:"llm,omitempty" json:"llm,omitempty"`
	Search   map[string]SearchConfig `yaml:"search,omitempty" json:"search,omitempty"`
	Embedder *EmbedderConfig         `yaml:"embedder,omitempty" json:"embedder,omitempty"`
}

// LLMConfig configures an LLM provider.
type LLMConfig struct {
	// Provider type (anthropic, openai, gemini, stub).
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Model name (e.g., "claude-sonnet-4-5", "gpt-4o").
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// MaxRetries bounds HTTP retry attempts.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SearchConfig configures a search backend.
type SearchConfig struct {
	// Provider type (qdrant, stub).
	Provider SearchProvider `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Host of the backend (default "localhost").
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port of the backend (default 6334 for qdrant gRPC).
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Collection searched by default.
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`

	// UseTLS toggles transport security.
	UseTLS bool `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// EmbedderConfig configures the query embedder used by the search path.
type EmbedderConfig struct {
	// Model name (e.g., "text-embedding-3-small").
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL of an OpenAI-compatible embeddings endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Dimensions of the output vectors.
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// SetDefaults applies provider defaults.
func (c *ProvidersConfig) SetDefaults() {
	if c.LLM == nil {
		c.LLM = map[string]LLMConfig{}
	}
	if _, ok := c.LLM["default"]; !ok && len(c.LLM) == 0 {
		c.LLM["default"] = LLMConfig{}
	}
	for name, lc := range c.LLM {
		lc.SetDefaults()
		c.LLM[name] = lc
	}
	for name, sc := range c.Search {
		sc.SetDefaults()
		c.Search[name] = sc
	}
	if c.Embedder != nil {
		if c.Embedder.Model == "" {
			c.Embedder.Model = "text-embedding-3-small"
		}
		if c.Embedder.BaseURL == "" {
			c.Embedder.BaseURL = "https://api.openai.com/v1"
		}
		if c.Embedder.APIKey == "" {
			c.Embedder.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if c.Embedder.Dimensions == 0 {
			c.Embedder.Dimensions = 1536
		}
	}
}

// Validate checks provider configuration.
func (c *ProvidersConfig) Validate() error {
	for name, lc := range c.LLM {
		if err := lc.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	for name, sc := range c.Search {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("search %q: %w", name, err)
		}
	}
	return nil
}

// SetDefaults applies LLM defaults.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}
	if c.Model == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-5"
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		case LLMProviderStub:
			c.Model = "stub"
		}
	}
	if c.APIKey == "" {
		c.APIKey = getAPIKeyFromEnv(c.Provider)
	}
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.2)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderAnthropic, LLMProviderOpenAI, LLMProviderGemini, LLMProviderStub:
	default:
		return fmt.Errorf("invalid provider %q (valid: anthropic, openai, gemini, stub)", c.Provider)
	}
	if c.Provider != LLMProviderStub && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// SetDefaults applies search defaults.
func (c *SearchConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = SearchProviderQdrant
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "corpus"
	}
}

// Validate checks the search configuration.
func (c *SearchConfig) Validate() error {
	switch c.Provider {
	case SearchProviderQdrant, SearchProviderStub:
	default:
		return fmt.Errorf("invalid provider %q (valid: qdrant, stub)", c.Provider)
	}
	return nil
}

// detectProviderFromEnv detects provider based on available API keys.
func detectProviderFromEnv() LLMProvider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderStub
}

// getAPIKeyFromEnv gets the API key for a provider from environment.
func getAPIKeyFromEnv(provider LLMProvider) string {
	switch provider {
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
