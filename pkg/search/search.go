// Package search defines the optional search provider contract and its
// qdrant and stub backends. Hits are char ranges into session documents, so
// sandbox code can slice (and thereby cite) what a query returned.
package search

import (
	"context"
	"fmt"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// Hit is one search result: a scored char range into a document.
type Hit struct {
	DocIndex  int     `json:"doc_index"`
	StartChar int     `json:"start_char"`
	EndChar   int     `json:"end_char"`
	Score     float64 `json:"score"`
	Preview   string  `json:"preview,omitempty"`
}

// Provider is a search backend over an indexed corpus.
type Provider interface {
	// Name returns the provider type (qdrant, stub).
	Name() string

	// Query returns up to k hits for the query against the given index.
	Query(ctx context.Context, indexID, query string, k int, filters map[string]any) ([]Hit, error)

	// Close releases provider resources.
	Close() error
}

// NewProvider builds a provider from configuration. The embedder
// configuration is required for backends that search by vector.
func NewProvider(cfg config.SearchConfig, embedder *config.EmbedderConfig) (Provider, error) {
	switch cfg.Provider {
	case config.SearchProviderQdrant:
		return NewQdrantProvider(cfg, embedder)
	case config.SearchProviderStub:
		return NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown search provider: %s", cfg.Provider)
	}
}
