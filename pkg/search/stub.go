package search

import (
	"context"
	"sync"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// StubProvider serves canned hits for tests and offline runs.
type StubProvider struct {
	mu      sync.Mutex
	hits    map[string][]Hit
	queries []string
}

// NewStubProvider creates an empty stub.
func NewStubProvider() *StubProvider {
	return &StubProvider{hits: make(map[string][]Hit)}
}

// Add registers hits returned for the given query text.
func (p *StubProvider) Add(query string, hits ...Hit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[query] = hits
}

// Name returns "stub".
func (p *StubProvider) Name() string { return string(config.SearchProviderStub) }

// Close releases resources.
func (p *StubProvider) Close() error { return nil }

// Query returns up to k canned hits for the query.
func (p *StubProvider) Query(ctx context.Context, indexID, query string, k int, filters map[string]any) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, query)
	hits := p.hits[query]
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Hit, len(hits))
	copy(out, hits)
	return out, nil
}

// Queries returns every query seen so far.
func (p *StubProvider) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.queries))
	copy(out, p.queries)
	return out
}

var _ Provider = (*StubProvider)(nil)
