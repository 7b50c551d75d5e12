// Package tools resolves queued sandbox tool requests outside the sandbox:
// validation against the remaining budget, a content-addressed response
// cache, bounded fan-out, and per-key status tracking. Results are merged
// into the orchestrator-owned state keys before the next turn.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/llms"
	"github.com/rlmrs/rlmrs/pkg/sandbox"
	"github.com/rlmrs/rlmrs/pkg/search"
	"github.com/rlmrs/rlmrs/pkg/state"
)

// Status values for _tool_status entries.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusError    = "error"
)

// maxErrorChars truncates provider failures surfaced into state.
const maxErrorChars = 400

// callMetadata is the typed view of the loosely-typed metadata dict a step
// may attach to queue_llm.
type callMetadata struct {
	System  string `mapstructure:"system"`
	NoCache bool   `mapstructure:"no_cache"`
}

// searchFilters validates the filters dict from queue_search before it
// reaches the provider.
type searchFilters struct {
	DocIndex *int   `mapstructure:"doc_index"`
	Tag      string `mapstructure:"tag"`
}

// Options configures a Resolver.
type Options struct {
	Tenant      string
	IndexID     string
	Registry    *llms.Registry
	Search      search.Provider // nil disables search resolution
	Cache       blob.Store
	Concurrency int
	CallTimeout time.Duration
	MaxRetries  int
	Logger      *slog.Logger
}

// Resolver fulfills one turn's queued requests.
type Resolver struct {
	opts Options
}

// NewResolver creates a resolver. Zero options get working defaults.
func NewResolver(opts Options) *Resolver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{opts: opts}
}

// Results holds resolved payloads and per-key statuses for one turn.
type Results struct {
	mu     sync.Mutex
	llm    map[string]any
	search map[string]any
	status map[string]string

	cacheHits int
	calls     int
}

func newResults() *Results {
	return &Results{
		llm:    make(map[string]any),
		search: make(map[string]any),
		status: make(map[string]string),
	}
}

// CacheHits returns how many requests were served from cache.
func (r *Results) CacheHits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheHits
}

// Calls returns how many provider calls were made.
func (r *Results) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Statuses returns a copy of the per-key status map.
func (r *Results) Statuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

func (r *Results) setLLM(key string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[key] = payload
	r.status[key] = StatusResolved
}

func (r *Results) setSearch(key string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.search[key] = payload
	r.status[key] = StatusResolved
}

func (r *Results) setError(key string, err error) {
	msg := err.Error()
	if len(msg) > maxErrorChars {
		msg = msg[:maxErrorChars] + "..."
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[key] = map[string]any{"error": msg}
	r.status[key] = StatusError
}

func (r *Results) setSearchError(key string, err error) {
	msg := err.Error()
	if len(msg) > maxErrorChars {
		msg = msg[:maxErrorChars] + "..."
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.search[key] = map[string]any{"error": msg}
	r.status[key] = StatusError
}

func (r *Results) markHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheHits++
}

func (r *Results) markCall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

// MergeInto writes the results into the orchestrator-owned state keys.
// Existing entries for other keys survive; repeated keys replace their
// previous result and status.
func (r *Results) MergeInto(st state.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	results, _ := st[state.KeyToolResults].(map[string]any)
	if results == nil {
		results = map[string]any{}
	}
	llmResults, _ := results["llm"].(map[string]any)
	if llmResults == nil {
		llmResults = map[string]any{}
	}
	searchResults, _ := results["search"].(map[string]any)
	if searchResults == nil {
		searchResults = map[string]any{}
	}
	for k, v := range r.llm {
		llmResults[k] = v
	}
	for k, v := range r.search {
		searchResults[k] = v
	}
	results["llm"] = llmResults
	results["search"] = searchResults
	st[state.KeyToolResults] = results

	statuses, _ := st[state.KeyToolStatus].(map[string]any)
	if statuses == nil {
		statuses = map[string]any{}
	}
	for k, v := range r.status {
		statuses[k] = v
	}
	st[state.KeyToolStatus] = statuses
}

// Resolve fulfills the turn's queued requests with bounded fan-out. Per-key
// failures are recorded in the results, never returned: the execution
// continues and the model recovers on the next turn. The only returned
// error is context cancellation.
func (r *Resolver) Resolve(ctx context.Context, llmReqs []sandbox.LLMRequest, searchReqs []sandbox.SearchRequest, tracker *budget.Tracker) (*Results, error) {
	res := newResults()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, req := range llmReqs {
		g.Go(func() error {
			r.resolveLLM(gctx, req, tracker, res)
			return gctx.Err()
		})
	}
	for _, req := range searchReqs {
		g.Go(func() error {
			r.resolveSearch(gctx, req, res)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Resolver) resolveLLM(ctx context.Context, req sandbox.LLMRequest, tracker *budget.Tracker, res *Results) {
	var meta callMetadata
	if req.Metadata != nil {
		if err := mapstructure.Decode(req.Metadata, &meta); err != nil {
			res.setError(req.Key, fmt.Errorf("bad metadata: %w", err))
			return
		}
	}

	provider, err := r.opts.Registry.Get(req.ModelHint)
	if err != nil {
		res.setError(req.Key, err)
		return
	}

	// Over-quota requests are individually marked; the turn continues.
	if err := tracker.ReserveSubcall(len(req.Prompt)); err != nil {
		res.setError(req.Key, err)
		return
	}

	key := llmCacheKey{
		Provider:    provider.Name(),
		Model:       provider.Model(),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Prompt:      req.Prompt,
	}
	hash, err := hashKey(key)
	if err != nil {
		res.setError(req.Key, err)
		return
	}
	path := llmCachePath(r.opts.Tenant, hash)

	if !meta.NoCache {
		var entry llmCacheEntry
		if cacheGet(ctx, r.opts.Cache, path, &entry) {
			res.markHit()
			res.setLLM(req.Key, llmPayload(entry, true))
			return
		}
	}

	// Temperature defaults to 0 so identical prompts stay cacheable.
	call := llms.Request{
		Prompt:      req.Prompt,
		System:      meta.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	resp, err := r.callWithRetry(ctx, provider, call)
	if err != nil {
		r.opts.Logger.Warn("subcall failed", "key", req.Key, "provider", provider.Name(), "error", err)
		res.setError(req.Key, err)
		return
	}
	res.markCall()

	entry := llmCacheEntry{
		Text:      resp.Text,
		Usage:     resp.Usage,
		Provider:  provider.Name(),
		Model:     provider.Model(),
		CreatedAt: time.Now().UTC(),
	}
	if !meta.NoCache {
		if err := cachePut(ctx, r.opts.Cache, path, entry); err != nil {
			r.opts.Logger.Warn("cache write failed", "key", req.Key, "error", err)
		}
	}
	res.setLLM(req.Key, llmPayload(entry, false))
}

func llmPayload(entry llmCacheEntry, cached bool) map[string]any {
	return map[string]any{
		"text":     entry.Text,
		"provider": entry.Provider,
		"model":    entry.Model,
		"cached":   cached,
		"usage": map[string]any{
			"prompt_tokens":     entry.Usage.PromptTokens,
			"completion_tokens": entry.Usage.CompletionTokens,
		},
	}
}

func (r *Resolver) resolveSearch(ctx context.Context, req sandbox.SearchRequest, res *Results) {
	if r.opts.Search == nil {
		res.setSearchError(req.Key, fmt.Errorf("no search provider configured"))
		return
	}
	var filters searchFilters
	if req.Filters != nil {
		if err := mapstructure.Decode(req.Filters, &filters); err != nil {
			res.setSearchError(req.Key, fmt.Errorf("bad filters: %w", err))
			return
		}
	}

	key := searchCacheKey{
		Provider: r.opts.Search.Name(),
		IndexID:  r.opts.IndexID,
		Query:    req.Query,
		K:        req.K,
		Filters:  req.Filters,
	}
	hash, err := hashKey(key)
	if err != nil {
		res.setSearchError(req.Key, err)
		return
	}
	path := searchCachePath(r.opts.Tenant, hash)

	var entry searchCacheEntry
	if cacheGet(ctx, r.opts.Cache, path, &entry) {
		res.markHit()
		res.setSearch(req.Key, searchPayload(entry, true))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	hits, err := r.opts.Search.Query(callCtx, r.opts.IndexID, req.Query, req.K, req.Filters)
	if err != nil {
		r.opts.Logger.Warn("search failed", "key", req.Key, "error", err)
		res.setSearchError(req.Key, err)
		return
	}
	res.markCall()

	entry = searchCacheEntry{Hits: hits, CreatedAt: time.Now().UTC()}
	if err := cachePut(ctx, r.opts.Cache, path, entry); err != nil {
		r.opts.Logger.Warn("cache write failed", "key", req.Key, "error", err)
	}
	res.setSearch(req.Key, searchPayload(entry, false))
}

func searchPayload(entry searchCacheEntry, cached bool) map[string]any {
	hits := make([]any, len(entry.Hits))
	for i, h := range entry.Hits {
		hits[i] = map[string]any{
			"doc_index":  h.DocIndex,
			"start_char": h.StartChar,
			"end_char":   h.EndChar,
			"score":      h.Score,
			"preview":    h.Preview,
		}
	}
	return map[string]any{"hits": hits, "cached": cached}
}

// callWithRetry retries transient provider failures with exponential
// backoff. Permanent failures and context errors return immediately.
func (r *Resolver) callWithRetry(ctx context.Context, provider llms.Provider, req llms.Request) (*llms.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		resp, err := provider.Call(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !llms.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}
