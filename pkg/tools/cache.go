package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/llms"
	"github.com/rlmrs/rlmrs/pkg/search"
)

// llmCacheKey is the canonical identity of an LLM call. Field order is
// fixed by the struct; encoding/json emits it deterministically, so the
// hash is stable across processes.
type llmCacheKey struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Prompt      string  `json:"prompt"`
}

type searchCacheKey struct {
	Provider string         `json:"provider"`
	IndexID  string         `json:"index_id"`
	Query    string         `json:"query"`
	K        int            `json:"k"`
	Filters  map[string]any `json:"filters,omitempty"`
}

// llmCacheEntry is the stored response. Entries are immutable: written
// once, read many; last-writer-wins races are harmless because identical
// keys hold identical content.
type llmCacheEntry struct {
	Text      string     `json:"text"`
	Usage     llms.Usage `json:"usage"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
}

type searchCacheEntry struct {
	Hits      []search.Hit `json:"hits"`
	CreatedAt time.Time    `json:"created_at"`
}

func hashKey(key any) (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func llmCachePath(tenant, hash string) string {
	return fmt.Sprintf("cache/%s/llm/%s", tenant, hash)
}

func searchCachePath(tenant, hash string) string {
	return fmt.Sprintf("cache/%s/search/%s", tenant, hash)
}

// cacheGet loads a cache entry into out. Returns false on miss; a corrupt
// entry also counts as a miss and gets overwritten by the fresh call.
func cacheGet(ctx context.Context, store blob.Store, key string, out any) bool {
	data, err := store.Get(ctx, key)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

func cachePut(ctx context.Context, store blob.Store, key string, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, key, data, "application/json"); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}
