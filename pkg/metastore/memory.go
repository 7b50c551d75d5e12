package metastore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and one-shot runs. Semantics
// match the SQL store, including version counters and conflict errors.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]Item)}
}

func itemKey(pk, sk string) string {
	return pk + "\x00" + sk
}

// Create inserts a new item with Version 1.
func (s *MemStore) Create(ctx context.Context, item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey(item.PK, item.SK)
	if _, ok := s.items[key]; ok {
		return Item{}, fmt.Errorf("%s/%s: %w", item.PK, item.SK, ErrAlreadyExists)
	}

	item.Version = 1
	item.UpdatedAt = time.Now().UTC()
	s.items[key] = copyItem(item)
	return item, nil
}

// Get returns the item at (pk, sk).
func (s *MemStore) Get(ctx context.Context, pk, sk string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemKey(pk, sk)]
	if !ok {
		return Item{}, fmt.Errorf("%s/%s: %w", pk, sk, ErrNotFound)
	}
	return copyItem(item), nil
}

// Put upserts unconditionally, bumping the version.
func (s *MemStore) Put(ctx context.Context, item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey(item.PK, item.SK)
	if existing, ok := s.items[key]; ok {
		item.Version = existing.Version + 1
	} else {
		item.Version = 1
	}
	item.UpdatedAt = time.Now().UTC()
	s.items[key] = copyItem(item)
	return item, nil
}

// UpdateIf writes item only if the stored version equals expectedVersion.
func (s *MemStore) UpdateIf(ctx context.Context, item Item, expectedVersion int64) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey(item.PK, item.SK)
	existing, ok := s.items[key]
	if !ok {
		return Item{}, fmt.Errorf("%s/%s: %w", item.PK, item.SK, ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return Item{}, fmt.Errorf("%s/%s: %w", item.PK, item.SK, ErrVersionConflict)
	}

	item.Version = existing.Version + 1
	item.UpdatedAt = time.Now().UTC()
	s.items[key] = copyItem(item)
	return item, nil
}

// Delete removes an item.
func (s *MemStore) Delete(ctx context.Context, pk, sk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, itemKey(pk, sk))
	return nil
}

// Query returns all items under pk whose sort key starts with skPrefix.
func (s *MemStore) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for _, item := range s.items {
		if item.PK == pk && strings.HasPrefix(item.SK, skPrefix) {
			items = append(items, copyItem(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SK < items[j].SK })
	return items, nil
}

// Close releases driver resources.
func (s *MemStore) Close() error {
	return nil
}

func copyItem(item Item) Item {
	cp := item
	if item.Data != nil {
		cp.Data = make([]byte, len(item.Data))
		copy(cp.Data, item.Data)
	}
	return cp
}

// Ensure MemStore implements Store
var _ Store = (*MemStore)(nil)
