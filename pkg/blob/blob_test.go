package blob

import (
	"context"
	"errors"
	"testing"
)

// driver conformance suite shared by the fs and memory implementations
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("put_get_roundtrip", func(t *testing.T) {
		data := []byte("the quick brown fox")
		if err := store.Put(ctx, "docs/a.txt", data, "text/plain"); err != nil {
			t.Fatalf("Put() error: %v", err)
		}

		got, err := store.Get(ctx, "docs/a.txt")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if string(got) != string(data) {
			t.Errorf("Get() = %q, want %q", got, data)
		}
	})

	t.Run("get_missing", func(t *testing.T) {
		_, err := store.Get(ctx, "docs/missing.txt")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("range_read", func(t *testing.T) {
		if err := store.Put(ctx, "docs/range.txt", []byte("0123456789"), "text/plain"); err != nil {
			t.Fatalf("Put() error: %v", err)
		}

		tests := []struct {
			offset, length int64
			want           string
		}{
			{0, 4, "0123"},
			{4, 3, "456"},
			{8, -1, "89"},
			{8, 100, "89"},
			{20, 5, ""},
		}
		for _, tt := range tests {
			got, err := store.GetRange(ctx, "docs/range.txt", tt.offset, tt.length)
			if err != nil {
				t.Fatalf("GetRange(%d, %d) error: %v", tt.offset, tt.length, err)
			}
			if string(got) != tt.want {
				t.Errorf("GetRange(%d, %d) = %q, want %q", tt.offset, tt.length, got, tt.want)
			}
		}
	})

	t.Run("stat", func(t *testing.T) {
		if err := store.Put(ctx, "docs/stat.txt", []byte("hello"), "text/plain"); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		info, err := store.Stat(ctx, "docs/stat.txt")
		if err != nil {
			t.Fatalf("Stat() error: %v", err)
		}
		if info.Size != 5 {
			t.Errorf("Stat().Size = %d, want 5", info.Size)
		}

		if _, err := store.Stat(ctx, "docs/nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Stat(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list_prefix", func(t *testing.T) {
		seed := map[string]string{
			"traces/t1/e1/turn_0.json": "{}",
			"traces/t1/e1/turn_1.json": "{}",
			"traces/t1/e2/turn_0.json": "{}",
			"state/t1/e1/s.json":       "{}",
		}
		for k, v := range seed {
			if err := store.Put(ctx, k, []byte(v), "application/json"); err != nil {
				t.Fatalf("Put(%s) error: %v", k, err)
			}
		}

		keys, err := store.List(ctx, "traces/t1/e1/")
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("List() returned %d keys, want 2: %v", len(keys), keys)
		}
		if keys[0] != "traces/t1/e1/turn_0.json" || keys[1] != "traces/t1/e1/turn_1.json" {
			t.Errorf("List() keys not sorted as expected: %v", keys)
		}
	})

	t.Run("delete_idempotent", func(t *testing.T) {
		if err := store.Put(ctx, "docs/del.txt", []byte("x"), "text/plain"); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		if err := store.Delete(ctx, "docs/del.txt"); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if err := store.Delete(ctx, "docs/del.txt"); err != nil {
			t.Errorf("second Delete() error: %v, want nil", err)
		}
		if _, err := store.Get(ctx, "docs/del.txt"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreTests(t, NewMemStore())
}

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error: %v", err)
	}
	runStoreTests(t, store)
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error: %v", err)
	}

	for _, key := range []string{"../escape", "/abs/path", "a/../../b"} {
		if err := store.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Errorf("Put(%q) should reject traversal", key)
		}
	}
}

func TestMemStoreCopiesData(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	data := []byte("immutable")
	if err := store.Put(ctx, "k", data, ""); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	data[0] = 'X'

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "immutable" {
		t.Errorf("stored object mutated through caller slice: %q", got)
	}
}
