// Package blob provides the object store driver used for parsed document
// text, offset sidecars, state snapshots, tool result cache entries, and
// trace artifacts. Keys are S3-style paths regardless of driver.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("object not found")

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// Store is the object store driver.
//
// Implementations must be safe for concurrent use. Objects are immutable in
// practice: writers use fresh keys (state_{turn}, turn_{n}) or content hashes,
// never in-place mutation.
type Store interface {
	// Put writes an object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads a whole object. Returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange reads length bytes starting at offset. length < 0 reads to
	// the end. Returns ErrNotFound for missing keys.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Stat returns object metadata. Returns ErrNotFound for missing keys.
	Stat(ctx context.Context, key string) (Info, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns keys under the given prefix, lexically sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases driver resources.
	Close() error
}

// New creates a Store from object storage configuration.
func New(ctx context.Context, cfg config.ObjectConfig) (Store, error) {
	switch cfg.Driver {
	case config.ObjectDriverS3:
		return NewS3Store(ctx, cfg)
	case config.ObjectDriverFS:
		return NewFSStore(cfg.Root)
	case config.ObjectDriverMemory:
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown object store driver: %s", cfg.Driver)
	}
}
