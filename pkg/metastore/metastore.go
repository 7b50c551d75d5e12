// Package metastore provides the metadata store: small, hot records
// (sessions, documents, executions, current state pointers, leases, audit
// entries) addressed by a partition key and sort key, with optimistic
// concurrency via per-item version counters.
//
// Conditional writes (UpdateIf) are the only coordination primitive the
// runtime relies on: execution leases and state persistence are guarded by
// them, never by in-process locks.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rlmrs/rlmrs/pkg/config"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound reports a missing item.
	ErrNotFound = errors.New("item not found")

	// ErrAlreadyExists reports a Create against an existing (pk, sk).
	ErrAlreadyExists = errors.New("item already exists")

	// ErrVersionConflict reports a conditional write that lost the race:
	// the stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("version conflict: item has been modified since it was loaded")
)

// Item is a metadata record. Data is a JSON document; the store never
// inspects it. Version starts at 1 on create and increments on every write.
type Item struct {
	PK        string    `json:"pk"`
	SK        string    `json:"sk"`
	Version   int64     `json:"version"`
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the metadata store driver.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new item with Version 1.
	// Returns ErrAlreadyExists if (pk, sk) is taken.
	Create(ctx context.Context, item Item) (Item, error)

	// Get returns the item at (pk, sk) or ErrNotFound.
	Get(ctx context.Context, pk, sk string) (Item, error)

	// Put upserts unconditionally, bumping the version.
	Put(ctx context.Context, item Item) (Item, error)

	// UpdateIf writes item only if the stored version equals
	// expectedVersion. Returns ErrVersionConflict when another writer got
	// there first, ErrNotFound when the item vanished.
	UpdateIf(ctx context.Context, item Item, expectedVersion int64) (Item, error)

	// Delete removes an item. Deleting a missing item is not an error.
	Delete(ctx context.Context, pk, sk string) error

	// Query returns all items under pk whose sort key starts with skPrefix,
	// ordered by sort key. Empty prefix returns the whole partition.
	Query(ctx context.Context, pk, skPrefix string) ([]Item, error)

	// Close releases driver resources.
	Close() error
}

// New creates a Store from metadata storage configuration.
func New(cfg config.MetadataConfig) (Store, error) {
	switch cfg.Driver {
	case config.MetadataDriverMemory:
		return NewMemStore(), nil

	case config.MetadataDriverSQLite, config.MetadataDriverPostgres, config.MetadataDriverMySQL:
		driverName, dialect := sqlDriver(cfg.Driver)
		db, err := sql.Open(driverName, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)

		store, err := NewSQLStore(db, dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown metadata store driver: %s", cfg.Driver)
	}
}

func sqlDriver(driver config.MetadataDriver) (driverName, dialect string) {
	switch driver {
	case config.MetadataDriverPostgres:
		return "postgres", "postgres"
	case config.MetadataDriverMySQL:
		return "mysql", "mysql"
	default:
		return "sqlite3", "sqlite"
	}
}
