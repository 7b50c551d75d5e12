package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store on a SQL database. Concurrency is handled by
// database-level locking plus the version column for conditional writes.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createItemsSchemaSQL = `
CREATE TABLE IF NOT EXISTS metadata_items (
    pk VARCHAR(512) NOT NULL,
    sk VARCHAR(512) NOT NULL,
    version BIGINT NOT NULL,
    data TEXT,
    expires_at TIMESTAMP NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (pk, sk)
)`

const createItemsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_items_pk ON metadata_items(pk, sk)`

// NewSQLStore creates a SQL-backed metadata store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the required tables if they don't exist.
func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{createItemsSchemaSQL}
	// MySQL creates the primary key index implicitly and rejects
	// CREATE INDEX IF NOT EXISTS.
	if s.dialect != "mysql" {
		statements = append(statements, createItemsIndexSQL)
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Create inserts a new item with Version 1.
func (s *SQLStore) Create(ctx context.Context, item Item) (Item, error) {
	item.Version = 1
	item.UpdatedAt = time.Now().UTC()

	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO metadata_items (pk, sk, version, data, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (pk, sk) DO NOTHING`
	case "mysql":
		query = `INSERT IGNORE INTO metadata_items (pk, sk, version, data, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`
	default: // sqlite
		query = `INSERT OR IGNORE INTO metadata_items (pk, sk, version, data, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`
	}
	query = s.placeholders(query)

	result, err := s.db.ExecContext(ctx, query,
		item.PK, item.SK, item.Version, string(item.Data), nullTime(item.ExpiresAt), item.UpdatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("failed to create item %s/%s: %w", item.PK, item.SK, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return Item{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return Item{}, fmt.Errorf("%s/%s: %w", item.PK, item.SK, ErrAlreadyExists)
	}
	return item, nil
}

// Get returns the item at (pk, sk).
func (s *SQLStore) Get(ctx context.Context, pk, sk string) (Item, error) {
	query := s.placeholders(`SELECT pk, sk, version, data, expires_at, updated_at
		FROM metadata_items WHERE pk = ? AND sk = ?`)

	return s.scanItem(s.db.QueryRowContext(ctx, query, pk, sk), pk, sk)
}

// Put upserts unconditionally, bumping the version.
func (s *SQLStore) Put(ctx context.Context, item Item) (Item, error) {
	item.UpdatedAt = time.Now().UTC()

	var query string
	switch s.dialect {
	case "mysql":
		query = `INSERT INTO metadata_items (pk, sk, version, data, expires_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				version = metadata_items.version + 1,
				data = VALUES(data),
				expires_at = VALUES(expires_at),
				updated_at = VALUES(updated_at)`
	default: // postgres and sqlite share ON CONFLICT syntax
		query = `INSERT INTO metadata_items (pk, sk, version, data, expires_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
			ON CONFLICT (pk, sk) DO UPDATE SET
				version = metadata_items.version + 1,
				data = excluded.data,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`
	}
	query = s.placeholders(query)

	if _, err := s.db.ExecContext(ctx, query,
		item.PK, item.SK, string(item.Data), nullTime(item.ExpiresAt), item.UpdatedAt); err != nil {
		return Item{}, fmt.Errorf("failed to put item %s/%s: %w", item.PK, item.SK, err)
	}

	return s.Get(ctx, item.PK, item.SK)
}

// UpdateIf writes item only if the stored version equals expectedVersion.
func (s *SQLStore) UpdateIf(ctx context.Context, item Item, expectedVersion int64) (Item, error) {
	item.UpdatedAt = time.Now().UTC()

	query := s.placeholders(`UPDATE metadata_items
		SET version = version + 1, data = ?, expires_at = ?, updated_at = ?
		WHERE pk = ? AND sk = ? AND version = ?`)

	result, err := s.db.ExecContext(ctx, query,
		string(item.Data), nullTime(item.ExpiresAt), item.UpdatedAt,
		item.PK, item.SK, expectedVersion)
	if err != nil {
		return Item{}, fmt.Errorf("failed to update item %s/%s: %w", item.PK, item.SK, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return Item{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a lost race from a vanished item.
		if _, getErr := s.Get(ctx, item.PK, item.SK); getErr != nil {
			return Item{}, getErr
		}
		return Item{}, fmt.Errorf("%s/%s: %w", item.PK, item.SK, ErrVersionConflict)
	}

	return s.Get(ctx, item.PK, item.SK)
}

// Delete removes an item.
func (s *SQLStore) Delete(ctx context.Context, pk, sk string) error {
	query := s.placeholders(`DELETE FROM metadata_items WHERE pk = ? AND sk = ?`)
	if _, err := s.db.ExecContext(ctx, query, pk, sk); err != nil {
		return fmt.Errorf("failed to delete item %s/%s: %w", pk, sk, err)
	}
	return nil
}

// Query returns all items under pk whose sort key starts with skPrefix.
// Prefix matching is a key range scan, which behaves identically across
// dialects (LIKE escaping does not).
func (s *SQLStore) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	query := `SELECT pk, sk, version, data, expires_at, updated_at
		FROM metadata_items WHERE pk = ?`
	args := []any{pk}

	if skPrefix != "" {
		query += ` AND sk >= ?`
		args = append(args, skPrefix)
		if upper := prefixUpperBound(skPrefix); upper != "" {
			query += ` AND sk < ?`
			args = append(args, upper)
		}
	}
	query += ` ORDER BY sk`

	rows, err := s.db.QueryContext(ctx, s.placeholders(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", pk, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item      Item
			data      sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&item.PK, &item.SK, &item.Version, &data, &expiresAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if data.Valid {
			item.Data = []byte(data.String)
		}
		if expiresAt.Valid {
			item.ExpiresAt = expiresAt.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) scanItem(row *sql.Row, pk, sk string) (Item, error) {
	var (
		item      Item
		data      sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(&item.PK, &item.SK, &item.Version, &data, &expiresAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return Item{}, fmt.Errorf("%s/%s: %w", pk, sk, ErrNotFound)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get item %s/%s: %w", pk, sk, err)
	}
	if data.Valid {
		item.Data = []byte(data.String)
	}
	if expiresAt.Valid {
		item.ExpiresAt = expiresAt.Time
	}
	return item, nil
}

// placeholders rewrites ? markers to $N for postgres.
func (s *SQLStore) placeholders(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix: the prefix with its last byte incremented,
// dropping trailing 0xff bytes. Empty result means unbounded.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)
