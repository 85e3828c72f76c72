package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Index declares a secondary index over a dotted JSON key path of the record.
type Index struct {
	Name    string
	KeyPath string
	Unique  bool
}

// Collection is a named key-value store of JSON records.
type Collection struct {
	Name    string
	KeyPath string
	Indexes []Index
}

// Schema is a versioned set of collections. Upgrades may only add
// collections and indexes.
type Schema struct {
	Name        string
	Version     int
	Collections []Collection
}

var (
	identRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
	pathRegexp  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// Validate checks names and key paths. Names end up in SQL identifiers, so
// anything outside the identifier alphabet is rejected here.
func (s Schema) Validate() error {
	if !identRegexp.MatchString(s.Name) {
		return fmt.Errorf("invalid schema name %q", s.Name)
	}
	if s.Version < 1 {
		return fmt.Errorf("schema %s: version must be >= 1", s.Name)
	}
	seen := make(map[string]bool, len(s.Collections))
	for _, c := range s.Collections {
		if !identRegexp.MatchString(c.Name) {
			return fmt.Errorf("schema %s: invalid collection name %q", s.Name, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema %s: duplicate collection %q", s.Name, c.Name)
		}
		seen[c.Name] = true
		if !pathRegexp.MatchString(c.KeyPath) {
			return fmt.Errorf("schema %s: collection %s: invalid key path %q", s.Name, c.Name, c.KeyPath)
		}
		for _, idx := range c.Indexes {
			if !identRegexp.MatchString(idx.Name) {
				return fmt.Errorf("schema %s: collection %s: invalid index name %q", s.Name, c.Name, idx.Name)
			}
			if !pathRegexp.MatchString(idx.KeyPath) {
				return fmt.Errorf("schema %s: index %s: invalid key path %q", s.Name, idx.Name, idx.KeyPath)
			}
		}
	}
	return nil
}

func tableName(schema, collection string) string {
	return "col_" + schema + "_" + collection
}

func indexName(schema, collection, index string) string {
	return "idx_" + schema + "_" + collection + "_" + index
}

func jsonPath(keyPath string) string {
	return "'$." + keyPath + "'"
}

// Handle is a live view of one schema's collections.
type Handle struct {
	db     *DB
	schema Schema
	colls  map[string]Collection
}

// OpenSchema creates or upgrades the schema's collections and indexes and
// returns a handle on them. It is idempotent: reopening with the same schema
// changes nothing, and a higher version only adds what is missing.
func (db *DB) OpenSchema(ctx context.Context, s Schema) (*Handle, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, asConflict(s.Name, fmt.Errorf("begin schema tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var stored int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schemas WHERE name = ?`, s.Name).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, asConflict(s.Name, fmt.Errorf("read schema version: %w", err))
	}
	if stored > s.Version {
		return nil, fmt.Errorf("%w: %s stored v%d, requested v%d", ErrSchemaVersion, s.Name, stored, s.Version)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schemas (name, version, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		s.Name, s.Version, time.Now().UnixMilli()); err != nil {
		return nil, asConflict(s.Name, fmt.Errorf("write schema version: %w", err))
	}

	for _, c := range s.Collections {
		if err := createCollection(ctx, tx, s.Name, c); err != nil {
			return nil, asConflict(s.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, asConflict(s.Name, fmt.Errorf("commit schema: %w", err))
	}
	return newHandle(db, s), nil
}

func newHandle(db *DB, s Schema) *Handle {
	colls := make(map[string]Collection, len(s.Collections))
	for _, c := range s.Collections {
		colls[c.Name] = c
	}
	return &Handle{db: db, schema: s, colls: colls}
}

func createCollection(ctx context.Context, tx *sql.Tx, schema string, c Collection) error {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT key_path FROM collections WHERE schema_name = ? AND name = ?`, schema, c.Name).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read collection %s: %w", c.Name, err)
	case existing != c.KeyPath:
		return fmt.Errorf("%w: %s.%s is keyed by %q, not %q", ErrRekey, schema, c.Name, existing, c.KeyPath)
	}

	table := tableName(schema, c.Name)
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create collection %s: %w", c.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO collections (schema_name, name, key_path, table_name) VALUES (?, ?, ?, ?)`,
		schema, c.Name, c.KeyPath, table); err != nil {
		return fmt.Errorf("register collection %s: %w", c.Name, err)
	}

	for _, idx := range c.Indexes {
		var path string
		err := tx.QueryRowContext(ctx, `
			SELECT key_path FROM collection_indexes WHERE schema_name = ? AND collection = ? AND name = ?`,
			schema, c.Name, idx.Name).Scan(&path)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read index %s: %w", idx.Name, err)
		case path != idx.KeyPath:
			return fmt.Errorf("%w: index %s.%s is on %q, not %q", ErrRekey, c.Name, idx.Name, path, idx.KeyPath)
		}

		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmt := `CREATE ` + unique + `INDEX IF NOT EXISTS ` + indexName(schema, c.Name, idx.Name) +
			` ON ` + table + ` (json_extract(value, ` + jsonPath(idx.KeyPath) + `))`
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index %s.%s: %w", c.Name, idx.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO collection_indexes (schema_name, collection, name, key_path, is_unique)
			VALUES (?, ?, ?, ?, ?)`, schema, c.Name, idx.Name, idx.KeyPath, idx.Unique); err != nil {
			return fmt.Errorf("register index %s.%s: %w", c.Name, idx.Name, err)
		}
	}
	return nil
}

// SchemaVersion returns the stored version of the named schema, or 0 if it was never opened.
func (db *DB) SchemaVersion(ctx context.Context, name string) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schemas WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
