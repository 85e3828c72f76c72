package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxPutBatch is the largest batch PutMany writes in one transaction.
// Larger batches go through the chunked writer.
const MaxPutBatch = 2000

// Durability selects the synchronous mode of a chunk transaction.
type Durability int

const (
	// Strict keeps the connection's configured synchronous mode.
	Strict Durability = iota
	// Relaxed turns off fsync for the transaction. Use only for data that can be rebuilt.
	Relaxed
)

// Schema returns the schema the handle was opened with.
func (h *Handle) Schema() Schema {
	return h.schema
}

// DB returns the underlying database.
func (h *Handle) DB() *DB {
	return h.db
}

func (h *Handle) lookup(collection string) (Collection, string, error) {
	c, ok := h.colls[collection]
	if !ok {
		return Collection{}, "", fmt.Errorf("%w: %s.%s", ErrUnknownCollection, h.schema.Name, collection)
	}
	return c, tableName(h.schema.Name, c.Name), nil
}

func (h *Handle) index(c Collection, name string) (Index, error) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, nil
		}
	}
	return Index{}, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.Name, name)
}

// Get returns the record stored under key, or nil if there is none.
func (h *Handle) Get(ctx context.Context, collection string, key any) (json.RawMessage, error) {
	_, table, err := h.lookup(collection)
	if err != nil {
		return nil, err
	}
	k, err := keyString(key)
	if err != nil {
		return nil, err
	}
	var value string
	err = h.db.QueryRowContext(ctx, `SELECT value FROM `+table+` WHERE key = ?`, k).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// GetAll returns every record of the collection ordered by key.
func (h *Handle) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	_, table, err := h.lookup(collection)
	if err != nil {
		return nil, err
	}
	return h.queryValues(ctx, `SELECT value FROM `+table+` ORDER BY key`)
}

// GetByIndex returns the records whose indexed value equals value.
func (h *Handle) GetByIndex(ctx context.Context, collection, index string, value any) ([]json.RawMessage, error) {
	c, table, err := h.lookup(collection)
	if err != nil {
		return nil, err
	}
	idx, err := h.index(c, index)
	if err != nil {
		return nil, err
	}
	expr := `json_extract(value, ` + jsonPath(idx.KeyPath) + `)`
	return h.queryValues(ctx, `SELECT value FROM `+table+` WHERE `+expr+` = ? ORDER BY key`, value)
}

// GetByIndexRange returns the records whose indexed value lies in [lower, upper].
// A nil bound leaves that side open.
func (h *Handle) GetByIndexRange(ctx context.Context, collection, index string, lower, upper any) ([]json.RawMessage, error) {
	c, table, err := h.lookup(collection)
	if err != nil {
		return nil, err
	}
	idx, err := h.index(c, index)
	if err != nil {
		return nil, err
	}
	expr := `json_extract(value, ` + jsonPath(idx.KeyPath) + `)`
	var (
		where []string
		args  []any
	)
	if lower != nil {
		where = append(where, expr+` >= ?`)
		args = append(args, lower)
	}
	if upper != nil {
		where = append(where, expr+` <= ?`)
		args = append(args, upper)
	}
	q := `SELECT value FROM ` + table
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ` + expr + `, key`
	return h.queryValues(ctx, q, args...)
}

func (h *Handle) queryValues(ctx context.Context, q string, args ...any) ([]json.RawMessage, error) {
	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(v))
	}
	return out, rows.Err()
}

// Put upserts one record by its primary key.
func (h *Handle) Put(ctx context.Context, collection string, record any) error {
	c, table, err := h.lookup(collection)
	if err != nil {
		return err
	}
	raw, err := encode(record)
	if err != nil {
		return err
	}
	return putRecord(ctx, h.db, c, table, raw)
}

// PutMany upserts records in a single transaction. Batches above MaxPutBatch
// are rejected with ErrBatchTooLarge.
func (h *Handle) PutMany(ctx context.Context, collection string, records []json.RawMessage) error {
	if len(records) > MaxPutBatch {
		return fmt.Errorf("%w: %d records", ErrBatchTooLarge, len(records))
	}
	return h.WriteChunk(ctx, collection, records, false, Strict)
}

// WriteChunk writes records in one transaction, optionally clearing the
// collection first inside the same transaction.
func (h *Handle) WriteChunk(ctx context.Context, collection string, records []json.RawMessage, clearFirst bool, d Durability) error {
	c, table, err := h.lookup(collection)
	if err != nil {
		return err
	}

	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if d == Relaxed {
		var mode int
		if err := conn.QueryRowContext(ctx, `PRAGMA synchronous`).Scan(&mode); err != nil {
			return fmt.Errorf("read synchronous: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `PRAGMA synchronous=OFF`); err != nil {
			return fmt.Errorf("relax synchronous: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(context.Background(), `PRAGMA synchronous=`+strconv.Itoa(mode))
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if clearFirst {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", collection, err)
		}
	}
	for _, raw := range records {
		if err := putRecord(ctx, tx, c, table, raw); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, ex execer, c Collection, table string, raw json.RawMessage) error {
	key, err := keyOf(c.KeyPath, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO `+table+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(raw))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", c.Name, key, err)
	}
	return nil
}

// Delete removes the record stored under key. Missing keys are not an error.
func (h *Handle) Delete(ctx context.Context, collection string, key any) error {
	return h.DeleteMany(ctx, collection, []any{key})
}

// DeleteMany removes several records in one transaction.
func (h *Handle) DeleteMany(ctx context.Context, collection string, keys []any) error {
	_, table, err := h.lookup(collection)
	if err != nil {
		return err
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, key := range keys {
		k, err := keyString(key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, k); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, k, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of records in the collection.
func (h *Handle) Count(ctx context.Context, collection string) (int, error) {
	_, table, err := h.lookup(collection)
	if err != nil {
		return 0, err
	}
	var n int
	err = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

// Clear removes every record of the collection.
func (h *Handle) Clear(ctx context.Context, collection string) error {
	_, table, err := h.lookup(collection)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `DELETE FROM `+table)
	return err
}

// ClearAll clears every collection of the schema in one transaction.
func (h *Handle) ClearAll(ctx context.Context) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, c := range h.schema.Collections {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tableName(h.schema.Name, c.Name)); err != nil {
			return fmt.Errorf("clear %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// Check verifies that every declared collection exists on disk.
func (h *Handle) Check(ctx context.Context) error {
	for _, c := range h.schema.Collections {
		var name string
		err := h.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, tableName(h.schema.Name, c.Name)).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("collection %s.%s missing", h.schema.Name, c.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every collection of the schema, forgets its version and
// recreates it empty.
func (h *Handle) Reset(ctx context.Context) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return asConflict(h.schema.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT table_name FROM collections WHERE schema_name = ?`, h.schema.Name)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, t)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+t); err != nil {
			return asConflict(h.schema.Name, fmt.Errorf("drop %s: %w", t, err))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schemas WHERE name = ?`, h.schema.Name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return asConflict(h.schema.Name, err)
	}

	_, err = h.db.OpenSchema(ctx, h.schema)
	return err
}

// GetAs decodes the record stored under key into a T. It returns nil when the key is absent.
func GetAs[T any](ctx context.Context, h *Handle, collection string, key any) (*T, error) {
	raw, err := h.Get(ctx, collection, key)
	if err != nil || raw == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%v: %w", collection, key, err)
	}
	return &v, nil
}

// GetAllAs decodes every record of the collection into a T.
func GetAllAs[T any](ctx context.Context, h *Handle, collection string) ([]T, error) {
	raws, err := h.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	return DecodeAll[T](raws)
}

// DecodeAll decodes raw records into a slice of T.
func DecodeAll[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Records encodes items as raw JSON records.
func Records[T any](items []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for i := range items {
		raw, err := json.Marshal(items[i])
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func encode(record any) (json.RawMessage, error) {
	switch v := record.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		return raw, nil
	}
}

// keyOf extracts the primary key at keyPath from a JSON object.
func keyOf(keyPath string, raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode record: %w", err)
	}
	var cur any = doc
	for _, part := range strings.Split(keyPath, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w at %q", ErrMissingKey, keyPath)
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return "", fmt.Errorf("%w at %q", ErrMissingKey, keyPath)
		}
	}
	k, err := keyString(cur)
	if err != nil {
		return "", err
	}
	if k == "" {
		return "", fmt.Errorf("%w at %q", ErrMissingKey, keyPath)
	}
	return k, nil
}

func keyString(v any) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case json.Number:
		return k.String(), nil
	case int:
		return strconv.Itoa(k), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported key type %T", v)
	}
}
