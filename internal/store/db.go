package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the profile-owned cache.db.
type DB struct {
	*sql.DB
	path string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Any failure to create, open or reach the file is reported as ErrStorageUnavailable.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: create dir: %v", ErrStorageUnavailable, err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", ErrStorageUnavailable, err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping db: %v", ErrStorageUnavailable, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the handle was opened on. A second handle on the same
// path shares the data but not the connection pool.
func (db *DB) Path() string {
	return db.path
}
