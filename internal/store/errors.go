package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrStorageUnavailable means the database file could not be created or opened.
	// Callers degrade to in-memory operation for the rest of the process.
	ErrStorageUnavailable = errors.New("persistent storage unavailable")

	// ErrSchemaVersion is returned when the stored schema is newer than the requested one.
	ErrSchemaVersion = errors.New("stored schema version is newer than requested")

	// ErrRekey is returned when a schema redeclares an existing collection with a different key path.
	ErrRekey = errors.New("collection key path cannot change")

	// ErrUnknownCollection is returned for a collection the handle's schema does not declare.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex is returned for an index the collection does not declare.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrMissingKey is returned when a record has no value at its collection's key path.
	ErrMissingKey = errors.New("record has no primary key")

	// ErrBatchTooLarge is returned by PutMany for batches that need the chunked path.
	ErrBatchTooLarge = errors.New("batch too large for a single transaction")
)

// SchemaConflictError means a schema upgrade or migration was blocked by
// another open handle on the same database.
type SchemaConflictError struct {
	Schema string
	Err    error
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema %s upgrade blocked, close other open sessions: %v", e.Schema, e.Err)
}

func (e *SchemaConflictError) Unwrap() error {
	return e.Err
}

// IsSchemaConflict reports whether err is or wraps a SchemaConflictError.
func IsSchemaConflict(err error) bool {
	var sc *SchemaConflictError
	return errors.As(err, &sc)
}

// asConflict converts lock contention errors into a SchemaConflictError and
// returns every other error unchanged.
func asConflict(schema string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && (sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked) {
		return &SchemaConflictError{Schema: schema, Err: err}
	}
	var dirty migrate.ErrDirty
	if errors.Is(err, migrate.ErrLocked) || errors.Is(err, migrate.ErrLockTimeout) || errors.As(err, &dirty) {
		return &SchemaConflictError{Schema: schema, Err: err}
	}
	return err
}
