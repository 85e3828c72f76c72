package persist

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/matheus3301/chatlog/internal/store"
)

// InlineWriter runs the chunk loop on the calling goroutine.
type InlineWriter struct {
	db        *store.DB
	chunkSize int

	mu     sync.Mutex
	handle *store.Handle
}

// NewInline creates an InlineWriter over db.
func NewInline(db *store.DB, chunkSize int) *InlineWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &InlineWriter{db: db, chunkSize: chunkSize}
}

// Initialize opens the schema on the shared handle.
func (w *InlineWriter) Initialize(ctx context.Context, schema store.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil && w.handle.Schema().Name == schema.Name && w.handle.Schema().Version >= schema.Version {
		return nil
	}
	h, err := w.db.OpenSchema(ctx, schema)
	if err != nil {
		return err
	}
	w.handle = h
	return nil
}

// ClearAndReplace implements BulkWriter.
func (w *InlineWriter) ClearAndReplace(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle == nil {
		return ErrNotInitialized
	}
	return writeChunks(ctx, w.handle, collection, records, w.chunkSize, true, progress)
}

// WriteMany implements BulkWriter.
func (w *InlineWriter) WriteMany(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle == nil {
		return ErrNotInitialized
	}
	return writeChunks(ctx, w.handle, collection, records, w.chunkSize, false, progress)
}

// Clear implements BulkWriter.
func (w *InlineWriter) Clear(ctx context.Context, collection string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle == nil {
		return ErrNotInitialized
	}
	return w.handle.Clear(ctx, collection)
}
