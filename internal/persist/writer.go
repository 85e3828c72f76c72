// Package persist writes large record sets into the local store in bounded,
// chunked transactions, either on the calling goroutine or on a dedicated
// worker goroutine that owns its own database handle.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
)

// DefaultChunkSize is the number of records written per transaction.
const DefaultChunkSize = 2000

var (
	// ErrNotInitialized is returned when an operation runs before Initialize.
	ErrNotInitialized = errors.New("bulk writer not initialized")
	// ErrWorkerInit wraps the reason the worker could not start.
	ErrWorkerInit = errors.New("persistence worker init failed")
	// ErrWorkerTimeout is returned when the worker does not answer in time.
	ErrWorkerTimeout = errors.New("persistence worker request timed out")
	// ErrWorkerClosed is returned for requests made after Close.
	ErrWorkerClosed = errors.New("persistence worker closed")
)

// ProgressFunc is called after each committed chunk. chunkIndex is 1-based.
type ProgressFunc func(chunkIndex, totalChunks int)

// BulkWriter performs chunked bulk writes against one schema.
type BulkWriter interface {
	// Initialize opens or upgrades the schema. It is idempotent.
	Initialize(ctx context.Context, schema store.Schema) error
	// ClearAndReplace clears the collection inside the first chunk's
	// transaction and writes the remaining chunks after it.
	ClearAndReplace(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error
	// WriteMany upserts records chunk by chunk.
	WriteMany(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error
	// Clear removes every record of the collection.
	Clear(ctx context.Context, collection string) error
}

// Options configures the writer returned by New.
type Options struct {
	ChunkSize      int
	UseWorker      bool
	RequestTimeout time.Duration
	QueueDepth     int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = time.Minute
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 16
	}
	return o
}

// ChunkCount returns how many transactions a write of n records takes.
// A clear-and-replace of zero records still runs one (clearing) chunk.
func ChunkCount(n, size int) int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if n == 0 {
		return 1
	}
	return (n + size - 1) / size
}

// writeChunks is the one chunk loop shared by every BulkWriter implementation.
func writeChunks(ctx context.Context, h *store.Handle, collection string, records []json.RawMessage, size int, clearFirst bool, progress ProgressFunc) error {
	if !clearFirst && len(records) == 0 {
		return nil
	}
	total := ChunkCount(len(records), size)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo := i * size
		hi := min(lo+size, len(records))
		if err := h.WriteChunk(ctx, collection, records[lo:hi], clearFirst && i == 0, store.Relaxed); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}
