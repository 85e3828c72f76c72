package persist

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

// Mode names the path a Writer currently uses.
type Mode string

const (
	ModeWorker Mode = "worker"
	ModeInline Mode = "inline"
)

type closableWriter interface {
	BulkWriter
	Close()
}

// Writer is the BulkWriter the rest of the daemon uses. It prefers the
// worker and re-runs any failed worker operation inline with the same
// chunking, once the worker has let go of the request. Only a failed worker initialization turns the worker off, and
// it stays off for the life of the Writer.
type Writer struct {
	worker   closableWriter
	inline   *InlineWriter
	disabled atomic.Bool
	logger   *zap.Logger

	mu      sync.Mutex
	schemas map[string]int
}

// New builds a Writer over db. With opts.UseWorker the worker opens its own
// handle on db.Path().
func New(db *store.DB, opts Options, logger *zap.Logger) *Writer {
	opts = opts.withDefaults()
	var worker closableWriter
	if opts.UseWorker {
		worker = NewWorker(db.Path(), opts, logger)
	}
	return newWriter(worker, NewInline(db, opts.ChunkSize), logger)
}

func newWriter(worker closableWriter, inline *InlineWriter, logger *zap.Logger) *Writer {
	w := &Writer{
		worker:  worker,
		inline:  inline,
		logger:  logger,
		schemas: make(map[string]int),
	}
	if worker == nil {
		w.disabled.Store(true)
	}
	return w
}

// Mode reports which path new operations take.
func (w *Writer) Mode() Mode {
	if w.disabled.Load() {
		return ModeInline
	}
	return ModeWorker
}

// Close stops the worker, if any.
func (w *Writer) Close() {
	if w.worker != nil {
		w.worker.Close()
	}
}

// Initialize opens the schema on the inline path, then on the worker. A
// worker failure is logged and downgrades the Writer to inline writes.
// Concurrent and repeated calls are safe.
func (w *Writer) Initialize(ctx context.Context, schema store.Schema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := w.schemas[schema.Name]; ok && v >= schema.Version {
		return nil
	}

	if err := w.inline.Initialize(ctx, schema); err != nil {
		return err
	}
	if !w.disabled.Load() {
		if err := w.worker.Initialize(ctx, schema); err != nil {
			w.logger.Warn("persistence worker unavailable, writing inline", zap.String("schema", schema.Name), zap.Error(err))
			w.disabled.Store(true)
			w.worker.Close()
		}
	}
	w.schemas[schema.Name] = schema.Version
	return nil
}

// ClearAndReplace implements BulkWriter.
func (w *Writer) ClearAndReplace(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error {
	progress = forwardOnly(progress)
	return w.do(ctx, "clearAndReplace", collection, func(b BulkWriter) error {
		return b.ClearAndReplace(ctx, collection, records, progress)
	})
}

// WriteMany implements BulkWriter.
func (w *Writer) WriteMany(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error {
	progress = forwardOnly(progress)
	return w.do(ctx, "writeMany", collection, func(b BulkWriter) error {
		return b.WriteMany(ctx, collection, records, progress)
	})
}

// Clear implements BulkWriter.
func (w *Writer) Clear(ctx context.Context, collection string) error {
	return w.do(ctx, "clear", collection, func(b BulkWriter) error {
		return b.Clear(ctx, collection)
	})
}

func (w *Writer) do(ctx context.Context, op, collection string, fn func(BulkWriter) error) error {
	if !w.disabled.Load() {
		err := fn(w.worker)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("persistence worker operation failed, retrying inline",
			zap.String("op", op), zap.String("collection", collection), zap.Error(err))
	}
	return fn(w.inline)
}

// forwardOnly drops reports for chunks already reported. An inline re-run
// after a worker failure replays the chunks the worker had committed.
func forwardOnly(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		last int
	)
	return func(chunk, total int) {
		mu.Lock()
		defer mu.Unlock()
		if chunk <= last {
			return
		}
		last = chunk
		fn(chunk, total)
	}
}
