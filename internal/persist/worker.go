package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

type action string

const (
	actionInit            action = "init"
	actionClearAndReplace action = "clearAndReplace"
	actionWriteMany       action = "writeMany"
	actionClear           action = "clear"
)

type request struct {
	ID         string
	Action     action
	Schema     store.Schema
	Collection string
	Records    []json.RawMessage
}

type responseKind int

const (
	responseProgress responseKind = iota
	responseComplete
)

type response struct {
	ID           string
	Kind         responseKind
	Err          error
	CurrentChunk int
	TotalChunks  int
}

type pendingCall struct {
	ctx      context.Context
	cancel   context.CancelFunc
	progress ProgressFunc
	done     chan error

	// started is set once run dequeues the request; ack closes when run is
	// finished with it.
	started bool
	ack     chan struct{}
}

// WorkerWriter forwards bulk writes to a single goroutine that owns its own
// database handle. Requests queue on a bounded channel and are processed one
// at a time, so operations on a collection never interleave. Replies are
// matched to callers by correlation id.
type WorkerWriter struct {
	path      string
	chunkSize int
	timeout   time.Duration
	logger    *zap.Logger

	requests  chan request
	responses chan response
	quit      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewWorker starts a worker goroutine that opens path on first Initialize.
func NewWorker(path string, opts Options, logger *zap.Logger) *WorkerWriter {
	w := newWorker(path, opts, logger)
	w.start()
	return w
}

func newWorker(path string, opts Options, logger *zap.Logger) *WorkerWriter {
	opts = opts.withDefaults()
	return &WorkerWriter{
		path:      path,
		chunkSize: opts.ChunkSize,
		timeout:   opts.RequestTimeout,
		logger:    logger,
		requests:  make(chan request, opts.QueueDepth),
		responses: make(chan response, opts.QueueDepth),
		quit:      make(chan struct{}),
		pending:   make(map[string]*pendingCall),
	}
}

func (w *WorkerWriter) start() {
	go w.run()
	go w.dispatch()
}

// Close stops the worker and fails every pending call.
func (w *WorkerWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.quit)
		w.mu.Lock()
		for id, p := range w.pending {
			p.cancel()
			p.done <- ErrWorkerClosed
			delete(w.pending, id)
		}
		w.mu.Unlock()
	})
}

// Pending returns the number of requests awaiting a reply.
func (w *WorkerWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Initialize implements BulkWriter. Failure wraps ErrWorkerInit.
func (w *WorkerWriter) Initialize(ctx context.Context, schema store.Schema) error {
	if err := w.call(ctx, request{Action: actionInit, Schema: schema}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerInit, err)
	}
	return nil
}

// ClearAndReplace implements BulkWriter.
func (w *WorkerWriter) ClearAndReplace(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error {
	return w.call(ctx, request{Action: actionClearAndReplace, Collection: collection, Records: records}, progress)
}

// WriteMany implements BulkWriter.
func (w *WorkerWriter) WriteMany(ctx context.Context, collection string, records []json.RawMessage, progress ProgressFunc) error {
	return w.call(ctx, request{Action: actionWriteMany, Collection: collection, Records: records}, progress)
}

// Clear implements BulkWriter.
func (w *WorkerWriter) Clear(ctx context.Context, collection string) error {
	return w.call(ctx, request{Action: actionClear, Collection: collection}, nil)
}

func (w *WorkerWriter) call(ctx context.Context, req request, progress ProgressFunc) error {
	req.ID = uuid.NewString()
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingCall{ctx: rctx, cancel: cancel, progress: progress, done: make(chan error, 1), ack: make(chan struct{})}

	w.mu.Lock()
	select {
	case <-w.quit:
		w.mu.Unlock()
		return ErrWorkerClosed
	default:
	}
	w.pending[req.ID] = p
	w.mu.Unlock()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	// Blocks while the queue is full.
	select {
	case w.requests <- req:
	case <-timer.C:
		w.forget(req.ID)
		return fmt.Errorf("%w: %s queued", ErrWorkerTimeout, req.Action)
	case <-ctx.Done():
		w.forget(req.ID)
		return ctx.Err()
	case <-w.quit:
		w.forget(req.ID)
		return ErrWorkerClosed
	}

	select {
	case err := <-p.done:
		return err
	case <-timer.C:
		w.abandon(req.ID, p)
		return fmt.Errorf("%w: %s", ErrWorkerTimeout, req.Action)
	case <-ctx.Done():
		w.abandon(req.ID, p)
		return ctx.Err()
	}
}

func (w *WorkerWriter) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// abandon gives up on a queued request. A request still in the queue is
// dropped when run reaches it. One already running is cancelled, and abandon
// returns only after run has stopped touching the database.
func (w *WorkerWriter) abandon(id string, p *pendingCall) {
	w.mu.Lock()
	started := p.started
	delete(w.pending, id)
	w.mu.Unlock()

	p.cancel()
	if !started {
		return
	}
	select {
	case <-p.ack:
	case <-w.quit:
	}
}

// claim marks a dequeued request as running. It reports false for requests
// whose caller already gave up.
func (w *WorkerWriter) claim(id string) (*pendingCall, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[id]
	if !ok || p.ctx.Err() != nil {
		return nil, false
	}
	p.started = true
	return p, true
}

// dispatch routes worker replies to their callers. Replies for requests that
// already timed out are dropped.
func (w *WorkerWriter) dispatch() {
	for {
		select {
		case resp := <-w.responses:
			w.mu.Lock()
			p, ok := w.pending[resp.ID]
			if ok && resp.Kind == responseComplete {
				delete(w.pending, resp.ID)
			}
			w.mu.Unlock()
			if !ok {
				continue
			}
			switch resp.Kind {
			case responseProgress:
				if p.progress != nil && p.ctx.Err() == nil {
					p.progress(resp.CurrentChunk, resp.TotalChunks)
				}
			case responseComplete:
				p.done <- resp.Err
			}
		case <-w.quit:
			return
		}
	}
}

// run is the worker loop. It owns db and handle exclusively.
func (w *WorkerWriter) run() {
	var (
		db     *store.DB
		handle *store.Handle
	)
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	for {
		var req request
		select {
		case req = <-w.requests:
		case <-w.quit:
			return
		}

		p, ok := w.claim(req.ID)
		if !ok {
			w.logger.Debug("dropping abandoned worker request", zap.String("action", string(req.Action)))
			continue
		}
		ctx := p.ctx
		var err error
		switch req.Action {
		case actionInit:
			if db == nil {
				db, err = store.Open(w.path)
				if err != nil {
					db = nil
					break
				}
			}
			handle, err = db.OpenSchema(ctx, req.Schema)
		case actionClearAndReplace, actionWriteMany:
			if handle == nil {
				err = ErrNotInitialized
				break
			}
			err = writeChunks(ctx, handle, req.Collection, req.Records, w.chunkSize, req.Action == actionClearAndReplace,
				func(chunk, total int) {
					w.reply(response{ID: req.ID, Kind: responseProgress, CurrentChunk: chunk, TotalChunks: total})
				})
		case actionClear:
			if handle == nil {
				err = ErrNotInitialized
				break
			}
			err = handle.Clear(ctx, req.Collection)
		default:
			err = fmt.Errorf("unknown action %q", req.Action)
		}

		if err != nil && !errors.Is(err, ErrNotInitialized) {
			w.logger.Debug("worker request failed", zap.String("action", string(req.Action)), zap.Error(err))
		}
		w.reply(response{ID: req.ID, Kind: responseComplete, Err: err})
		close(p.ack)
	}
}

func (w *WorkerWriter) reply(resp response) {
	select {
	case w.responses <- resp:
	case <-w.quit:
	}
}
