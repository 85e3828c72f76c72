package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func contacts(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"wxid":"w%05d","nickname":"n%d","type":1}`, i, i))
	}
	return out
}

type progressLog struct {
	mu    sync.Mutex
	calls [][2]int
}

func (p *progressLog) record(chunk, total int) {
	p.mu.Lock()
	p.calls = append(p.calls, [2]int{chunk, total})
	p.mu.Unlock()
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		n, size, want int
	}{
		{0, 2000, 1},
		{1, 2000, 1},
		{2000, 2000, 1},
		{2001, 2000, 2},
		{4500, 2000, 3},
		{10, 0, 1},
	}
	for _, tt := range tests {
		if got := ChunkCount(tt.n, tt.size); got != tt.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.n, tt.size, got, tt.want)
		}
	}
}

func TestWorkerClearAndReplaceProgress(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	w := New(db, Options{UseWorker: true}, zap.NewNop())
	defer w.Close()
	if err := w.Initialize(ctx, store.SessionSchema); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeWorker {
		t.Fatalf("mode = %s, want worker", w.Mode())
	}

	var log progressLog
	if err := w.ClearAndReplace(ctx, store.ContactsCollection, contacts(4500), log.record); err != nil {
		t.Fatal(err)
	}

	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if !reflect.DeepEqual(log.calls, want) {
		t.Errorf("progress = %v, want %v", log.calls, want)
	}

	h, err := db.OpenSchema(ctx, store.SessionSchema)
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.Count(ctx, store.ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4500 {
		t.Errorf("count = %d, want 4500", n)
	}
}

func TestWorkerAndInlineEquivalent(t *testing.T) {
	ctx := context.Background()
	records := contacts(2500)

	snapshot := func(t *testing.T, useWorker bool) []json.RawMessage {
		t.Helper()
		db := testDB(t)
		w := New(db, Options{UseWorker: useWorker, ChunkSize: 1000}, zap.NewNop())
		defer w.Close()
		if err := w.Initialize(ctx, store.SessionSchema); err != nil {
			t.Fatal(err)
		}
		// Pre-existing rows must be gone after the replace.
		if err := w.WriteMany(ctx, store.ContactsCollection, contacts(3)[:1], nil); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteMany(ctx, store.ContactsCollection, []json.RawMessage{json.RawMessage(`{"wxid":"stale"}`)}, nil); err != nil {
			t.Fatal(err)
		}
		if err := w.ClearAndReplace(ctx, store.ContactsCollection, records, nil); err != nil {
			t.Fatal(err)
		}
		h, err := db.OpenSchema(ctx, store.SessionSchema)
		if err != nil {
			t.Fatal(err)
		}
		all, err := h.GetAll(ctx, store.ContactsCollection)
		if err != nil {
			t.Fatal(err)
		}
		return all
	}

	viaWorker := snapshot(t, true)
	viaInline := snapshot(t, false)
	if len(viaWorker) != len(records) {
		t.Fatalf("worker count = %d, want %d", len(viaWorker), len(records))
	}
	if !reflect.DeepEqual(viaWorker, viaInline) {
		t.Error("worker and inline paths left different end states")
	}
}

func TestClearAndReplaceEmptyClears(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	w := New(db, Options{}, zap.NewNop())
	if err := w.Initialize(ctx, store.SessionSchema); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMany(ctx, store.ContactsCollection, contacts(10), nil); err != nil {
		t.Fatal(err)
	}

	var log progressLog
	if err := w.ClearAndReplace(ctx, store.ContactsCollection, nil, log.record); err != nil {
		t.Fatal(err)
	}
	if len(log.calls) != 1 {
		t.Errorf("progress calls = %d, want 1", len(log.calls))
	}
	h, _ := db.OpenSchema(ctx, store.SessionSchema)
	n, err := h.Count(ctx, store.ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestWorkerInitFailureDowngrades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	worker := NewWorker(filepath.Join("/dev/null", "nope", "cache.db"), Options{}, zap.NewNop())
	w := newWriter(worker, NewInline(db, DefaultChunkSize), zap.NewNop())
	defer w.Close()

	if err := w.Initialize(ctx, store.SessionSchema); err != nil {
		t.Fatalf("Initialize() = %v, want silent downgrade", err)
	}
	if w.Mode() != ModeInline {
		t.Errorf("mode = %s, want inline", w.Mode())
	}
	if err := w.ClearAndReplace(ctx, store.ContactsCollection, contacts(5), nil); err != nil {
		t.Fatal(err)
	}
}

type flakyWriter struct {
	mu       sync.Mutex
	failNext bool
	calls    int
}

func (f *flakyWriter) Initialize(context.Context, store.Schema) error { return nil }

func (f *flakyWriter) ClearAndReplace(_ context.Context, _ string, _ []json.RawMessage, _ ProgressFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext {
		f.failNext = false
		return errors.New("round-trip failed")
	}
	return nil
}

func (f *flakyWriter) WriteMany(context.Context, string, []json.RawMessage, ProgressFunc) error {
	return nil
}

func (f *flakyWriter) Clear(context.Context, string) error { return nil }

func (f *flakyWriter) Close() {}

func TestWorkerErrorFallsBackWithoutPoisoning(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	flaky := &flakyWriter{failNext: true}
	w := newWriter(flaky, NewInline(db, DefaultChunkSize), zap.NewNop())
	if err := w.Initialize(ctx, store.SessionSchema); err != nil {
		t.Fatal(err)
	}

	if err := w.ClearAndReplace(ctx, store.ContactsCollection, contacts(3), nil); err != nil {
		t.Fatalf("ClearAndReplace() = %v, want inline retry to succeed", err)
	}
	h, _ := db.OpenSchema(ctx, store.SessionSchema)
	if n, _ := h.Count(ctx, store.ContactsCollection); n != 3 {
		t.Errorf("inline retry count = %d, want 3", n)
	}

	if w.Mode() != ModeWorker {
		t.Fatalf("mode = %s after one failed op, want worker", w.Mode())
	}
	if err := w.ClearAndReplace(ctx, store.ContactsCollection, contacts(3), nil); err != nil {
		t.Fatal(err)
	}
	if flaky.calls != 2 {
		t.Errorf("worker calls = %d, want 2", flaky.calls)
	}
}

func TestWorkerTimeoutReleasesPending(t *testing.T) {
	// Not started: nothing ever answers.
	w := newWorker("unused.db", Options{RequestTimeout: 20 * time.Millisecond, QueueDepth: 1}, zap.NewNop())

	err := w.Clear(context.Background(), "contacts")
	if !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("Clear() = %v, want ErrWorkerTimeout", err)
	}
	if n := w.Pending(); n != 0 {
		t.Errorf("pending = %d after timeout, want 0", n)
	}

	// Queue is full now; the next call times out waiting for room.
	err = w.Clear(context.Background(), "contacts")
	if !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("second Clear() = %v, want ErrWorkerTimeout", err)
	}
	if n := w.Pending(); n != 0 {
		t.Errorf("pending = %d after queue timeout, want 0", n)
	}
}

func TestWorkerClosed(t *testing.T) {
	w := NewWorker(filepath.Join(t.TempDir(), "cache.db"), Options{}, zap.NewNop())
	w.Close()
	if err := w.Clear(context.Background(), "contacts"); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Clear() after Close = %v, want ErrWorkerClosed", err)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	db := testDB(t)
	w := NewInline(db, 0)
	if err := w.WriteMany(context.Background(), store.ContactsCollection, contacts(1), nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WriteMany() = %v, want ErrNotInitialized", err)
	}
}

func TestWorkerTimeoutMidWriteFallsBackCleanly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	worker := NewWorker(db.Path(), Options{ChunkSize: 100, QueueDepth: 1}, zap.NewNop())
	w := newWriter(worker, NewInline(db, 100), zap.NewNop())
	defer w.Close()
	if err := w.Initialize(ctx, store.SessionSchema); err != nil {
		t.Fatal(err)
	}
	worker.timeout = 50 * time.Millisecond

	// Holding up the first progress report stalls the worker's replies, so
	// the request times out while the worker is still inside it.
	var log progressLog
	slow := func(chunk, total int) {
		if chunk == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		log.record(chunk, total)
	}
	records := contacts(1000)
	if err := w.ClearAndReplace(ctx, store.ContactsCollection, records, slow); err != nil {
		t.Fatalf("ClearAndReplace() = %v, want the inline re-run to succeed", err)
	}
	if n := worker.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	h, err := db.OpenSchema(ctx, store.SessionSchema)
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.Count(ctx, store.ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(records) {
		t.Errorf("count = %d, want %d", n, len(records))
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	for i := 1; i < len(log.calls); i++ {
		if log.calls[i][0] <= log.calls[i-1][0] {
			t.Fatalf("progress went backwards: %v", log.calls)
		}
	}
	if last := log.calls[len(log.calls)-1]; last != [2]int{10, 10} {
		t.Errorf("last progress = %v, want [10 10]", last)
	}

	// The worker let go of the database: it takes new work again.
	if err := w.WriteMany(ctx, store.ContactsCollection, contacts(1), nil); err != nil {
		t.Errorf("WriteMany() after fallback = %v", err)
	}
}

func TestForwardOnlyProgress(t *testing.T) {
	var log progressLog
	fn := forwardOnly(log.record)
	for _, c := range []int{1, 2, 1, 2, 3, 3, 4} {
		fn(c, 4)
	}
	want := [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}
	if !reflect.DeepEqual(log.calls, want) {
		t.Errorf("progress = %v, want %v", log.calls, want)
	}
	if forwardOnly(nil) != nil {
		t.Error("forwardOnly(nil) != nil")
	}
}
