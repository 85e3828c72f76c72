package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var anchor = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(seq int64, offset time.Duration, content string) store.Message {
	return store.Message{ID: seq, Seq: seq, Talker: "alice", Time: anchor.Add(offset), Sender: "alice", Type: 1, Content: content}
}

type names map[string]string

func (n names) DisplayName(talker string) string {
	if v, ok := n[talker]; ok {
		return v
	}
	return talker
}

func TestEnginePersist(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	recon := NewReconciler(db, zap.NewNop())
	e := NewEngine(db, b, recon, names{"alice": "Alice"}, nil)

	sub := b.Subscribe("cache.", 10)
	defer sub.Close()

	batch := store.Batch{Talker: "alice", Messages: []store.Message{
		msg(1, 0, "hi"),
		msg(2, time.Minute, "how are you"),
	}}
	n, err := e.Persist(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	conv, err := db.GetConversation("alice")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.Name != "Alice" || conv.LastMessageText != "how are you" {
		t.Errorf("conversation = %+v, want Alice with last message", conv)
	}

	newest, ok, err := recon.Newest(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !newest.Equal(anchor.Add(time.Minute)) {
		t.Errorf("checkpoint = %v, %v, want %v", newest, ok, anchor.Add(time.Minute))
	}
	meta, err := recon.Meta(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.MessageCount != 2 {
		t.Errorf("cache meta = %+v, want 2 messages", meta)
	}

	select {
	case evt := <-sub.Events():
		if evt.Kind != bus.KindCacheUpdated {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindCacheUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cache.updated event")
	}
}

func TestEnginePersistIdempotent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, NewReconciler(db, zap.NewNop()), nil, nil)
	batch := store.Batch{Talker: "alice", Messages: []store.Message{msg(1, 0, "hi")}}

	if _, err := e.Persist(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe("cache.", 10)
	defer sub.Close()

	n, err := e.Persist(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second persist inserted %d, want 0", n)
	}
	stats, _ := db.CacheStats(context.Background(), "alice")
	if stats.Count != 1 {
		t.Errorf("cached = %d, want 1", stats.Count)
	}
	select {
	case evt := <-sub.Events():
		t.Errorf("unexpected event %q for a no-op persist", evt.Kind)
	default:
	}
}

func TestEngineConsumesTimelineMerges(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, NewReconciler(db, zap.NewNop()), nil, zap.NewNop())
	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{Kind: bus.KindTimelineState, Payload: timeline.Timeline{Talker: "alice"}})
	b.Publish(bus.Event{Kind: bus.KindTimelineMerged, Payload: timeline.Merge{
		Batch: store.Batch{
			Talker:   "alice",
			Messages: []store.Message{msg(1, 0, "a"), msg(2, time.Second, "b")},
			Covered:  store.TimeRange{Start: anchor.Add(-time.Hour), End: anchor.Add(time.Second)},
		},
		Version: 3,
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := db.CacheStats(context.Background(), "alice")
		if err != nil {
			t.Fatal(err)
		}
		cov, err := db.Coverage(context.Background(), "alice")
		if err != nil {
			t.Fatal(err)
		}
		if stats.Count == 2 && len(cov) == 1 {
			if !cov[0].Start.Equal(anchor.Add(-time.Hour)) {
				t.Errorf("coverage starts at %v, want %v", cov[0].Start, anchor.Add(-time.Hour))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("merged messages and coverage never reached the cache")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"toolong", 3, "too"},
		{"你好世界", 2, "你好"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

type call struct {
	talker     string
	r          store.TimeRange
	limit      int
	offset     int
	fromBottom bool
}

type fakeSource struct {
	mu    gosync.Mutex
	pages [][]store.Message
	err   error
	calls []call
}

func (f *fakeSource) FetchRange(_ context.Context, talker string, r store.TimeRange, limit, offset int, fromBottom bool) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{talker, r, limit, offset, fromBottom})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

type openTalkers []string

func (o openTalkers) OpenTalkers() []string { return o }

func newRefresher(t *testing.T, db *store.DB, src *fakeSource, talkers []string, opts RefresherOptions) (*Refresher, *bus.Bus) {
	t.Helper()
	b := bus.New()
	recon := NewReconciler(db, zap.NewNop())
	e := NewEngine(db, b, recon, nil, zap.NewNop())
	r := NewRefresher(src, nil, openTalkers(talkers), e, recon, b, opts, zap.NewNop())
	r.now = func() time.Time { return anchor.Add(time.Hour) }
	return r, b
}

func TestRefreshFetchesNewerThanCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.SaveMessages(ctx, []store.Message{msg(1, 0, "old")}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{pages: [][]store.Message{
		{msg(1, 0, "old"), msg(2, 10*time.Minute, "new"), msg(3, 20*time.Minute, "newer")},
	}}
	r, b := newRefresher(t, db, src, []string{"alice"}, RefresherOptions{PageSize: 10})
	sub := b.Subscribe("cache.", 10)
	defer sub.Close()

	got, err := r.Refresh(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("fetched = %d, want 3", len(got))
	}
	if len(src.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(src.calls))
	}
	c := src.calls[0]
	if !c.r.Start.Equal(anchor) || c.fromBottom {
		t.Errorf("call = %+v, want start at newest cached time going forward", c)
	}

	stats, _ := db.CacheStats(ctx, "alice")
	if stats.Count != 3 {
		t.Errorf("cached = %d, want 3", stats.Count)
	}
	select {
	case evt := <-sub.Events():
		batch, ok := evt.Payload.(store.Batch)
		if !ok || batch.Talker != "alice" {
			t.Errorf("payload = %#v, want alice batch", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cache.updated")
	}

	newest, _, _ := r.recon.Newest(ctx, "alice")
	if !newest.Equal(anchor.Add(20 * time.Minute)) {
		t.Errorf("checkpoint = %v, want %v", newest, anchor.Add(20*time.Minute))
	}
}

func TestRefreshPagesUntilShort(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.SaveMessages(ctx, []store.Message{msg(1, 0, "old")}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{pages: [][]store.Message{
		{msg(2, time.Minute, ""), msg(3, 2*time.Minute, "")},
		{msg(4, 3*time.Minute, ""), msg(5, 4*time.Minute, "")},
		{msg(6, 5*time.Minute, "")},
	}}
	r, _ := newRefresher(t, db, src, []string{"alice"}, RefresherOptions{PageSize: 2})
	if _, err := r.Refresh(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(src.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(src.calls))
	}
	for i, c := range src.calls {
		if c.offset != i*2 {
			t.Errorf("call %d offset = %d, want %d", i, c.offset, i*2)
		}
	}

	cov, err := db.Coverage(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	want := store.TimeRange{Start: anchor, End: anchor.Add(time.Hour)}
	if len(cov) != 1 || !cov[0].Start.Equal(want.Start) || !cov[0].End.Equal(want.End) {
		t.Errorf("coverage = %v, want %v", cov, want)
	}
}

func TestRefreshStoppedAtMaxPagesCoversWhatItRead(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.SaveMessages(ctx, []store.Message{msg(1, 0, "old")}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{pages: [][]store.Message{
		{msg(2, time.Minute, ""), msg(3, 2*time.Minute, "")},
		{msg(4, 3*time.Minute, ""), msg(5, 4*time.Minute, "")},
	}}
	r, _ := newRefresher(t, db, src, []string{"alice"}, RefresherOptions{PageSize: 2, MaxPages: 2})
	if _, err := r.Refresh(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	cov, err := db.Coverage(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(cov) != 1 || !cov[0].End.Equal(anchor.Add(4*time.Minute)) {
		t.Errorf("coverage = %v, want it to end at the last message read", cov)
	}
}

// gateSource answers once release is closed, or fails with the caller's
// context error.
type gateSource struct {
	once    gosync.Once
	started chan struct{}
	release chan struct{}
	page    []store.Message
}

func (g *gateSource) FetchRange(ctx context.Context, _ string, _ store.TimeRange, _, _ int, _ bool) ([]store.Message, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.page, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRefreshOutlivesFirstCaller(t *testing.T) {
	db := testDB(t)
	if _, err := db.SaveMessages(context.Background(), []store.Message{msg(1, 0, "old")}); err != nil {
		t.Fatal(err)
	}
	src := &gateSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
		page:    []store.Message{msg(2, time.Minute, "new")},
	}
	b := bus.New()
	recon := NewReconciler(db, zap.NewNop())
	e := NewEngine(db, b, recon, nil, zap.NewNop())
	r := NewRefresher(src, nil, openTalkers{"alice"}, e, recon, b, RefresherOptions{PageSize: 10}, zap.NewNop())
	r.now = func() time.Time { return anchor.Add(time.Hour) }

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Refresh(first, "alice")
		firstErr <- err
	}()
	<-src.started

	type result struct {
		msgs []store.Message
		err  error
	}
	second := make(chan result, 1)
	go func() {
		msgs, err := r.Refresh(context.Background(), "alice")
		second <- result{msgs, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first Refresh() = %v, want context.Canceled", err)
	}
	close(src.release)

	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("second Refresh() = %v, want the shared fetch to finish", res.err)
		}
		if len(res.msgs) != 1 {
			t.Errorf("second Refresh() = %d messages, want 1", len(res.msgs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Refresh() never returned")
	}
}

func TestRefreshSkipsEmptyCache(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{}
	r, _ := newRefresher(t, db, src, []string{"bob"}, RefresherOptions{})
	got, err := r.Refresh(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || len(src.calls) != 0 {
		t.Errorf("refresh of uncached talker fetched %d with %d calls, want nothing", len(got), len(src.calls))
	}
}

func TestRefreshAllToleratesTransient(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.SaveMessages(ctx, []store.Message{msg(1, 0, "")}); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{err: &chatlog.TransientFetchError{Op: "chatlog", Err: errors.New("timeout")}}
	r, _ := newRefresher(t, db, src, []string{"alice"}, RefresherOptions{})
	if err := r.RefreshAll(ctx); err != nil {
		t.Errorf("RefreshAll() = %v, want transient failure swallowed", err)
	}

	src.err = &chatlog.StatusError{Op: "chatlog", Status: 401}
	if err := r.RefreshAll(ctx); err == nil {
		t.Error("RefreshAll() = nil, want permanent failure reported")
	}
}

type fakeSessions []chatlog.Session

func (f fakeSessions) Sessions(context.Context, int) ([]chatlog.Session, error) { return f, nil }

func TestSyncSessions(t *testing.T) {
	db := testDB(t)
	r, _ := newRefresher(t, db, &fakeSource{}, nil, RefresherOptions{})
	r.sessions = fakeSessions{
		{Talker: "123@chatroom", Name: "family", IsChatRoom: true, LastMessage: "dinner?", LastTime: anchor},
		{Talker: "bob", Name: "Bob", LastTime: anchor.Add(time.Hour)},
	}
	r.syncSessions(context.Background())

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	if convs[0].Talker != "bob" || !convs[1].IsChatRoom {
		t.Errorf("conversations = %+v, want bob first then the chat room", convs)
	}
}
