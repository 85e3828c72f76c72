package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/contacts"
	"github.com/matheus3301/chatlog/internal/history"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeSource struct {
	mu   sync.Mutex
	msgs []store.Message
	err  error
}

func (f *fakeSource) FetchRange(_ context.Context, talker string, r store.TimeRange, limit, _ int, _ bool) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Message
	for _, m := range f.msgs {
		if m.Talker == talker && r.Contains(m.Timestamp()) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeFetcher struct {
	list []chatlog.Contact
}

func (f *fakeFetcher) Contacts(_ context.Context, limit, offset int) ([]chatlog.Contact, error) {
	if offset >= len(f.list) {
		return nil, nil
	}
	end := min(offset+limit, len(f.list))
	return f.list[offset:end], nil
}

type harness struct {
	client *Client
	source *fakeSource
	bus    *bus.Bus
}

func recent(talker string, n int) []store.Message {
	now := time.Now()
	out := make([]store.Message, n)
	for i := range out {
		out[i] = store.Message{
			Seq: int64(i + 1), Talker: talker, Sender: talker, Type: 1,
			Time:    now.Add(-time.Duration(n-i) * time.Hour).Truncate(time.Second),
			Content: fmt.Sprintf("hello %d", i+1),
		}
	}
	return out
}

func startServer(t *testing.T) *harness {
	t.Helper()
	// Unix socket paths have a short length limit, so avoid t.TempDir().
	dir, err := os.MkdirTemp("/tmp", "chatlog-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	logger := zap.NewNop()
	b := bus.New()
	src := &fakeSource{msgs: recent("alice", 3)}
	policy := history.New(src, history.Options{PageSize: 50}, b, logger)
	mgr := timeline.NewManager(policy, src, nil, b, timeline.Options{}, logger)
	fetcher := &fakeFetcher{list: []chatlog.Contact{
		{Wxid: "wxid_alice", Nickname: "Alice", Type: chatlog.ContactFriend},
		{Wxid: "wxid_bob", Nickname: "Bob", Type: chatlog.ContactFriend},
		{Wxid: "room@chatroom", Nickname: "Team", Type: chatlog.ContactChatRoom},
	}}
	dirSvc := contacts.New(fetcher, nil, nil, b, contacts.Options{PageSize: 2, PageDelay: time.Millisecond}, logger)

	statusSvc := NewStatusService("test", nil, nil, mgr, dirSvc, b, logger)
	statusSvc.Start(context.Background())
	t.Cleanup(statusSvc.Stop)

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv, Services{
		Timeline:     NewTimelineService(mgr, "test", logger),
		Contacts:     NewContactService(dirSvc, logger),
		Conversation: NewConversationService(nil, mgr, dirSvc, logger),
		Status:       statusSvc,
	})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return &harness{client: client, source: src, bus: b}
}

func TestOpenAndMessages(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	view, err := h.client.Open(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if view.Counts.Messages != 3 {
		t.Errorf("Counts.Messages = %d, want 3", view.Counts.Messages)
	}
	if got := view.Messages(); len(got) != 3 || got[0].Content != "hello 1" {
		t.Errorf("view messages = %v, want 3 oldest first", got)
	}

	reply, err := h.client.Messages(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Count != 3 {
		t.Errorf("Messages count = %d, want 3", reply.Count)
	}
	if !reply.Messages[2].Time.Equal(h.source.msgs[2].Time) {
		t.Errorf("time = %v, want %v", reply.Messages[2].Time, h.source.msgs[2].Time)
	}
}

func TestOpenRangeCarriesSentinel(t *testing.T) {
	h := startServer(t)
	end := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	r := store.TimeRange{Start: end.Add(-24 * time.Hour), End: end}

	view, err := h.client.Open(context.Background(), "alice", &r)
	if err != nil {
		t.Fatal(err)
	}
	sentinels := view.Sentinels()
	if len(sentinels) != 1 {
		t.Fatalf("sentinels = %d, want 1", len(sentinels))
	}
	if view.Entries[0].Kind != timeline.EmptyRange.String() {
		t.Errorf("first entry kind = %q, want %q", view.Entries[0].Kind, timeline.EmptyRange.String())
	}
	if !sentinels[0].Range.Start.Equal(r.Start) {
		t.Errorf("sentinel start = %v, want %v", sentinels[0].Range.Start, r.Start)
	}
}

func TestOpenFailureInView(t *testing.T) {
	h := startServer(t)
	h.source.err = &chatlog.TransientFetchError{Op: "chatlog", Err: errors.New("connection refused")}

	view, err := h.client.Open(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("Open() error = %v, want the failure inside the view", err)
	}
	if view.Error == "" {
		t.Error("view.Error is empty")
	}
	if !view.HasMoreOlder {
		t.Error("HasMoreOlder = false after a failed open")
	}
}

func TestErrorsKeepTheirIdentity(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	if _, err := h.client.Snapshot(ctx, "nobody"); !errors.Is(err, timeline.ErrNoConversation) {
		t.Errorf("Snapshot() error = %v, want ErrNoConversation", err)
	}
	if _, err := h.client.Open(ctx, "alice", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.ResolveSentinel(ctx, "alice", "missing"); !errors.Is(err, timeline.ErrUnknownSentinel) {
		t.Errorf("ResolveSentinel() error = %v, want ErrUnknownSentinel", err)
	}
	if _, err := h.client.Open(ctx, "", nil); err == nil {
		t.Error("Open() with no talker succeeded")
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no conversation", fmt.Errorf("%w: bob", timeline.ErrNoConversation), timeline.ErrNoConversation},
		{"unknown sentinel", fmt.Errorf("%w: x", timeline.ErrUnknownSentinel), timeline.ErrUnknownSentinel},
		{"fetch in flight", timeline.ErrFetchInFlight, timeline.ErrFetchInFlight},
		{"refresh in flight", contacts.ErrRefreshInFlight, contacts.ErrRefreshInFlight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fromStatus(toStatus(tt.err)); !errors.Is(got, tt.want) {
				t.Errorf("round trip = %v, want %v", got, tt.want)
			}
		})
	}

	transient := &chatlog.TransientFetchError{Op: "chatlog", Err: errors.New("timeout")}
	if got := fromStatus(toStatus(transient)); !chatlog.IsTransient(got) {
		t.Errorf("transient round trip = %v, want transient", got)
	}
}

func TestWatchStreamsTimelineEvents(t *testing.T) {
	h := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := h.bus.Subscribers()
	events := make(chan *EventEnvelope, 16)
	go h.client.Watch(ctx, "alice", func(env *EventEnvelope) error {
		events <- env
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.Subscribers() == before {
		if time.Now().After(deadline) {
			t.Fatal("watch never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.client.Open(context.Background(), "alice", nil); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case env := <-events:
			if env.Talker != "alice" {
				t.Errorf("event talker = %q, want alice", env.Talker)
			}
			if env.EventID == "" || env.Profile != "test" {
				t.Errorf("envelope = %+v, want id and profile set", env)
			}
			if env.Kind == bus.KindTimelineMerged {
				if env.Added != 3 {
					t.Errorf("merged added = %d, want 3", env.Added)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no merge event")
		}
	}
}

func TestRefreshContactsStreamsProgress(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	var updates []ProgressUpdate
	err := h.client.RefreshContacts(ctx, func(p *ProgressUpdate) error {
		updates = append(updates, *p)
		return nil
	})
	if err != nil {
		t.Fatalf("RefreshContacts() error = %v", err)
	}
	if len(updates) == 0 {
		t.Fatal("no progress updates")
	}
	last := updates[len(updates)-1]
	if last.Phase != contacts.PhaseDone || last.Percentage != 100 {
		t.Errorf("last update = %+v, want done at 100%%", last)
	}

	found, err := h.client.SearchContacts(ctx, "ali", 0)
	if err != nil {
		t.Fatal(err)
	}
	if found.Total != 3 || len(found.Contacts) != 1 || found.Contacts[0].Wxid != "wxid_alice" {
		t.Errorf("search = %+v, want only wxid_alice of 3", found)
	}
}

func TestStatus(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	if _, err := h.client.Open(ctx, "alice", nil); err != nil {
		t.Fatal(err)
	}

	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Profile != "test" || st.Storage != "memory" {
		t.Errorf("status = %+v, want profile test on memory storage", st)
	}
	if len(st.Open) != 1 || st.Open[0].Talker != "alice" || st.Open[0].Counts.Messages != 3 {
		t.Errorf("open = %+v, want alice with 3 messages", st.Open)
	}
}

func TestClientAccessor(t *testing.T) {
	h := startServer(t)
	acc := h.client.Accessor()
	ctx := context.Background()

	if err := acc.Open(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	msgs, err := acc.Messages("alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}
}

func TestConversationsWithoutStorage(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	list, err := h.client.Conversations(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 0 {
		t.Errorf("conversations = %d before any open, want 0", len(list.Conversations))
	}

	if _, err := h.client.Open(ctx, "alice", nil); err != nil {
		t.Fatal(err)
	}
	list, err = h.client.Conversations(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(list.Conversations))
	}
	c := list.Conversations[0]
	if c.Talker != "alice" || !c.Open || c.LastMessageText != "hello 3" {
		t.Errorf("conversation = %+v, want open alice ending in hello 3", c)
	}
}

func TestSearchMessagesWithoutStorage(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()
	if _, err := h.client.Open(ctx, "alice", nil); err != nil {
		t.Fatal(err)
	}

	reply, err := h.client.SearchMessages(ctx, "HELLO 2", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(reply.Results))
	}
	if got := reply.Results[0].Snippet; got != "<<hello 2>>" {
		t.Errorf("snippet = %q, want %q", got, "<<hello 2>>")
	}

	if _, err := h.client.SearchMessages(ctx, "  ", "", 0); grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty query error = %v, want InvalidArgument", err)
	}
}
