package history

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/status"
	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

type call struct {
	r          store.TimeRange
	limit      int
	fromBottom bool
}

// fakeSource answers each call from a scripted list of replies.
type fakeSource struct {
	mu      sync.Mutex
	replies []reply
	calls   []call
}

type reply struct {
	msgs []store.Message
	err  error
}

func (f *fakeSource) FetchRange(_ context.Context, _ string, r store.TimeRange, limit, _ int, fromBottom bool) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{r: r, limit: limit, fromBottom: fromBottom})
	if len(f.replies) == 0 {
		return nil, nil
	}
	rep := f.replies[0]
	f.replies = f.replies[1:]
	return rep.msgs, rep.err
}

type transientErr struct{}

func (transientErr) Error() string   { return "upstream 503" }
func (transientErr) Transient() bool { return true }

var before = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msgs(n int) []store.Message {
	out := make([]store.Message, n)
	for i := range out {
		out[i] = store.Message{Seq: int64(i + 1), Talker: "t1", Time: before.Add(-time.Duration(n-i) * time.Hour)}
	}
	return out
}

func days(r store.TimeRange) float64 {
	return math.Round(r.Days()*1000) / 1000
}

func TestInitialWindow(t *testing.T) {
	p := New(&fakeSource{}, Options{}, nil, zap.NewNop())
	tests := []struct {
		name    string
		limit   int
		density float64
		want    float64
	}{
		{"unknown density small page", 20, 0, 7},
		{"unknown density large page", 50, 0, 10},
		{"ten per day", 70, 10, 7},
		{"very dense clamps to min", 50, 1000, 0.5},
		{"very sparse clamps to max", 50, 0.1, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.InitialWindow(tt.limit, tt.density); got != tt.want {
				t.Errorf("InitialWindow(%d, %v) = %v, want %v", tt.limit, tt.density, got, tt.want)
			}
		})
	}
}

func TestFetchWidensUntilHit(t *testing.T) {
	src := &fakeSource{replies: []reply{{}, {}, {msgs: msgs(3)}}}
	p := New(src, Options{}, nil, zap.NewNop())

	res, err := p.Fetch(context.Background(), Request{Talker: "t1", Before: before, Limit: 70, Density: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(res.Messages))
	}
	if res.TriedTimes != 2 {
		t.Errorf("TriedTimes = %d, want 2", res.TriedTimes)
	}
	if res.Exhausted {
		t.Error("Exhausted = true, want false")
	}

	want := []float64{7, 14, 28}
	if len(src.calls) != len(want) {
		t.Fatalf("calls = %d, want %d", len(src.calls), len(want))
	}
	for i, c := range src.calls {
		if got := days(c.r); got != want[i] {
			t.Errorf("attempt %d window = %v days, want %v", i+1, got, want[i])
		}
		if !c.r.End.Equal(before) {
			t.Errorf("attempt %d end = %v, want %v", i+1, c.r.End, before)
		}
		if !c.fromBottom {
			t.Errorf("attempt %d fromBottom = false, want true", i+1)
		}
	}
	if !res.Range.Start.Equal(src.calls[2].r.Start) {
		t.Errorf("Range = %+v, want last queried range", res.Range)
	}
}

func TestFetchExhaustsAtRetryCeiling(t *testing.T) {
	src := &fakeSource{}
	p := New(src, Options{}, nil, zap.NewNop())

	res, err := p.Fetch(context.Background(), Request{Talker: "t1", Before: before, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exhausted {
		t.Error("Exhausted = false, want true")
	}
	if len(src.calls) != 3 {
		t.Fatalf("attempts = %d, want 3", len(src.calls))
	}
	if res.TriedTimes != 3 {
		t.Errorf("TriedTimes = %d, want 3", res.TriedTimes)
	}
	for i := 1; i < len(src.calls); i++ {
		if src.calls[i].r.Duration() <= src.calls[i-1].r.Duration() {
			t.Errorf("window %d (%v) did not grow past window %d (%v)",
				i+1, src.calls[i].r.Duration(), i, src.calls[i-1].r.Duration())
		}
	}
}

func TestFetchRetryCeilingConfigurable(t *testing.T) {
	src := &fakeSource{}
	p := New(src, Options{RetryCeiling: 5}, nil, zap.NewNop())
	if _, err := p.Fetch(context.Background(), Request{Talker: "t1", Before: before}); err != nil {
		t.Fatal(err)
	}
	if len(src.calls) != 5 {
		t.Errorf("attempts = %d, want 5", len(src.calls))
	}
	if src.calls[0].limit != DefaultPageSize {
		t.Errorf("limit = %d, want page size %d", src.calls[0].limit, DefaultPageSize)
	}
}

func TestFetchTransientErrorCountsAsEmpty(t *testing.T) {
	src := &fakeSource{replies: []reply{{err: transientErr{}}, {msgs: msgs(2)}}}
	p := New(src, Options{}, nil, zap.NewNop())

	res, err := p.Fetch(context.Background(), Request{Talker: "t1", Before: before, Limit: 20})
	if err != nil {
		t.Fatalf("Fetch() = %v, want transient error absorbed", err)
	}
	if res.TriedTimes != 1 || len(res.Messages) != 2 {
		t.Errorf("TriedTimes = %d, messages = %d; want 1, 2", res.TriedTimes, len(res.Messages))
	}
}

func TestFetchPermanentErrorFails(t *testing.T) {
	boom := errors.New("bad request")
	src := &fakeSource{replies: []reply{{err: boom}}}
	b := bus.New()
	sub := b.Subscribe("history.", 16)
	defer sub.Close()
	p := New(src, Options{}, b, zap.NewNop())

	_, err := p.Fetch(context.Background(), Request{Talker: "t1", Before: before})
	if !errors.Is(err, boom) {
		t.Fatalf("Fetch() = %v, want %v", err, boom)
	}
	if len(src.calls) != 1 {
		t.Errorf("attempts = %d, want 1", len(src.calls))
	}

	var last status.State
	for len(sub.Events()) > 0 {
		evt := <-sub.Events()
		last = evt.Payload.(status.StatusChange).To
	}
	if last != status.Failed {
		t.Errorf("last state = %s, want FAILED", last)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{transientErr{}, true},
		{context.DeadlineExceeded, true},
		{errors.New("nope"), false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
