package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/history"
	"github.com/matheus3301/chatlog/internal/reconcile"
	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the read side of the local message cache. Coverage lists the
// spans known to be cached completely, oldest first.
type Cache interface {
	CachedMessages(ctx context.Context, talker string, limit int) ([]store.Message, error)
	Coverage(ctx context.Context, talker string) ([]store.TimeRange, error)
}

// Options tunes the manager. Zero fields take their defaults.
type Options struct {
	PageSize      int
	InitialWindow time.Duration
	Contiguity    time.Duration
	TimeGap       time.Duration
}

type conversation struct {
	tl       Timeline
	gen      uint64
	fetching bool
}

// Manager owns every open timeline. All mutation of a conversation's entries
// happens under its lock; remote fetches run outside it, and their results
// are applied only if the conversation is still the one they started on.
type Manager struct {
	policy *history.Policy
	source history.Source
	cache  Cache
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	group singleflight.Group

	mu     sync.Mutex
	convs  map[string]*conversation
	gen    uint64
	cancel context.CancelFunc
}

// NewManager creates a manager. cache may be nil, in which case timelines
// live in memory only.
func NewManager(policy *history.Policy, source history.Source, cache Cache, b *bus.Bus, opts Options, logger *zap.Logger) *Manager {
	if opts.PageSize <= 0 {
		opts.PageSize = policy.PageSize()
	}
	if opts.InitialWindow <= 0 {
		opts.InitialWindow = history.DefaultWindowDays * 24 * time.Hour
	}
	if opts.Contiguity <= 0 {
		opts.Contiguity = reconcile.DefaultContiguity
	}
	if opts.TimeGap <= 0 {
		opts.TimeGap = reconcile.DefaultTimeGap
	}
	if b == nil {
		b = bus.New()
	}
	return &Manager{
		policy: policy,
		source: source,
		cache:  cache,
		bus:    b,
		logger: logger,
		opts:   opts,
		convs:  make(map[string]*conversation),
	}
}

// Start applies cache updates from the background refresher to open timelines.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	sub := m.bus.Subscribe("cache.", 64)

	go func() {
		defer sub.Close()
		for {
			select {
			case evt := <-sub.Events():
				if batch, ok := evt.Payload.(store.Batch); ok && evt.Kind == bus.KindCacheUpdated {
					m.appendNewer(batch)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops applying cache updates.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Subscribe registers for timeline events. Close the subscription when done.
func (m *Manager) Subscribe(buf int) *bus.Subscription {
	return m.bus.Subscribe("timeline.", buf)
}

// Open loads a conversation: from the cache when it holds anything, otherwise
// from the remote source over the initial window. Opening an already open
// conversation returns its current snapshot.
func (m *Manager) Open(ctx context.Context, talker string) (Timeline, error) {
	return m.open(ctx, talker, nil)
}

// OpenRange reopens a conversation constrained to r. The loaded page is
// preceded by an empty-range marker pointing at r's start.
func (m *Manager) OpenRange(ctx context.Context, talker string, r store.TimeRange) (Timeline, error) {
	return m.open(ctx, talker, &r)
}

func (m *Manager) open(ctx context.Context, talker string, window *store.TimeRange) (Timeline, error) {
	m.mu.Lock()
	if c, ok := m.convs[talker]; ok && window == nil {
		snap := c.tl.clone()
		m.mu.Unlock()
		return snap, nil
	}
	m.gen++
	c := &conversation{
		gen:      m.gen,
		fetching: true,
		tl:       Timeline{Talker: talker, LoadingHistory: true},
	}
	m.convs[talker] = c
	gen := c.gen
	m.mu.Unlock()

	limit := m.opts.PageSize
	if window == nil && m.cache != nil {
		cached, err := m.cache.CachedMessages(ctx, talker, limit)
		if err != nil {
			m.logger.Warn("failed to read message cache", zap.String("talker", talker), zap.Error(err))
		}
		if len(cached) > 0 {
			cov, err := m.cache.Coverage(ctx, talker)
			if err != nil {
				m.logger.Warn("failed to read cache coverage", zap.String("talker", talker), zap.Error(err))
			}
			snap, err := m.finish(talker, gen, func(c *conversation) store.Batch {
				c.tl.Entries = cachedEntries(talker, cached, cov)
				c.tl.HasMoreOlder = len(cached) >= limit
				return store.Batch{}
			})
			if err != nil {
				return Timeline{}, err
			}
			m.publish(bus.KindTimelineOpened, Opened{Talker: talker, FromCache: true, Newest: cached[len(cached)-1].Timestamp()})
			return snap, nil
		}
	}

	r := store.TimeRange{End: time.Now()}
	r.Start = r.End.Add(-m.opts.InitialWindow)
	if window != nil {
		r = *window
	}
	msgs, err := m.source.FetchRange(ctx, talker, r, limit, 0, true)
	if err != nil {
		snap, ferr := m.finish(talker, gen, func(c *conversation) store.Batch {
			c.tl.Err = err
			c.tl.HasMoreOlder = true
			return store.Batch{}
		})
		if ferr != nil {
			return Timeline{}, ferr
		}
		return snap, fmt.Errorf("open %s: %w", talker, err)
	}
	sortByTime(msgs)

	snap, err := m.finish(talker, gen, func(c *conversation) store.Batch {
		unique := reconcile.Deduplicate(nil, msgs).Unique
		entries := toEntries(unique)
		batch := store.Batch{Messages: unique}
		if window != nil {
			entries = insertAt(entries, 0, NewEmptyRange(talker, *window, 0, window.Start))
		} else if len(msgs) > 0 {
			batch.Covered = coverage(r, msgs, limit, true)
		}
		c.tl.Entries = entries
		c.tl.HasMoreOlder = len(msgs) >= limit && window == nil
		return batch
	})
	if err != nil {
		return Timeline{}, err
	}
	var newest time.Time
	if len(msgs) > 0 {
		newest = msgs[len(msgs)-1].Timestamp()
	}
	m.publish(bus.KindTimelineOpened, Opened{Talker: talker, Newest: newest})
	return snap, nil
}

// LoadMore fetches the page older than the timeline's oldest edge. Concurrent
// calls for one talker share a single fetch.
func (m *Manager) LoadMore(ctx context.Context, talker string) (Timeline, error) {
	v, err, _ := m.group.Do(talker, func() (any, error) {
		return m.loadMore(ctx, talker)
	})
	tl, _ := v.(Timeline)
	return tl.clone(), err
}

func (m *Manager) loadMore(ctx context.Context, talker string) (Timeline, error) {
	var (
		before   time.Time
		existing []store.Message
	)
	gen, err := m.begin(talker, func(c *conversation) error {
		existing = realMessages(c.tl.Entries)
		before = cursor(c.tl.Entries)
		return nil
	})
	if err != nil {
		return Timeline{}, err
	}

	limit := m.opts.PageSize
	density := reconcile.Density(existing)
	res, err := m.policy.Fetch(ctx, history.Request{Talker: talker, Before: before, Limit: limit, Density: density})
	if err != nil {
		snap, ferr := m.finish(talker, gen, func(c *conversation) store.Batch {
			c.tl.Err = err
			return store.Batch{}
		})
		if ferr != nil {
			return Timeline{}, ferr
		}
		return snap, err
	}
	sortByTime(res.Messages)

	return m.finish(talker, gen, func(c *conversation) store.Batch {
		return m.mergeOlder(c, res, limit, density)
	})
}

// mergeOlder prepends a history result. A full page not contiguous with the
// existing data gets a gap marker at its newer edge; a short page that starts
// well after the requested start gets an empty-range marker at its older
// edge. Never both.
func (m *Manager) mergeOlder(c *conversation, res *history.Result, limit int, density float64) store.Batch {
	talker := c.tl.Talker
	c.tl.TriedTimes = res.TriedTimes
	if len(res.Messages) == 0 {
		c.tl.Entries = insertAt(c.tl.Entries, 0, NewEmptyRange(talker, res.Range, res.TriedTimes, res.Range.Start))
		c.tl.HasMoreOlder = true
		return store.Batch{}
	}

	existing := realMessages(c.tl.Entries)
	out := reconcile.Deduplicate(existing, res.Messages)
	m.logAmbiguous(talker, out)

	full := len(res.Messages) >= limit
	joined := !full || reconcile.IsContiguous(res.Messages, existing, m.opts.Contiguity)
	covered := coverage(res.Range, res.Messages, limit, joined)
	var head, tail []Entry
	switch {
	case full && len(out.Unique) > 0:
		if !joined {
			newest := out.Unique[len(out.Unique)-1].Timestamp()
			end := res.Range.End
			tail = append(tail, NewGap(talker, newest, end, reconcile.EstimateCount(end.Sub(newest), density)))
		}
	case !full:
		if end, ok := reconcile.DetectTimeGap(res.Range.Start, out.Unique, m.opts.TimeGap); ok {
			gap := store.TimeRange{Start: res.Range.Start, End: end}
			head = append(head, NewEmptyRange(talker, gap, 0, res.Range.Start))
			covered.Start = end
		}
	}

	add := append(head, toEntries(out.Unique)...)
	add = append(add, tail...)
	c.tl.Entries = insertAt(c.tl.Entries, 0, add...)
	c.tl.HasMoreOlder = full
	return store.Batch{Messages: out.Unique, Covered: covered}
}

// ResolveSentinel removes a marker and fetches its range once. On failure the
// marker goes back where it was, unchanged.
func (m *Manager) ResolveSentinel(ctx context.Context, talker, id string) (Timeline, error) {
	var (
		removed Entry
		idx     int
	)
	gen, err := m.begin(talker, func(c *conversation) error {
		idx = markerIndex(c.tl.Entries, id)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownSentinel, id)
		}
		removed = c.tl.Entries[idx]
		c.tl.Entries = removeAt(c.tl.Entries, idx)
		return nil
	})
	if err != nil {
		return Timeline{}, err
	}
	marker, _ := removed.Marker()

	limit := m.opts.PageSize
	msgs, err := m.source.FetchRange(ctx, talker, marker.Range, limit, 0, true)
	if err != nil {
		snap, ferr := m.finish(talker, gen, func(c *conversation) store.Batch {
			c.tl.Entries = insertAt(c.tl.Entries, idx, removed)
			c.tl.Err = err
			return store.Batch{}
		})
		if ferr != nil {
			return Timeline{}, ferr
		}
		return snap, fmt.Errorf("resolve sentinel %s: %w", id, err)
	}
	sortByTime(msgs)

	return m.finish(talker, gen, func(c *conversation) store.Batch {
		if len(msgs) == 0 {
			return store.Batch{}
		}
		existing := realMessages(c.tl.Entries)
		density := reconcile.Density(existing)
		out := reconcile.Deduplicate(existing, msgs)
		m.logAmbiguous(talker, out)

		if idx > len(c.tl.Entries) {
			idx = len(c.tl.Entries)
		}
		full := len(msgs) >= limit
		newer := realMessages(c.tl.Entries[idx:])
		joined := !full || reconcile.IsContiguous(msgs, newer, m.opts.Contiguity)

		var add []Entry
		// A full page reaches back only to its oldest message; the marker
		// keeps what lies before that.
		if oldest := msgs[0].Timestamp(); full && oldest.After(marker.Range.Start) {
			rest := removed
			rest.setEnd(oldest)
			add = append(add, rest)
		}
		add = append(add, toEntries(out.Unique)...)
		if full && !joined && len(out.Unique) > 0 {
			newest := out.Unique[len(out.Unique)-1].Timestamp()
			end := marker.Range.End
			add = append(add, NewGap(talker, newest, end, reconcile.EstimateCount(end.Sub(newest), density)))
		}
		c.tl.Entries = insertAt(c.tl.Entries, idx, add...)
		return store.Batch{Messages: out.Unique, Covered: coverage(marker.Range, msgs, limit, joined)}
	})
}

// RequestRange makes sure r is resident, fetching and merging it if not, and
// returns the real messages inside it. The conversation is opened if needed.
func (m *Manager) RequestRange(ctx context.Context, talker string, r store.TimeRange) ([]store.Message, error) {
	m.mu.Lock()
	c, ok := m.convs[talker]
	isResident := ok && resident(c.tl.Entries, r)
	m.mu.Unlock()

	if !ok {
		if _, err := m.Open(ctx, talker); err != nil {
			return nil, err
		}
	}
	if isResident {
		return m.Messages(talker, &r)
	}

	gen, err := m.begin(talker, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := m.source.FetchRange(ctx, talker, r, m.opts.PageSize, 0, true)
	if err != nil {
		if _, ferr := m.finish(talker, gen, func(c *conversation) store.Batch {
			c.tl.Err = err
			return store.Batch{}
		}); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("request range %s: %w", talker, err)
	}
	sortByTime(msgs)

	if _, err := m.finish(talker, gen, func(c *conversation) store.Batch {
		return m.mergeRange(c, r, msgs)
	}); err != nil {
		return nil, err
	}
	return m.Messages(talker, &r)
}

// mergeRange merges an explicitly requested range. A batch that ends before
// the timeline's older edge without touching it gets a gap marker up to that
// edge, so the skipped span stays visible and LoadMore continues below the
// batch. Otherwise the messages are merged in time order and the markers the
// fetch covered shrink or go away.
func (m *Manager) mergeRange(c *conversation, r store.TimeRange, msgs []store.Message) store.Batch {
	talker := c.tl.Talker
	if len(msgs) == 0 {
		return store.Batch{}
	}
	limit := m.opts.PageSize
	existing := realMessages(c.tl.Entries)
	out := reconcile.Deduplicate(existing, msgs)
	m.logAmbiguous(talker, out)
	covered := coverage(r, msgs, limit, true)

	edge := cursor(c.tl.Entries)
	detached := len(existing) > 0 &&
		covered.End.Add(m.opts.Contiguity).Before(edge) &&
		!reconcile.IsContiguous(msgs, existing, m.opts.Contiguity)
	if detached {
		if len(out.Unique) == 0 {
			return store.Batch{}
		}
		density := reconcile.Density(existing)
		gap := NewGap(talker, covered.End, edge, reconcile.EstimateCount(edge.Sub(covered.End), density))
		add := append(toEntries(out.Unique), gap)
		c.tl.Entries = insertAt(c.tl.Entries, 0, add...)
		return store.Batch{Messages: out.Unique, Covered: covered}
	}

	c.tl.Entries = mergeSorted(trimMarkers(c.tl.Entries, covered), out.Unique)
	return store.Batch{Messages: out.Unique, Covered: covered}
}

// Messages returns the real messages of an open conversation, oldest first,
// limited to window when it is non-nil.
func (m *Manager) Messages(talker string, window *store.TimeRange) ([]store.Message, error) {
	tl, err := m.Snapshot(talker)
	if err != nil {
		return nil, err
	}
	msgs := tl.Messages()
	if window == nil {
		return msgs, nil
	}
	out := msgs[:0]
	for _, msg := range msgs {
		if window.Contains(msg.Timestamp()) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Snapshot returns a copy of the conversation's timeline.
func (m *Manager) Snapshot(talker string) (Timeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[talker]
	if !ok {
		return Timeline{}, fmt.Errorf("%w: %s", ErrNoConversation, talker)
	}
	return c.tl.clone(), nil
}

// Close drops a conversation. Fetches still running for it are discarded
// when they return.
func (m *Manager) Close(talker string) {
	m.mu.Lock()
	delete(m.convs, talker)
	m.mu.Unlock()
}

// OpenTalkers lists the open conversations.
func (m *Manager) OpenTalkers() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.convs))
	for t := range m.convs {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// appendNewer merges messages the refresher already cached.
func (m *Manager) appendNewer(batch store.Batch) {
	m.mu.Lock()
	c, ok := m.convs[batch.Talker]
	if !ok {
		m.mu.Unlock()
		return
	}
	out := reconcile.Deduplicate(realMessages(c.tl.Entries), batch.Messages)
	if len(out.Unique) == 0 {
		m.mu.Unlock()
		return
	}
	c.tl.Entries = mergeSorted(c.tl.Entries, out.Unique)
	c.tl.Version++
	snap := c.tl.clone()
	m.mu.Unlock()

	m.publish(bus.KindTimelineState, snap)
}

// begin marks a fetch in flight. fn runs under the lock before the flag is
// set and may reject the operation.
func (m *Manager) begin(talker string, fn func(c *conversation) error) (uint64, error) {
	m.mu.Lock()
	c, ok := m.convs[talker]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNoConversation, talker)
	}
	if c.fetching {
		m.mu.Unlock()
		return 0, ErrFetchInFlight
	}
	if fn != nil {
		if err := fn(c); err != nil {
			m.mu.Unlock()
			return 0, err
		}
	}
	c.fetching = true
	c.tl.LoadingHistory = true
	c.tl.Err = nil
	c.tl.Version++
	snap := c.tl.clone()
	m.mu.Unlock()

	m.publish(bus.KindTimelineState, snap)
	return c.gen, nil
}

// finish applies fn if the conversation is still the one the fetch started
// on, clears the in-flight flag and publishes the new state. fn returns the
// real messages it merged and the span the fetch covered.
func (m *Manager) finish(talker string, gen uint64, fn func(c *conversation) store.Batch) (Timeline, error) {
	m.mu.Lock()
	c, ok := m.convs[talker]
	if !ok || c.gen != gen {
		m.mu.Unlock()
		m.logger.Info("discarding fetch result for a timeline that moved on", zap.String("talker", talker))
		return Timeline{}, fmt.Errorf("%w: %s", ErrNoConversation, talker)
	}
	merged := fn(c)
	c.fetching = false
	c.tl.LoadingHistory = false
	c.tl.Version++
	snap := c.tl.clone()
	m.mu.Unlock()

	m.publish(bus.KindTimelineState, snap)
	if len(merged.Messages) > 0 {
		merged.Talker = talker
		m.publish(bus.KindTimelineMerged, Merge{Batch: merged, Version: snap.Version})
	}
	return snap, nil
}

func (m *Manager) publish(kind string, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (m *Manager) logAmbiguous(talker string, out reconcile.Outcome) {
	for _, a := range out.Ambiguous {
		m.logger.Info("reconciliation ambiguity, keeping both versions",
			zap.String("talker", talker),
			zap.Int64("seq", a.Incoming.Seq),
			zap.Time("time", a.Incoming.Timestamp()))
	}
}

// cursor is the point older history is fetched before: the suggestion of a
// leading empty-range marker, else the oldest real message, else now.
func cursor(entries []Entry) time.Time {
	if len(entries) > 0 && entries[0].Kind() == EmptyRange {
		mk := entries[0].marker
		if !mk.SuggestedNextTime.IsZero() {
			return mk.SuggestedNextTime
		}
		return mk.Range.Start
	}
	for _, e := range entries {
		if e.Kind() == Real {
			return e.msg.Timestamp()
		}
	}
	return time.Now()
}

// resident reports whether real messages span r with no marker inside it.
func resident(entries []Entry, r store.TimeRange) bool {
	msgs := realMessages(entries)
	if len(msgs) == 0 {
		return false
	}
	if msgs[0].Timestamp().After(r.Start) || msgs[len(msgs)-1].Timestamp().Before(r.End) {
		return false
	}
	for _, e := range entries {
		if mk, ok := e.Marker(); ok && mk.Range.Start.Before(r.End) && mk.Range.End.After(r.Start) {
			return false
		}
	}
	return true
}

// coverage is the part of r a fetch returning msgs (oldest first) proved
// complete. A short page covers all of r. A full page covers from its oldest
// message up to r's end when it joins the newer data, and only up to its own
// newest message when it does not.
func coverage(r store.TimeRange, msgs []store.Message, limit int, joined bool) store.TimeRange {
	if len(msgs) < limit {
		return r
	}
	c := store.TimeRange{Start: msgs[0].Timestamp(), End: r.End}
	if !joined {
		c.End = msgs[len(msgs)-1].Timestamp()
	}
	return c
}

// cachedEntries rebuilds a cached page. Neighbouring messages that fall in
// different coverage spans, or where only one of them is covered, get a gap
// marker between them. Without any coverage the page is taken as one run.
func cachedEntries(talker string, msgs []store.Message, cov []store.TimeRange) []Entry {
	if len(cov) == 0 {
		return toEntries(msgs)
	}
	density := reconcile.Density(msgs)
	out := make([]Entry, 0, len(msgs))
	prev := -1
	for i, msg := range msgs {
		span := spanOf(cov, msg.Timestamp())
		if i > 0 && span != prev {
			from, to := msgs[i-1].Timestamp(), msg.Timestamp()
			if prev >= 0 && cov[prev].End.After(from) {
				from = cov[prev].End
			}
			if span >= 0 && cov[span].Start.Before(to) {
				to = cov[span].Start
			}
			if to.Before(from) {
				from, to = msgs[i-1].Timestamp(), msg.Timestamp()
			}
			out = append(out, NewGap(talker, from, to, reconcile.EstimateCount(to.Sub(from), density)))
		}
		out = append(out, Message(msg))
		prev = span
	}
	return out
}

// spanOf returns the index of the span holding t, compared at millisecond
// precision, or -1.
func spanOf(cov []store.TimeRange, t time.Time) int {
	ms := t.UnixMilli()
	for i, r := range cov {
		if ms >= r.Start.UnixMilli() && ms <= r.End.UnixMilli() {
			return i
		}
	}
	return -1
}

// trimMarkers cuts the span a fetch covered out of every marker. Markers it
// covers entirely are dropped; one it falls inside is split in two.
func trimMarkers(entries []Entry, covered store.TimeRange) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	for _, e := range entries {
		if e.kind == Real {
			out = append(out, e)
			continue
		}
		mk := e.marker
		if !mk.Range.Start.Before(covered.End) || !mk.Range.End.After(covered.Start) {
			out = append(out, e)
			continue
		}
		older := mk.Range.Start.Before(covered.Start)
		newer := mk.Range.End.After(covered.End)
		switch {
		case older && newer:
			lo, hi := e, e
			lo.setEnd(covered.Start)
			hi.marker.ID = uuid.NewString()
			hi.setStart(covered.End)
			out = append(out, lo, hi)
		case older:
			e.setEnd(covered.Start)
			out = append(out, e)
		case newer:
			e.setStart(covered.End)
			out = append(out, e)
		}
	}
	return out
}

func toEntries(msgs []store.Message) []Entry {
	out := make([]Entry, len(msgs))
	for i, msg := range msgs {
		out[i] = Message(msg)
	}
	return out
}

func sortByTime(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp().Before(msgs[j].Timestamp())
	})
}
