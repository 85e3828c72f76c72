package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/history"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Talkers lists the conversations that are currently open.
type Talkers interface {
	OpenTalkers() []string
}

// SessionLister returns the remote conversation list.
type SessionLister interface {
	Sessions(ctx context.Context, limit int) ([]chatlog.Session, error)
}

// RefresherOptions tunes the background refresh.
type RefresherOptions struct {
	Interval     time.Duration
	Concurrency  int
	PageSize     int
	MaxPages     int
	SessionLimit int
}

func (o RefresherOptions) withDefaults() RefresherOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 10
	}
	if o.SessionLimit <= 0 {
		o.SessionLimit = 200
	}
	return o
}

// Refresher pulls messages newer than the cache for open conversations,
// caches them and announces them with cache.updated. Open timelines append
// what they do not hold yet.
type Refresher struct {
	source   history.Source
	sessions SessionLister
	talkers  Talkers
	engine   *Engine
	recon    *Reconciler
	bus      *bus.Bus
	opts     RefresherOptions
	logger   *zap.Logger

	group  singleflight.Group
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewRefresher creates a refresher. sessions may be nil.
func NewRefresher(source history.Source, sessions SessionLister, talkers Talkers, engine *Engine, recon *Reconciler, b *bus.Bus, opts RefresherOptions, logger *zap.Logger) *Refresher {
	return &Refresher{
		source:   source,
		sessions: sessions,
		talkers:  talkers,
		engine:   engine,
		recon:    recon,
		bus:      b,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the refresh loop and reacts to timelines opened from cache.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.base = ctx
	r.done = make(chan struct{})
	sub := r.bus.Subscribe(bus.KindTimelineOpened, 64)

	go func() {
		defer close(r.done)
		defer sub.Close()
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		r.syncSessions(ctx)
		for {
			select {
			case <-ticker.C:
				r.syncSessions(ctx)
				if err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("refresh failed", zap.Error(err))
				}
			case evt := <-sub.Events():
				opened, ok := evt.Payload.(timeline.Opened)
				if !ok || !opened.FromCache {
					continue
				}
				go func() {
					if _, err := r.Refresh(ctx, opened.Talker); err != nil && ctx.Err() == nil {
						r.logger.Warn("refresh after open failed", zap.String("talker", opened.Talker), zap.Error(err))
					}
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// RefreshAll refreshes every open conversation, at most Concurrency at a time.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, talker := range r.talkers.OpenTalkers() {
		g.Go(func() error {
			_, err := r.Refresh(ctx, talker)
			if chatlog.IsTransient(err) {
				r.logger.Warn("transient refresh failure", zap.String("talker", talker), zap.Error(err))
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Refresh fetches what is newer than the talker's checkpoint. A talker with
// nothing cached is skipped; opening it fetches its first page. Concurrent
// calls for one talker share a single fetch, which runs for the refresher's
// lifetime rather than the first caller's: a caller that gives up only stops
// waiting. It returns the messages fetched.
func (r *Refresher) Refresh(ctx context.Context, talker string) ([]store.Message, error) {
	base := r.base
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	ch := r.group.DoChan(talker, func() (any, error) {
		return r.refresh(base, talker)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]store.Message), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, talker string) ([]store.Message, error) {
	since, ok, err := r.recon.Newest(ctx, talker)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok {
		stats, err := r.recon.Record(ctx, talker)
		if err != nil {
			return nil, err
		}
		if stats.Count == 0 {
			return []store.Message{}, nil
		}
		since = stats.Newest
	}

	rng := store.TimeRange{Start: since, End: r.now()}
	var fetched []store.Message
	drained := false
	for page := 0; page < r.opts.MaxPages; page++ {
		msgs, err := r.source.FetchRange(ctx, talker, rng, r.opts.PageSize, page*r.opts.PageSize, false)
		if err != nil {
			return nil, fmt.Errorf("refresh %s: %w", talker, err)
		}
		fetched = append(fetched, msgs...)
		if len(msgs) < r.opts.PageSize {
			drained = true
			break
		}
	}

	var newer []store.Message
	for _, m := range fetched {
		if m.Timestamp().Before(since) {
			continue
		}
		newer = append(newer, m)
	}
	if len(newer) == 0 {
		return []store.Message{}, nil
	}
	// Stopping at MaxPages leaves the rest of the range for the next round.
	covered := rng
	if !drained {
		covered.End = newer[len(newer)-1].Timestamp()
	}
	if _, err := r.engine.Persist(ctx, store.Batch{Talker: talker, Messages: newer, Covered: covered}); err != nil {
		return nil, err
	}
	r.logger.Debug("refreshed conversation", zap.String("talker", talker), zap.Int("messages", len(newer)))
	return newer, nil
}

// syncSessions mirrors the remote conversation list into the conversations table.
func (r *Refresher) syncSessions(ctx context.Context) {
	if r.sessions == nil {
		return
	}
	list, err := r.sessions.Sessions(ctx, r.opts.SessionLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("failed to list sessions", zap.Error(err))
		}
		return
	}
	for _, s := range list {
		c := &store.Conversation{
			Talker:          s.Talker,
			Name:            s.Name,
			IsChatRoom:      s.IsChatRoom,
			LastMessageAt:   s.LastTime.UnixMilli(),
			LastMessageText: truncate(s.LastMessage, 100),
		}
		if s.LastTime.IsZero() {
			c.LastMessageAt = 0
		}
		if err := r.engine.db.UpsertConversation(c); err != nil {
			r.logger.Warn("failed to upsert conversation", zap.String("talker", s.Talker), zap.Error(err))
		}
	}
}
