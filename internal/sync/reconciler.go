package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

// NewestKey is the checkpoint key holding the newest cached message time of a talker.
func NewestKey(talker string) string {
	return "newest:" + talker
}

// Reconciler keeps per-talker checkpoints and the cache_meta collection in
// step with the message cache.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger

	mu     sync.Mutex
	handle *store.Handle
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// Record reads the talker's cache bounds and stores them as its checkpoint
// and cache metadata.
func (r *Reconciler) Record(ctx context.Context, talker string) (store.CacheStats, error) {
	stats, err := r.db.CacheStats(ctx, talker)
	if err != nil {
		return store.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	if stats.Count == 0 {
		return stats, nil
	}
	if err := r.db.SetCheckpoint(ctx, NewestKey(talker), stats.Newest.UTC().Format(time.RFC3339Nano)); err != nil {
		return stats, fmt.Errorf("set checkpoint: %w", err)
	}

	h, err := r.session(ctx)
	if err != nil {
		return stats, err
	}
	meta := store.CacheMeta{
		Talker:       talker,
		OldestTime:   stats.Oldest.UnixMilli(),
		NewestTime:   stats.Newest.UnixMilli(),
		MessageCount: stats.Count,
		UpdatedAt:    time.Now().UnixMilli(),
	}
	if err := h.Put(ctx, store.CacheMetaCollection, meta); err != nil {
		return stats, fmt.Errorf("put cache meta: %w", err)
	}
	return stats, nil
}

// Newest returns the talker's checkpoint. ok is false when none was recorded.
func (r *Reconciler) Newest(ctx context.Context, talker string) (time.Time, bool, error) {
	v, ok, err := r.db.Checkpoint(ctx, NewestKey(talker))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.logger.Warn("ignoring malformed checkpoint", zap.String("talker", talker), zap.String("value", v))
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// Meta returns the cache metadata of a talker, nil when none was recorded.
func (r *Reconciler) Meta(ctx context.Context, talker string) (*store.CacheMeta, error) {
	h, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	return store.GetAs[store.CacheMeta](ctx, h, store.CacheMetaCollection, talker)
}

func (r *Reconciler) session(ctx context.Context) (*store.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		return r.handle, nil
	}
	h, err := r.db.OpenSchema(ctx, store.SessionSchema)
	if err != nil {
		return nil, fmt.Errorf("open session schema: %w", err)
	}
	r.handle = h
	return h, nil
}
