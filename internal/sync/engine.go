package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
)

// Namer resolves a talker id to a display name.
type Namer interface {
	DisplayName(talker string) string
}

// Engine writes the messages timelines merge into the local message cache.
// It subscribes to "timeline." events on the bus.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	recon  *Reconciler
	names  Namer
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine. names may be nil.
func NewEngine(db *store.DB, b *bus.Bus, recon *Reconciler, names Namer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		recon:  recon,
		names:  names,
		logger: logger,
	}
}

// Start subscribes to timeline merges on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	sub := e.bus.Subscribe("timeline.", 256)

	go func() {
		defer close(e.done)
		defer sub.Close()
		for {
			select {
			case evt := <-sub.Events():
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				if n := sub.Dropped(); n > 0 {
					e.logger.Warn("timeline events dropped", zap.Int64("count", n))
				}
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	if evt.Kind != bus.KindTimelineMerged {
		return
	}
	merge, ok := evt.Payload.(timeline.Merge)
	if !ok {
		return
	}
	n, err := e.Persist(ctx, merge.Batch)
	if err != nil {
		e.logger.Error("failed to cache merged messages", zap.Error(err),
			zap.String("talker", merge.Talker), zap.Int("count", len(merge.Messages)))
		return
	}
	e.logger.Debug("merged messages cached", zap.String("talker", merge.Talker),
		zap.Int("messages", len(merge.Messages)), zap.Int("inserted", n), zap.Uint64("version", merge.Version))
}

// Persist caches a batch in one transaction, records the span it covers,
// moves the talker's checkpoint
// and conversation row forward and publishes cache.updated. It returns the
// number of rows inserted; re-persisting a batch inserts nothing.
func (e *Engine) Persist(ctx context.Context, batch store.Batch) (int, error) {
	if len(batch.Messages) == 0 {
		return 0, nil
	}
	n, err := e.db.SaveMessages(ctx, batch.Messages)
	if err != nil {
		return 0, fmt.Errorf("save messages: %w", err)
	}
	if err := e.db.AddCoverage(ctx, batch.Talker, batch.Covered); err != nil {
		e.logger.Warn("failed to record coverage", zap.String("talker", batch.Talker), zap.Error(err))
	}
	if e.recon != nil {
		if _, err := e.recon.Record(ctx, batch.Talker); err != nil {
			e.logger.Warn("failed to update checkpoint", zap.String("talker", batch.Talker), zap.Error(err))
		}
	}
	if err := e.upsertConversation(batch); err != nil {
		return n, fmt.Errorf("upsert conversation: %w", err)
	}
	if n > 0 {
		e.bus.Publish(bus.Event{Kind: bus.KindCacheUpdated, Timestamp: time.Now(), Payload: batch})
	}
	return n, nil
}

func (e *Engine) upsertConversation(batch store.Batch) error {
	last := batch.Messages[0]
	for _, m := range batch.Messages[1:] {
		if m.Timestamp().After(last.Timestamp()) {
			last = m
		}
	}
	c := &store.Conversation{
		Talker:          batch.Talker,
		Name:            last.TalkerName,
		IsChatRoom:      last.IsChatRoom,
		LastMessageAt:   last.Timestamp().UnixMilli(),
		LastMessageText: truncate(last.Content, 100),
	}
	if e.names != nil {
		if name := e.names.DisplayName(batch.Talker); name != batch.Talker {
			c.Name = name
		}
	}
	return e.db.UpsertConversation(c)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
