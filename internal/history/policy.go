// Package history sizes and issues time-range history queries against the
// remote chat-log source, widening the window when a range comes back empty.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/status"
	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/zap"
)

// Source is the remote chat-log source. Results are ordered oldest first.
type Source interface {
	FetchRange(ctx context.Context, talker string, r store.TimeRange, limit, offset int, fromBottom bool) ([]store.Message, error)
}

// Options tunes the policy. Zero fields take their defaults.
type Options struct {
	PageSize          int
	RetryCeiling      int
	DefaultWindowDays float64
	MinWindowDays     float64
	MaxWindowDays     float64
}

const (
	DefaultPageSize      = 50
	DefaultRetryCeiling  = 3
	DefaultWindowDays    = 7
	DefaultMinWindowDays = 0.5
	DefaultMaxWindowDays = 90
)

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = DefaultRetryCeiling
	}
	if o.DefaultWindowDays <= 0 {
		o.DefaultWindowDays = DefaultWindowDays
	}
	if o.MinWindowDays <= 0 {
		o.MinWindowDays = DefaultMinWindowDays
	}
	if o.MaxWindowDays <= 0 {
		o.MaxWindowDays = DefaultMaxWindowDays
	}
	return o
}

// Request asks for up to Limit messages older than Before. Density is the
// caller's messages-per-day estimate; zero means unknown.
type Request struct {
	Talker  string
	Before  time.Time
	Limit   int
	Density float64
}

// Result is the outcome of one fetch. Range is the last range queried.
// TriedTimes counts the empty attempts before the final one. Exhausted is set
// when every attempt came back empty.
type Result struct {
	Messages   []store.Message
	Range      store.TimeRange
	TriedTimes int
	WindowDays float64
	Exhausted  bool
}

// Policy runs the estimate, query, widen loop.
type Policy struct {
	source Source
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a policy over source. b may be nil.
func New(source Source, opts Options, b *bus.Bus, logger *zap.Logger) *Policy {
	return &Policy{source: source, opts: opts.withDefaults(), bus: b, logger: logger}
}

// PageSize returns the configured page size.
func (p *Policy) PageSize() int {
	return p.opts.PageSize
}

// InitialWindow returns the first window in days for limit messages at the
// given density.
func (p *Policy) InitialWindow(limit int, density float64) float64 {
	if density <= 0 {
		return math.Max(math.Ceil(float64(limit)/5), p.opts.DefaultWindowDays)
	}
	days := float64(limit) / density
	return math.Max(p.opts.MinWindowDays, math.Min(p.opts.MaxWindowDays, days))
}

// Fetch queries [Before - window, Before], doubling the window after every
// empty attempt until something comes back or the retry ceiling is hit.
// Transient source errors count as empty attempts; any other error ends the
// fetch.
func (p *Policy) Fetch(ctx context.Context, req Request) (*Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = p.opts.PageSize
	}
	if req.Before.IsZero() {
		req.Before = time.Now()
	}

	m := status.NewMachine(p.bus, req.Talker)
	_ = m.Transition(status.Estimating)
	days := p.InitialWindow(limit, req.Density)

	res := &Result{}
	for {
		if err := m.Transition(status.Querying); err != nil {
			return nil, err
		}
		r := store.TimeRange{Start: req.Before.Add(-daysToDuration(days)), End: req.Before}
		res.Range = r
		res.WindowDays = days

		msgs, err := p.source.FetchRange(ctx, req.Talker, r, limit, 0, true)
		if err != nil {
			if !IsTransient(err) || ctx.Err() != nil {
				_ = m.Transition(status.Failed)
				return nil, fmt.Errorf("fetch history %s: %w", req.Talker, err)
			}
			p.logger.Warn("history fetch attempt failed",
				zap.String("talker", req.Talker), zap.Int("attempt", res.TriedTimes+1), zap.Error(err))
			msgs = nil
		}

		if len(msgs) > 0 {
			res.Messages = msgs
			_ = m.Transition(status.Done)
			return res, nil
		}

		_ = m.Transition(status.Empty)
		res.TriedTimes++
		if res.TriedTimes >= p.opts.RetryCeiling {
			res.Exhausted = true
			_ = m.Transition(status.Done)
			p.logger.Info("history window exhausted",
				zap.String("talker", req.Talker), zap.Int("tried", res.TriedTimes), zap.Float64("window_days", days))
			return res, nil
		}
		_ = m.Transition(status.WidenAndRetry)
		days *= 2
	}
}

func daysToDuration(days float64) time.Duration {
	return time.Duration(days * float64(24*time.Hour))
}

// IsTransient reports whether err is a timeout or a retryable source failure.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
