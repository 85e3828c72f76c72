// Package contextapi exposes the real messages of open timelines to the AI
// collaborator, over HTTP and as MCP tools. Sentinels never leave this
// package.
package contextapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
)

// Accessor is the read side of the timeline manager.
type Accessor interface {
	Open(ctx context.Context, talker string) error
	Messages(talker string, window *store.TimeRange) ([]store.Message, error)
	RequestRange(ctx context.Context, talker string, r store.TimeRange) ([]store.Message, error)
}

type managerAccessor struct {
	m *timeline.Manager
}

// FromManager adapts a timeline manager to Accessor.
func FromManager(m *timeline.Manager) Accessor {
	return managerAccessor{m: m}
}

func (a managerAccessor) Open(ctx context.Context, talker string) error {
	_, err := a.m.Open(ctx, talker)
	return err
}

func (a managerAccessor) Messages(talker string, window *store.TimeRange) ([]store.Message, error) {
	return a.m.Messages(talker, window)
}

func (a managerAccessor) RequestRange(ctx context.Context, talker string, r store.TimeRange) ([]store.Message, error) {
	return a.m.RequestRange(ctx, talker, r)
}

// Strategy selects which messages go into a built context.
type Strategy string

const (
	StrategyRecent Strategy = "recent"
	StrategyRange  Strategy = "range"
	StrategySmart  Strategy = "smart"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	tokensPerMessage = 50
)

// ErrBadRequest marks an invalid context request.
var ErrBadRequest = errors.New("bad context request")

// Request describes a context to build.
type Request struct {
	Talker    string
	Strategy  Strategy
	Range     *store.TimeRange
	Limit     int
	MaxTokens int
	Keywords  []string
}

// Context is a built context: the selected messages and their rendering.
type Context struct {
	Talker   string           `json:"talker" yaml:"talker"`
	Strategy Strategy         `json:"strategy" yaml:"strategy"`
	Range    *store.TimeRange `json:"range,omitempty" yaml:"range,omitempty"`
	Messages []store.Message  `json:"messages" yaml:"messages"`
	Text     string           `json:"text" yaml:"text"`
	Tokens   int              `json:"tokens" yaml:"tokens"`
}

// Build selects messages for req from acc and renders them.
//
// recent takes the newest Limit messages of the open timeline. range fetches
// Range if it is not resident and takes what lies inside it. smart scores the
// messages of the open timeline (or of Range) and keeps the best ones that
// fit MaxTokens, in time order.
func Build(ctx context.Context, acc Accessor, req Request) (*Context, error) {
	if req.Talker == "" {
		return nil, fmt.Errorf("%w: talker is required", ErrBadRequest)
	}
	if req.Strategy == "" {
		req.Strategy = StrategyRecent
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	req.Limit = min(req.Limit, MaxLimit)

	var (
		msgs []store.Message
		err  error
	)
	switch req.Strategy {
	case StrategyRecent, StrategySmart:
		if req.Range != nil {
			msgs, err = acc.RequestRange(ctx, req.Talker, *req.Range)
			break
		}
		if err = acc.Open(ctx, req.Talker); err != nil {
			return nil, err
		}
		msgs, err = acc.Messages(req.Talker, nil)
	case StrategyRange:
		if req.Range == nil {
			return nil, fmt.Errorf("%w: range strategy needs from and to", ErrBadRequest)
		}
		msgs, err = acc.RequestRange(ctx, req.Talker, *req.Range)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrBadRequest, req.Strategy)
	}
	if err != nil {
		return nil, err
	}

	switch req.Strategy {
	case StrategySmart:
		msgs = smartSample(msgs, req.MaxTokens, req.Keywords)
	case StrategyRecent:
		limit := req.Limit
		if req.MaxTokens > 0 {
			limit = min(limit, max(1, req.MaxTokens/tokensPerMessage))
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
	default:
		if len(msgs) > req.Limit {
			msgs = msgs[:req.Limit]
		}
	}

	out := &Context{Talker: req.Talker, Strategy: req.Strategy, Range: req.Range, Messages: msgs}
	if out.Messages == nil {
		out.Messages = []store.Message{}
	}
	out.Text = render(out)
	out.Tokens = EstimateTokens(out.Text)
	return out, nil
}

func render(c *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation\n%s\n\n", c.Talker)
	if c.Range != nil {
		fmt.Fprintf(&b, "# Time range\n%s\n\n", strings.Replace(chatlog.FormatRange(*c.Range), "~", " ~ ", 1))
	}
	b.WriteString("# Messages\n")
	for _, m := range c.Messages {
		b.WriteString(FormatLine(m))
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatLine renders one message as "[time] sender: content".
func FormatLine(m store.Message) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.Sender
	}
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp().In(chatlog.CST).Format("2006-01-02 15:04:05"), sender, m.Content)
}

// EstimateTokens approximates a token count: 1.5 per Han character plus one
// per run of Latin letters.
func EstimateTokens(text string) int {
	var han, words int
	inWord := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			han++
			inWord = false
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			if !inWord {
				words++
			}
			inWord = true
		default:
			inWord = false
		}
	}
	return (han*3+1)/2 + words
}

// smartSample keeps the highest scoring messages that fit budget tokens.
// Keyword hits, messages from the last week of the conversation and long
// messages score higher.
func smartSample(msgs []store.Message, budget int, keywords []string) []store.Message {
	if budget <= 0 {
		budget = DefaultLimit * tokensPerMessage
	}
	if len(msgs) == 0 {
		return msgs
	}
	newest := msgs[len(msgs)-1].Timestamp()
	for _, m := range msgs {
		if m.Timestamp().After(newest) {
			newest = m.Timestamp()
		}
	}

	type scored struct {
		m     store.Message
		score float64
	}
	all := make([]scored, len(msgs))
	for i, m := range msgs {
		all[i] = scored{m: m, score: score(m, newest, keywords)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	var (
		picked []store.Message
		used   int
	)
	for _, s := range all {
		cost := EstimateTokens(FormatLine(s.m))
		if used+cost > budget {
			break
		}
		picked = append(picked, s.m)
		used += cost
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Timestamp().Before(picked[j].Timestamp()) })
	return picked
}

func score(m store.Message, newest time.Time, keywords []string) float64 {
	s := 1.0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(m.Content, kw) {
			s *= 2
			break
		}
	}
	if newest.Sub(m.Timestamp()) < 7*24*time.Hour {
		s *= 1.5
	}
	if len([]rune(m.Content)) > 50 {
		s *= 1.2
	}
	return s
}
