package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// Level orders notices by how loudly the status line shows them.
type Level int

const (
	LevelInfo Level = iota
	LevelBusy
	LevelWarn
	LevelError
)

var noticeTTL = map[Level]time.Duration{
	LevelInfo:  5 * time.Second,
	LevelBusy:  time.Hour,
	LevelWarn:  8 * time.Second,
	LevelError: 10 * time.Second,
}

// Notice is one status line message.
type Notice struct {
	Text  string
	Level Level
	Until time.Time
}

// Notifier holds the current notice. Busy notices stay until replaced, so
// long loads (older history, a contact refresh) keep their line.
type Notifier struct {
	mu      sync.RWMutex
	current Notice
	changes chan Notice
	now     func() time.Time
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		changes: make(chan Notice, 8),
		now:     time.Now,
	}
}

func (n *Notifier) Info(msg string) { n.post(msg, LevelInfo) }

func (n *Notifier) Warn(msg string) { n.post(msg, LevelWarn) }

// Busy shows msg until the next notice or Clear.
func (n *Notifier) Busy(msg string) { n.post(msg, LevelBusy) }

// Err shows err. A nil err leaves the current notice alone.
func (n *Notifier) Err(err error) {
	if err != nil {
		n.post(err.Error(), LevelError)
	}
}

// Clear empties the status line.
func (n *Notifier) Clear() { n.post("", LevelInfo) }

func (n *Notifier) post(msg string, level Level) {
	note := Notice{Text: msg, Level: level, Until: n.now().Add(noticeTTL[level])}
	n.mu.Lock()
	n.current = note
	n.mu.Unlock()
	select {
	case n.changes <- note:
	default:
	}
}

// Current returns the live notice, or nil once it has expired or was cleared.
func (n *Notifier) Current() *Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.current.Text == "" || n.now().After(n.current.Until) {
		return nil
	}
	note := n.current
	return &note
}

// Changes delivers each posted notice. Posts are dropped while the channel is full.
func (n *Notifier) Changes() <-chan Notice {
	return n.changes
}

// StatusLine renders notices under the main view.
type StatusLine struct {
	*tview.TextView
	theme *Theme
}

// NewStatusLine creates the status line.
func NewStatusLine(theme *Theme) *StatusLine {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &StatusLine{TextView: tv, theme: theme}
}

// Show renders note, or blanks the line for nil or empty notices.
func (s *StatusLine) Show(note *Notice) {
	s.Clear()
	if note == nil || note.Text == "" {
		return
	}
	prefix := ""
	switch note.Level {
	case LevelBusy:
		prefix = "... "
	case LevelError:
		prefix = "! "
	}
	_, _ = fmt.Fprintf(s, " [%s]%s%s[-]", Tag(s.theme.LevelColor(note.Level)), prefix, tview.Escape(note.Text))
}
