// Package timeline holds the in-memory, per-conversation view of chat
// history: real messages interleaved with sentinel markers for spans that
// were never fetched or are known to hold more data than was returned.
package timeline

import (
	"time"

	"github.com/matheus3301/chatlog/internal/store"
)

// Kind tags an Entry.
type Kind int

const (
	Real Kind = iota
	EmptyRange
	Gap
)

func (k Kind) String() string {
	switch k {
	case Real:
		return "message"
	case EmptyRange:
		return "empty_range"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// RangeMarker describes a span the timeline does not fully cover.
type RangeMarker struct {
	ID                string          `json:"id"`
	Talker            string          `json:"talker"`
	Range             store.TimeRange `json:"range"`
	EstimatedCount    int             `json:"estimatedCount"`
	TriedTimes        int             `json:"triedTimes"`
	SuggestedNextTime time.Time       `json:"suggestedNextTime"`
}

// Entry is one timeline position: a real message or a sentinel marker.
type Entry struct {
	kind   Kind
	msg    store.Message
	marker RangeMarker
}

// Message wraps a real message.
func Message(m store.Message) Entry {
	return Entry{kind: Real, msg: m}
}

// Kind returns the entry's tag.
func (e Entry) Kind() Kind { return e.kind }

// IsSentinel reports whether e is a marker.
func (e Entry) IsSentinel() bool { return e.kind != Real }

// Message returns the real message, if e holds one.
func (e Entry) Message() (store.Message, bool) {
	if e.kind != Real {
		return store.Message{}, false
	}
	return e.msg, true
}

// Marker returns the range marker, if e is a sentinel.
func (e Entry) Marker() (RangeMarker, bool) {
	if e.kind == Real {
		return RangeMarker{}, false
	}
	return e.marker, true
}

// View is the flat form of an Entry used on the wire.
type View struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Message *store.Message `json:"message,omitempty" yaml:"message,omitempty"`
	Marker  *RangeMarker   `json:"marker,omitempty" yaml:"marker,omitempty"`
}

// View flattens e.
func (e Entry) View() View {
	v := View{Kind: e.kind.String()}
	if m, ok := e.Message(); ok {
		v.Message = &m
	}
	if mk, ok := e.Marker(); ok {
		v.Marker = &mk
	}
	return v
}

// realMessages returns the real messages of entries in order.
func realMessages(entries []Entry) []store.Message {
	out := make([]store.Message, 0, len(entries))
	for _, e := range entries {
		if e.kind == Real {
			out = append(out, e.msg)
		}
	}
	return out
}

func hasKind(entries []Entry, k Kind) bool {
	for _, e := range entries {
		if e.kind == k {
			return true
		}
	}
	return false
}

func markerIndex(entries []Entry, id string) int {
	for i, e := range entries {
		if e.kind != Real && e.marker.ID == id {
			return i
		}
	}
	return -1
}

func insertAt(entries []Entry, i int, add ...Entry) []Entry {
	if i < 0 {
		i = 0
	}
	if i > len(entries) {
		i = len(entries)
	}
	out := make([]Entry, 0, len(entries)+len(add))
	out = append(out, entries[:i]...)
	out = append(out, add...)
	return append(out, entries[i:]...)
}

func removeAt(entries []Entry, i int) []Entry {
	out := make([]Entry, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	return append(out, entries[i+1:]...)
}

// setEnd moves a marker's newer bound. A gap is resumed from its newer end.
func (e *Entry) setEnd(t time.Time) {
	e.marker.Range.End = t
	if e.kind == Gap {
		e.marker.SuggestedNextTime = t
	}
}

// setStart moves a marker's older bound.
func (e *Entry) setStart(t time.Time) {
	e.marker.Range.Start = t
	if e.kind == EmptyRange && e.marker.SuggestedNextTime.Before(t) {
		e.marker.SuggestedNextTime = t
	}
}

// mergeSorted places each message before the first entry that is newer: a
// real message with a later time, or a marker starting at or after it.
func mergeSorted(entries []Entry, msgs []store.Message) []Entry {
	out := append([]Entry(nil), entries...)
	for _, m := range msgs {
		ts := m.Timestamp()
		i := len(out)
		for j, e := range out {
			newer := e.kind == Real && e.msg.Timestamp().After(ts)
			if e.kind != Real && !e.marker.Range.Start.Before(ts) {
				newer = true
			}
			if newer {
				i = j
				break
			}
		}
		out = insertAt(out, i, Message(m))
	}
	return out
}
