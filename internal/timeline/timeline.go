package timeline

import (
	"errors"
	"time"

	"github.com/matheus3301/chatlog/internal/store"
)

var (
	// ErrFetchInFlight is returned when a history fetch for the conversation
	// is already running.
	ErrFetchInFlight = errors.New("history fetch already in flight")
	// ErrUnknownSentinel is returned when no marker has the given id.
	ErrUnknownSentinel = errors.New("unknown sentinel")
	// ErrNoConversation is returned for operations on a talker that is not open.
	ErrNoConversation = errors.New("conversation not open")
)

// Timeline is a snapshot of one conversation's view. Entries run oldest first.
type Timeline struct {
	Talker         string
	Entries        []Entry
	HasMoreOlder   bool
	LoadingHistory bool
	Err            error
	Version        uint64
	// TriedTimes is the number of empty attempts before the last history load.
	TriedTimes int
}

// Messages returns the real messages, oldest first.
func (t Timeline) Messages() []store.Message {
	return realMessages(t.Entries)
}

// Sentinels returns the markers in timeline order.
func (t Timeline) Sentinels() []RangeMarker {
	var out []RangeMarker
	for _, e := range t.Entries {
		if mk, ok := e.Marker(); ok {
			out = append(out, mk)
		}
	}
	return out
}

// Counts returns how many entries of each kind t holds.
func (t Timeline) Counts() (msgs, empty, gaps int) {
	for _, e := range t.Entries {
		switch e.Kind() {
		case Real:
			msgs++
		case EmptyRange:
			empty++
		case Gap:
			gaps++
		}
	}
	return msgs, empty, gaps
}

func (t Timeline) clone() Timeline {
	t.Entries = append([]Entry(nil), t.Entries...)
	return t
}

// Merge is published on the bus whenever real messages enter a timeline.
type Merge struct {
	store.Batch
	Version uint64
}

// Opened is published when a conversation is opened. Newest is the newest
// message time known at open, zero when nothing is known.
type Opened struct {
	Talker    string
	FromCache bool
	Newest    time.Time
}
