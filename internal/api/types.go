package api

import (
	"time"

	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/contacts"
	"github.com/matheus3301/chatlog/internal/store"
	"github.com/matheus3301/chatlog/internal/timeline"
)

// TalkerRequest names one conversation.
type TalkerRequest struct {
	Talker string `json:"talker"`
}

// OpenRequest opens a conversation, constrained to Range when it is set.
type OpenRequest struct {
	Talker string           `json:"talker"`
	Range  *store.TimeRange `json:"range,omitempty"`
}

// ResolveRequest resolves one sentinel marker.
type ResolveRequest struct {
	Talker string `json:"talker"`
	ID     string `json:"id"`
}

// RangeRequest asks for a time range of a conversation, fetching it if needed.
type RangeRequest struct {
	Talker string          `json:"talker"`
	Range  store.TimeRange `json:"range"`
}

// MessagesRequest lists the loaded messages of a conversation.
type MessagesRequest struct {
	Talker string           `json:"talker"`
	Range  *store.TimeRange `json:"range,omitempty"`
}

// MessagesReply carries real messages, oldest first.
type MessagesReply struct {
	Talker   string          `json:"talker" yaml:"talker"`
	Count    int             `json:"count" yaml:"count"`
	Messages []store.Message `json:"messages" yaml:"messages"`
}

// Counts tallies a timeline's entries by kind.
type Counts struct {
	Messages    int `json:"messages" yaml:"messages"`
	EmptyRanges int `json:"emptyRanges" yaml:"empty_ranges"`
	Gaps        int `json:"gaps" yaml:"gaps"`
}

// TimelineView is the wire form of a timeline snapshot.
type TimelineView struct {
	Talker         string          `json:"talker" yaml:"talker"`
	Version        uint64          `json:"version" yaml:"version"`
	HasMoreOlder   bool            `json:"hasMoreOlder" yaml:"has_more_older"`
	LoadingHistory bool            `json:"loadingHistory" yaml:"loading_history"`
	TriedTimes     int             `json:"triedTimes,omitempty" yaml:"tried_times,omitempty"`
	Error          string          `json:"error,omitempty" yaml:"error,omitempty"`
	Counts         Counts          `json:"counts" yaml:"counts"`
	Entries        []timeline.View `json:"entries" yaml:"entries"`
}

// ViewOf flattens a timeline snapshot.
func ViewOf(tl timeline.Timeline) *TimelineView {
	v := &TimelineView{
		Talker:         tl.Talker,
		Version:        tl.Version,
		HasMoreOlder:   tl.HasMoreOlder,
		LoadingHistory: tl.LoadingHistory,
		TriedTimes:     tl.TriedTimes,
		Entries:        make([]timeline.View, 0, len(tl.Entries)),
	}
	if tl.Err != nil {
		v.Error = tl.Err.Error()
	}
	v.Counts.Messages, v.Counts.EmptyRanges, v.Counts.Gaps = tl.Counts()
	for _, e := range tl.Entries {
		v.Entries = append(v.Entries, e.View())
	}
	return v
}

// Messages returns the real messages of the view, oldest first.
func (v *TimelineView) Messages() []store.Message {
	var out []store.Message
	for _, e := range v.Entries {
		if e.Message != nil {
			out = append(out, *e.Message)
		}
	}
	return out
}

// Sentinels returns the markers of the view in timeline order.
func (v *TimelineView) Sentinels() []timeline.RangeMarker {
	var out []timeline.RangeMarker
	for _, e := range v.Entries {
		if e.Marker != nil {
			out = append(out, *e.Marker)
		}
	}
	return out
}

// WatchRequest filters timeline events to one talker. Empty means all.
type WatchRequest struct {
	Talker string `json:"talker,omitempty"`
}

// EventEnvelope wraps one timeline event for streaming.
type EventEnvelope struct {
	EventID          string        `json:"eventId"`
	Profile          string        `json:"profile"`
	Kind             string        `json:"kind"`
	OccurredAtUnixMs int64         `json:"occurredAtUnixMs"`
	Talker           string        `json:"talker"`
	Added            int           `json:"added,omitempty"`
	FromCache        bool          `json:"fromCache,omitempty"`
	Timeline         *TimelineView `json:"timeline,omitempty"`
}

// RefreshRequest starts a directory download.
type RefreshRequest struct{}

// SearchRequest queries the contact directory.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchReply lists matching contacts.
type SearchReply struct {
	Total    int               `json:"total" yaml:"total"`
	Contacts []chatlog.Contact `json:"contacts" yaml:"contacts"`
}

// ProgressUpdate is one refresh progress report.
type ProgressUpdate = contacts.Progress

// StatusRequest asks for the daemon status.
type StatusRequest struct{}

// OpenTimeline summarizes one open conversation.
type OpenTimeline struct {
	Talker       string `json:"talker" yaml:"talker"`
	Version      uint64 `json:"version" yaml:"version"`
	Counts       Counts `json:"counts" yaml:"counts"`
	HasMoreOlder bool   `json:"hasMoreOlder" yaml:"has_more_older"`
	Loading      bool   `json:"loading" yaml:"loading"`
	HistoryState string `json:"historyState,omitempty" yaml:"history_state,omitempty"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// StatusReply describes the running daemon.
type StatusReply struct {
	Profile            string         `json:"profile" yaml:"profile"`
	StartedAt          time.Time      `json:"startedAt" yaml:"started_at"`
	Uptime             string         `json:"uptime" yaml:"uptime"`
	Storage            string         `json:"storage" yaml:"storage"`
	WriterMode         string         `json:"writerMode,omitempty" yaml:"writer_mode,omitempty"`
	Conversations      int            `json:"conversations" yaml:"conversations"`
	Contacts           int            `json:"contacts" yaml:"contacts"`
	ContactsRefreshing bool           `json:"contactsRefreshing" yaml:"contacts_refreshing"`
	Open               []OpenTimeline `json:"open" yaml:"open"`
}

// ListRequest pages through the conversation list.
type ListRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Conversation is one row of the conversation list.
type Conversation struct {
	Talker          string    `json:"talker" yaml:"talker"`
	Name            string    `json:"name" yaml:"name"`
	IsChatRoom      bool      `json:"isChatRoom,omitempty" yaml:"is_chat_room,omitempty"`
	LastMessageAt   time.Time `json:"lastMessageAt" yaml:"last_message_at"`
	LastMessageText string    `json:"lastMessageText,omitempty" yaml:"last_message_text,omitempty"`
	Open            bool      `json:"open,omitempty" yaml:"open,omitempty"`
}

// ConversationsReply lists conversations, most recent first.
type ConversationsReply struct {
	Conversations []Conversation `json:"conversations" yaml:"conversations"`
}

// MessageSearchRequest searches cached message content, optionally within
// one conversation.
type MessageSearchRequest struct {
	Query  string `json:"query"`
	Talker string `json:"talker,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// MessageSearchReply lists matches, newest first.
type MessageSearchReply struct {
	Results []store.SearchResult `json:"results" yaml:"results"`
}
