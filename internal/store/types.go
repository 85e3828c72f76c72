package store

import (
	"bytes"
	"encoding/json"
	"time"
)

// Message is one chat record as returned by the chat-log source.
// Time is authoritative; CreateTime (epoch seconds) is the fallback when Time is zero.
type Message struct {
	ID         int64          `json:"id"`
	Seq        int64          `json:"seq"`
	Time       time.Time      `json:"time"`
	CreateTime int64          `json:"createTime,omitempty"`
	Talker     string         `json:"talker"`
	TalkerName string         `json:"talkerName,omitempty"`
	IsChatRoom bool           `json:"isChatRoom,omitempty"`
	Sender     string         `json:"sender"`
	SenderName string         `json:"senderName,omitempty"`
	IsSelf     bool           `json:"isSelf,omitempty"`
	Type       int            `json:"type"`
	SubType    int            `json:"subType,omitempty"`
	Content    string         `json:"content"`
	Contents   map[string]any `json:"contents,omitempty"`
}

// UnmarshalJSON decodes a message, reading an empty or null "time" as the
// zero time so Timestamp falls back to CreateTime.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Time json.RawMessage `json:"time"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Time = time.Time{}
	raw := bytes.TrimSpace(aux.Time)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte(`""`)) {
		return nil
	}
	return json.Unmarshal(raw, &m.Time)
}

// Timestamp returns the message time, falling back to CreateTime.
func (m Message) Timestamp() time.Time {
	if !m.Time.IsZero() {
		return m.Time
	}
	return time.Unix(m.CreateTime, 0)
}

// TimeRange is a closed interval [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Days returns the span in fractional days.
func (r TimeRange) Days() float64 {
	return r.Duration().Hours() / 24
}

// Contains reports whether t lies inside the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// IsZero reports whether r is the zero range.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Batch is a set of messages of one talker, oldest first. Covered is the
// span the fetch behind the batch proved complete; zero when it proved none.
type Batch struct {
	Talker   string
	Messages []Message
	Covered  TimeRange
}

// Conversation is a row of the conversation list.
type Conversation struct {
	Talker          string
	Name            string
	IsChatRoom      bool
	LastMessageAt   int64
	LastMessageText string
}

// CacheStats summarizes what the message cache holds for one talker.
type CacheStats struct {
	Talker string
	Count  int
	Oldest time.Time
	Newest time.Time
}

// SearchResult holds a cached message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
