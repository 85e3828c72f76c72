package store

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageUnmarshalTime(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", `{"seq":1,"time":"2024-05-01T12:00:00Z","createTime":1}`, when},
		{"empty string falls back", `{"seq":1,"time":"","createTime":1714564800}`, when},
		{"null falls back", `{"seq":1,"time":null,"createTime":1714564800}`, when},
		{"missing falls back", `{"seq":1,"createTime":1714564800}`, when},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.in), &m); err != nil {
				t.Fatal(err)
			}
			if m.Seq != 1 {
				t.Errorf("seq = %d, want 1", m.Seq)
			}
			if got := m.Timestamp(); !got.Equal(tt.want) {
				t.Errorf("Timestamp() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessagePageWithEmptyTimeDecodes(t *testing.T) {
	in := `[{"seq":1,"time":"","createTime":1714564800,"content":"a"},{"seq":2,"time":"2024-05-01T12:00:01Z","content":"b"}]`
	var page []Message
	if err := json.Unmarshal([]byte(in), &page); err != nil {
		t.Fatalf("decoding page: %v", err)
	}
	if len(page) != 2 || page[0].Content != "a" || page[1].Content != "b" {
		t.Errorf("page = %+v", page)
	}
}

func TestMessageUnmarshalBadTime(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"time":"yesterday"}`), &m); err == nil {
		t.Error("Unmarshal() accepted a malformed time")
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name    string
		content string
		query   string
		width   int
		want    string
	}{
		{"ascii", "hello world", "world", 32, "hello <<world>>"},
		{"case insensitive", "Hello World", "world", 32, "Hello <<World>>"},
		{"lowercasing shrinks a rune", "İstanbul hello world", "hello", 32, "İstanbul <<hello>> world"},
		{"non-ascii match keeps original case", "İstanbul hello", "istanbul", 32, "<<İstanbul>> hello"},
		{"cjk", "你好世界 hello", "世界", 32, "你好<<世界>> hello"},
		{"no match truncates", "abcdef", "zz", 3, "abc..."},
		{"empty query", "abc", "", 32, "abc"},
		{"long prefix cut", "0123456789 x", "x", 4, "...9 <<x>>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Snippet(tt.content, tt.query, tt.width); got != tt.want {
				t.Errorf("Snippet(%q, %q, %d) = %q, want %q", tt.content, tt.query, tt.width, got, tt.want)
			}
		})
	}
}
