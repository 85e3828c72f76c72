package chatlog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matheus3301/chatlog/internal/history"
	"github.com/matheus3301/chatlog/internal/store"
)

func TestFormatRange(t *testing.T) {
	r := store.TimeRange{
		Start: time.Date(2024, 4, 30, 16, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC),
	}
	got := FormatRange(r)
	want := "2024-05-01 00:00:00~2024-05-02 00:00:00"
	if got != want {
		t.Errorf("FormatRange() = %q, want %q", got, want)
	}

	back, err := ParseRange(got)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Start.Equal(r.Start) || !back.End.Equal(r.End) {
		t.Errorf("ParseRange() = %+v, want %+v", back, r)
	}

	if _, err := ParseRange("2024-05-01"); err == nil {
		t.Error("ParseRange without ~ should fail")
	}
}

func TestFetchRange(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"seq": 1, "time": "2024-05-01T10:00:00+08:00", "sender": "bob", "type": 1, "content": "hi"},
			{"seq": 2, "time": "2024-05-01T10:01:00+08:00", "sender": "amy", "type": 1, "content": "yo", "talker": "t1"}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	r := store.TimeRange{Start: time.Date(2024, 4, 24, 0, 0, 0, 0, CST), End: time.Date(2024, 5, 1, 12, 0, 0, 0, CST)}
	msgs, err := c.FetchRange(context.Background(), "t1", r, 50, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Talker != "t1" {
		t.Errorf("talker = %q, want t1 filled in", msgs[0].Talker)
	}

	if got.URL.Path != "/api/v1/chatlog" {
		t.Errorf("path = %q", got.URL.Path)
	}
	q := got.URL.Query()
	checks := map[string]string{
		"talker": "t1",
		"time":   "2024-04-24 00:00:00~2024-05-01 12:00:00",
		"limit":  "50",
		"offset": "0",
		"bottom": "1",
		"format": "json",
	}
	for k, want := range checks {
		if q.Get(k) != want {
			t.Errorf("query %s = %q, want %q", k, q.Get(k), want)
		}
	}
	if auth := got.Header.Get("Authorization"); auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestFetchEnvelopeAndEmpty(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"envelope", `{"items": [{"userName": "wxid_a", "nickName": "A", "isFriend": true}, {"userName": "r1@chatroom"}], "total": 2}`, 2},
		{"null items", `{"items": null}`, 0},
		{"null", `null`, 0},
		{"empty", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			contacts, err := New(srv.URL, "", time.Second).Contacts(context.Background(), 500, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(contacts) != tt.want {
				t.Errorf("contacts = %d, want %d", len(contacts), tt.want)
			}
		})
	}
}

func TestContactTypes(t *testing.T) {
	tests := []struct {
		in   apiContact
		want int
	}{
		{apiContact{UserName: "wxid_a", IsFriend: true}, ContactFriend},
		{apiContact{UserName: "123@chatroom"}, ContactChatRoom},
		{apiContact{UserName: "gh_news"}, ContactOfficial},
		{apiContact{UserName: "wxid_b"}, ContactOther},
	}
	for _, tt := range tests {
		if got := tt.in.contact().Type; got != tt.want {
			t.Errorf("%s type = %d, want %d", tt.in.UserName, got, tt.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", time.Second).Sessions(context.Background(), 10)
			if err == nil {
				t.Fatal("expected error")
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, IsTransient(err), tt.transient)
			}
			if history.IsTransient(err) != tt.transient {
				t.Errorf("history.IsTransient(%v) = %v, want %v", err, history.IsTransient(err), tt.transient)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Errorf("StatusError = %v, want status %d", se, tt.status)
			}
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	_, err := New(srv.URL, "", 20*time.Millisecond).FetchRange(context.Background(), "t1", store.TimeRange{}, 10, 0, true)
	if !IsTransient(err) {
		t.Errorf("timeout error = %v, want transient", err)
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "", time.Second).Sessions(context.Background(), 10)
	if !IsTransient(err) {
		t.Errorf("connection error = %v, want transient", err)
	}
}

func TestSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items": [{"userName": "r1@chatroom", "nickName": "", "content": "hey", "nTime": "2024-05-01T10:00:00+08:00"}]}`))
	}))
	defer srv.Close()

	sessions, err := New(srv.URL, "", time.Second).Sessions(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if !s.IsChatRoom || s.Name != "r1@chatroom" || s.LastTime.IsZero() {
		t.Errorf("session = %+v", s)
	}
}
