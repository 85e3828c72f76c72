package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/config"
	"github.com/matheus3301/chatlog/internal/lock"
	"github.com/matheus3301/chatlog/internal/profile"
	"github.com/matheus3301/chatlog/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func fakeRemote(t *testing.T) *httptest.Server {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	msgs := []store.Message{
		{Seq: 1, Talker: "alice", Sender: "alice", Type: 1, Time: now.Add(-2 * time.Hour), Content: "morning"},
		{Seq: 2, Talker: "alice", Sender: "me", IsSelf: true, Type: 1, Time: now.Add(-time.Hour), Content: "hi"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chatlog", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("talker") != "alice" {
			_ = json.NewEncoder(w).Encode([]store.Message{})
			return
		}
		_ = json.NewEncoder(w).Encode(msgs)
	})
	mux.HandleFunc("/api/v1/contact", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"userName":"alice","nickName":"Alice","content":"hi","nTime":"` + now.Format(time.RFC3339) + `"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the Unix socket path limit.
	home, err := os.MkdirTemp("/tmp", "chatlog-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(home) }()
	t.Setenv(profile.EnvHome, home)
	t.Setenv(config.EnvBaseURL, "")

	remote := fakeRemote(t)
	cfg := config.Default()
	cfg.Remote.BaseURL = remote.URL
	cfg.ContextAPI.Addr = "127.0.0.1:0"
	cfg.Refresh.Interval = config.Duration{Duration: time.Hour}
	if err := config.Save(profile.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	profileName := "test"
	socketPath := filepath.Join(home, "d.sock")
	var ctxSrv *ContextServer
	app := fxtest.New(t,
		Module(Params{ProfileName: profileName, SocketPath: socketPath, Version: "test"}),
		fx.Populate(&ctxSrv),
		fx.NopLogger,
	)
	app.RequireStart()
	defer app.RequireStop()

	// A second daemon on the same profile must be refused.
	if _, err := lock.Acquire(profile.Dir(profileName)); err == nil {
		t.Error("second lock acquired while the daemon holds it")
	} else {
		var held *lock.LockHeldError
		if !errors.As(err, &held) {
			t.Errorf("lock error = %v, want *LockHeldError", err)
		}
	}

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Profile != profileName {
		t.Errorf("profile = %q, want %q", st.Profile, profileName)
	}
	if st.Storage != "sqlite" {
		t.Errorf("storage = %q, want sqlite", st.Storage)
	}

	view, err := client.Open(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if view.Counts.Messages != 2 || view.Error != "" {
		t.Errorf("view = %d messages, error %q; want 2 and none", view.Counts.Messages, view.Error)
	}

	// The sync engine persists what the timeline merged.
	reader, err := store.Open(profile.CachePath(profileName))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reader.Close() }()
	deadline := time.Now().Add(3 * time.Second)
	for {
		stats, err := reader.CacheStats(ctx, "alice")
		if err == nil && stats.Count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache holds %d messages (err %v), want 2", stats.Count, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	found, err := client.SearchMessages(ctx, "morn", "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found.Results) != 1 || found.Results[0].Message.Content != "morning" {
		t.Errorf("search results = %+v, want the cached morning message", found.Results)
	}

	// The context API reads the same timeline.
	resp, err := http.Get("http://" + ctxSrv.Addr() + "/talkers/alice/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 {
		t.Errorf("context api count = %d, want 2", body.Count)
	}
}

func TestDaemonDegradesWithoutStorage(t *testing.T) {
	home, err := os.MkdirTemp("/tmp", "chatlog-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(home) }()
	t.Setenv(profile.EnvHome, home)
	t.Setenv(config.EnvBaseURL, "")

	cfg := config.Default()
	cfg.Remote.BaseURL = fakeRemote(t).URL
	cfg.ContextAPI.Enabled = false
	if err := config.Save(profile.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	// A directory where the cache file should be makes it unopenable.
	if err := os.MkdirAll(profile.CachePath("test"), 0700); err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(home, "d.sock")
	app := fxtest.New(t, Module(Params{ProfileName: "test", SocketPath: socketPath}), fx.NopLogger)
	app.RequireStart()
	defer app.RequireStop()

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Storage != "memory" || st.WriterMode != "" {
		t.Errorf("status = %+v, want memory storage and no writer", st)
	}
	view, err := client.Open(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if view.Counts.Messages != 2 {
		t.Errorf("messages = %d, want 2 served from memory", view.Counts.Messages)
	}
}
