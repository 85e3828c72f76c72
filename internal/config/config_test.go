package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.History.RetryCeiling = 5
	cfg.Contacts.PageDelay = Duration{250 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.History.RetryCeiling != 5 {
		t.Errorf("RetryCeiling = %d, want 5", loaded.History.RetryCeiling)
	}
	if loaded.Contacts.PageDelay.Duration != 250*time.Millisecond {
		t.Errorf("PageDelay = %v, want 250ms", loaded.Contacts.PageDelay)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "default_profile = \"home\"\n\n[history]\npage_size = 80\ntime_gap = \"15m\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"page size", cfg.History.PageSize, 80},
		{"time gap", cfg.History.TimeGap.Duration, 15 * time.Minute},
		{"retry ceiling", cfg.History.RetryCeiling, 3},
		{"max window", cfg.History.MaxWindowDays, 90.0},
		{"chunk size", cfg.Persist.ChunkSize, 2000},
		{"worker", cfg.Persist.UseWorker, true},
		{"contact page", cfg.Contacts.PageSize, 500},
		{"fetch timeout", cfg.Remote.Timeout.Duration, 15 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.History.PageSize != 50 {
		t.Errorf("PageSize = %d, want default 50", cfg.History.PageSize)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[remote]\ntimeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for a bad duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	data := "CHATLOG_TOKEN=from-file\nCHATLOG_CONTEXT_TOKEN=ctx-file\n"
	if err := os.WriteFile(envFile, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvBaseURL, "http://remote:9000")
	t.Setenv(EnvToken, "from-env")
	t.Setenv(EnvContextToken, "")
	os.Unsetenv(EnvContextToken)

	cfg := Default()
	if err := cfg.ApplyEnv(envFile); err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BaseURL != "http://remote:9000" {
		t.Errorf("BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Token != "from-env" {
		t.Errorf("Token = %q, want the environment to win over the file", cfg.Remote.Token)
	}
	if cfg.ContextAPI.Token != "ctx-file" {
		t.Errorf("ContextAPI.Token = %q, want value from .env", cfg.ContextAPI.Token)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("ApplyEnv() = %v, want nil for a missing file", err)
	}
}
