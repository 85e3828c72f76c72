package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads and writes as a TOML string ("15s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatlog/config.toml.
type Config struct {
	DefaultProfile string     `toml:"default_profile"`
	Remote         Remote     `toml:"remote"`
	History        History    `toml:"history"`
	Persist        Persist    `toml:"persist"`
	Contacts       Contacts   `toml:"contacts"`
	Refresh        Refresh    `toml:"refresh"`
	ContextAPI     ContextAPI `toml:"context_api"`
}

// Remote locates the chat-log source.
type Remote struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// History tunes fetching older messages and placing sentinels.
type History struct {
	PageSize          int      `toml:"page_size"`
	RetryCeiling      int      `toml:"retry_ceiling"`
	DefaultWindowDays float64  `toml:"default_window_days"`
	MinWindowDays     float64  `toml:"min_window_days"`
	MaxWindowDays     float64  `toml:"max_window_days"`
	Contiguity        Duration `toml:"contiguity"`
	TimeGap           Duration `toml:"time_gap"`
}

// Persist tunes the bulk writer.
type Persist struct {
	ChunkSize      int      `toml:"chunk_size"`
	UseWorker      bool     `toml:"use_worker"`
	RequestTimeout Duration `toml:"request_timeout"`
	QueueDepth     int      `toml:"queue_depth"`
}

// Contacts tunes the directory download.
type Contacts struct {
	PageSize  int      `toml:"page_size"`
	PageDelay Duration `toml:"page_delay"`
}

// Refresh tunes the background refresher.
type Refresh struct {
	Enabled     bool     `toml:"enabled"`
	Interval    Duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
}

// ContextAPI configures the HTTP surface for the AI collaborator.
type ContextAPI struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Token   string `toml:"token"`
}

// Default returns every tunable at its default.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Remote: Remote{
			BaseURL: "http://127.0.0.1:5030",
			Timeout: Duration{15 * time.Second},
		},
		History: History{
			PageSize:          50,
			RetryCeiling:      3,
			DefaultWindowDays: 7,
			MinWindowDays:     0.5,
			MaxWindowDays:     90,
			Contiguity:        Duration{time.Second},
			TimeGap:           Duration{600 * time.Second},
		},
		Persist: Persist{
			ChunkSize:      2000,
			UseWorker:      true,
			RequestTimeout: Duration{60 * time.Second},
			QueueDepth:     16,
		},
		Contacts: Contacts{
			PageSize:  500,
			PageDelay: Duration{100 * time.Millisecond},
		},
		Refresh: Refresh{
			Enabled:     true,
			Interval:    Duration{60 * time.Second},
			Concurrency: 4,
		},
		ContextAPI: ContextAPI{
			Enabled: true,
			Addr:    "127.0.0.1:5031",
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns nil
// and an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Environment overrides.
const (
	EnvBaseURL      = "CHATLOG_BASE_URL"
	EnvToken        = "CHATLOG_TOKEN"
	EnvContextToken = "CHATLOG_CONTEXT_TOKEN"
)

// ApplyEnv loads envFile into the process environment when it exists, without
// overriding variables already set, then applies the CHATLOG_* overrides.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv(EnvContextToken); v != "" {
		c.ContextAPI.Token = v
	}
	return nil
}
