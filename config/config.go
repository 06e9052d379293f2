// Package config loads and validates the telelink session configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	Endpoint  Endpoint  `json:"endpoint"`
	Heartbeat Heartbeat `json:"heartbeat"`
	Backoff   Backoff   `json:"backoff"`
	Queue     Queue     `json:"queue"`
	Auth      Auth      `json:"auth"`
	Typing    Typing    `json:"typing"`
	History   History   `json:"history"`
}

type Endpoint struct {
	// BaseURL is the real-time endpoint, e.g. "wss://rt.example.org".
	BaseURL string `json:"base_url"`

	// Path is the logical session path appended to BaseURL.
	Path string `json:"path"`

	// Subprotocol announced during the handshake. The access token travels
	// as a second subprotocol entry, never as a query parameter.
	Subprotocol string `json:"subprotocol"`

	// DialTimeoutSec bounds a single handshake attempt.
	DialTimeoutSec int `json:"dial_timeout_seconds"`
}

type Heartbeat struct {
	IntervalSec int `json:"interval_seconds"`
}

type Backoff struct {
	BaseMS      int `json:"base_ms"`
	CapSec      int `json:"cap_seconds"`
	MaxAttempts int `json:"max_attempts"`
}

type Queue struct {
	Capacity int `json:"capacity"`
}

type Auth struct {
	// TokenFile is an optional on-disk token file consumed by auth.FileSource.
	TokenFile string `json:"token_file"`

	// RefreshBufferSec: a credential with less remaining lifetime than this
	// is renewed before being used for a connect.
	RefreshBufferSec int `json:"refresh_buffer_seconds"`

	// RenewAheadSec: how long before expiry the idle-renewal timer fires.
	RenewAheadSec int `json:"renew_ahead_seconds"`
}

type Typing struct {
	// DebounceMS of local input inactivity before typing-stop is sent.
	DebounceMS int `json:"debounce_ms"`

	// WindowSec a remote typing indicator stays alive without a refresh.
	WindowSec int `json:"window_seconds"`
}

type History struct {
	// Buffer is the number of recent chat messages kept in memory per room.
	Buffer int `json:"buffer"`
}

func Default() Config {
	return Config{
		Endpoint: Endpoint{
			Path:           "/ws/session",
			Subprotocol:    "telelink.v1",
			DialTimeoutSec: 15,
		},
		Heartbeat: Heartbeat{
			IntervalSec: 30,
		},
		Backoff: Backoff{
			BaseMS:      500,
			CapSec:      30,
			MaxAttempts: 10,
		},
		Queue: Queue{
			Capacity: 100,
		},
		Auth: Auth{
			RefreshBufferSec: 60,
			RenewAheadSec:    300,
		},
		Typing: Typing{
			DebounceMS: 1000,
			WindowSec:  3,
		},
		History: History{
			Buffer: 100,
		},
	}
}

// Load reads the config file at path, layered over Default(). A missing
// file is not an error — the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	// Endpoint
	if s := strings.TrimSpace(c.Endpoint.BaseURL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("endpoint.base_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("endpoint.base_url must use ws:// or wss://")
		}
	}
	if !strings.HasPrefix(c.Endpoint.Path, "/") {
		return errors.New("endpoint.path must start with /")
	}
	if strings.TrimSpace(c.Endpoint.Subprotocol) == "" {
		return errors.New("endpoint.subprotocol is required")
	}
	if c.Endpoint.DialTimeoutSec <= 0 {
		return errors.New("endpoint.dial_timeout_seconds must be > 0")
	}

	// Heartbeat
	if c.Heartbeat.IntervalSec <= 0 {
		return errors.New("heartbeat.interval_seconds must be > 0")
	}

	// Backoff
	if c.Backoff.BaseMS <= 0 {
		return errors.New("backoff.base_ms must be > 0")
	}
	if c.Backoff.CapSec <= 0 {
		return errors.New("backoff.cap_seconds must be > 0")
	}
	if c.Backoff.MaxAttempts <= 0 {
		return errors.New("backoff.max_attempts must be > 0")
	}

	// Queue
	if c.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be > 0")
	}

	// Auth
	if c.Auth.RefreshBufferSec <= 0 {
		return errors.New("auth.refresh_buffer_seconds must be > 0")
	}
	if c.Auth.RenewAheadSec <= c.Auth.RefreshBufferSec {
		return errors.New("auth.renew_ahead_seconds must be > auth.refresh_buffer_seconds")
	}

	// Typing
	if c.Typing.DebounceMS <= 0 {
		return errors.New("typing.debounce_ms must be > 0")
	}
	if c.Typing.WindowSec <= 0 {
		return errors.New("typing.window_seconds must be > 0")
	}

	// History
	if c.History.Buffer <= 0 {
		return errors.New("history.buffer must be > 0")
	}

	return nil
}

// Convenience duration accessors so callers don't repeat the unit math.

func (e Endpoint) DialTimeout() time.Duration { return time.Duration(e.DialTimeoutSec) * time.Second }
func (h Heartbeat) Interval() time.Duration   { return time.Duration(h.IntervalSec) * time.Second }
func (b Backoff) Base() time.Duration         { return time.Duration(b.BaseMS) * time.Millisecond }
func (b Backoff) Cap() time.Duration          { return time.Duration(b.CapSec) * time.Second }
func (a Auth) RefreshBuffer() time.Duration   { return time.Duration(a.RefreshBufferSec) * time.Second }
func (a Auth) RenewAhead() time.Duration      { return time.Duration(a.RenewAheadSec) * time.Second }
func (t Typing) Debounce() time.Duration      { return time.Duration(t.DebounceMS) * time.Millisecond }
func (t Typing) Window() time.Duration        { return time.Duration(t.WindowSec) * time.Second }
