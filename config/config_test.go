package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/ws/session", cfg.Endpoint.Path)
	assert.Equal(t, "telelink.v1", cfg.Endpoint.Subprotocol)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.Base())
	assert.Equal(t, 30*time.Second, cfg.Backoff.Cap())
	assert.Equal(t, 10, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 100, cfg.Queue.Capacity)
	assert.Equal(t, time.Minute, cfg.Auth.RefreshBuffer())
	assert.Equal(t, 5*time.Minute, cfg.Auth.RenewAhead())
	assert.Equal(t, time.Second, cfg.Typing.Debounce())
	assert.Equal(t, 3*time.Second, cfg.Typing.Window())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telelink.json")
	data := `{
		"endpoint": {"base_url": "wss://rt.example.org"},
		"backoff": {"max_attempts": 5},
		"typing": {"window_seconds": 7}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://rt.example.org", cfg.Endpoint.BaseURL)
	assert.Equal(t, 5, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 7, cfg.Typing.WindowSec)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/ws/session", cfg.Endpoint.Path)
	assert.Equal(t, 100, cfg.Queue.Capacity)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telelink.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http base url", func(c *Config) { c.Endpoint.BaseURL = "https://rt.example.org" }},
		{"relative path", func(c *Config) { c.Endpoint.Path = "ws/session" }},
		{"blank subprotocol", func(c *Config) { c.Endpoint.Subprotocol = " " }},
		{"zero dial timeout", func(c *Config) { c.Endpoint.DialTimeoutSec = 0 }},
		{"zero heartbeat", func(c *Config) { c.Heartbeat.IntervalSec = 0 }},
		{"zero backoff base", func(c *Config) { c.Backoff.BaseMS = 0 }},
		{"zero backoff cap", func(c *Config) { c.Backoff.CapSec = 0 }},
		{"zero max attempts", func(c *Config) { c.Backoff.MaxAttempts = 0 }},
		{"zero queue capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"renew ahead below refresh buffer", func(c *Config) { c.Auth.RenewAheadSec = c.Auth.RefreshBufferSec }},
		{"zero typing debounce", func(c *Config) { c.Typing.DebounceMS = 0 }},
		{"zero typing window", func(c *Config) { c.Typing.WindowSec = 0 }},
		{"zero history buffer", func(c *Config) { c.History.Buffer = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsEmptyBaseURL(t *testing.T) {
	// The endpoint may be supplied at runtime instead of in the file.
	cfg := Default()
	require.NoError(t, cfg.Validate())
}
