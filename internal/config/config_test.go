package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	p, err := cfg.DefaultProgress()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), p.IntervalBytes)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9000"
resume_url = "mem://"

[transport]
kind = "aria2"
timeout = "30s"

[transport.headers]
referer = "http://origin/"

[aria2]
secret = "s3cret"
poll_interval = "250ms"

[progress]
default_interval = "1 MB"
default_count = 10

[log]
level = "debug"
json = true
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "./cache", cfg.Server.CacheDir)
	assert.Equal(t, "mem://", cfg.Server.ResumeURL)
	assert.Equal(t, TransportAria2, cfg.Transport.Kind)
	assert.Equal(t, "http://localhost:6800/jsonrpc", cfg.Aria2.RPCUrl)
	assert.Equal(t, "s3cret", cfg.Aria2.Secret)
	assert.True(t, cfg.Log.JSON)

	timeout, err := cfg.TransportTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
	poll, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, poll)

	p, err := cfg.DefaultProgress()
	require.NoError(t, err)
	assert.Equal(t, int64(1000*1000), p.IntervalBytes)
	assert.Equal(t, 10, p.Count)

	assert.Equal(t, "http://origin/", cfg.Header().Get("Referer"))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "ftp" }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"resume url without scheme", func(c *Config) { c.Server.ResumeURL = "var/resume" }},
		{"bad timeout", func(c *Config) { c.Transport.Timeout = "soon" }},
		{"negative poll", func(c *Config) { c.Aria2.PollInterval = "-1s" }},
		{"bad interval", func(c *Config) { c.Progress.DefaultInterval = "lots" }},
		{"negative count", func(c *Config) { c.Progress.DefaultCount = -1 }},
		{"aria2 without url", func(c *Config) { c.Transport.Kind = TransportAria2; c.Aria2.RPCUrl = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\naddr="), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
