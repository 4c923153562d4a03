package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"transfer-hub/internal/logging"
	"transfer-hub/internal/progress"
)

const (
	TransportHTTP  = "http"
	TransportAria2 = "aria2"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Aria2     Aria2Config     `toml:"aria2"`
	Progress  ProgressConfig  `toml:"progress"`
	Log       logging.Config  `toml:"log"`
}

type ServerConfig struct {
	Addr     string `toml:"addr"`
	CacheDir string `toml:"cache_dir"`
	TempDir  string `toml:"temp_dir"`
	// ResumeURL is a bucket URL such as "file:///var/lib/hub/resume" or
	// "mem://". Empty keeps resume data under <cache_dir>/resume-data.
	ResumeURL string `toml:"resume_url"`
}

type TransportConfig struct {
	Kind                string            `toml:"kind"`
	Timeout             string            `toml:"timeout"`
	MaxIdleConnsPerHost int               `toml:"max_idle_conns_per_host"`
	Headers             map[string]string `toml:"headers"`
}

type Aria2Config struct {
	RPCUrl       string `toml:"rpc_url"`
	Secret       string `toml:"secret"`
	PollInterval string `toml:"poll_interval"`
}

type ProgressConfig struct {
	// DefaultInterval is a byte size such as "64KiB". Empty relays every
	// update.
	DefaultInterval string `toml:"default_interval"`
	DefaultCount    int    `toml:"default_count"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:     ":8084",
			CacheDir: "./cache",
		},
		Transport: TransportConfig{
			Kind:                TransportHTTP,
			Timeout:             "0s",
			MaxIdleConnsPerHost: 8,
			Headers: map[string]string{
				"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
		},
		Aria2: Aria2Config{
			RPCUrl:       "http://localhost:6800/jsonrpc",
			PollInterval: "500ms",
		},
		Progress: ProgressConfig{
			DefaultInterval: "64KiB",
		},
		Log: logging.Config{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that are parsed lazily by the accessors below.
func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportHTTP, TransportAria2:
	default:
		return fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr: must not be empty")
	}
	if strings.TrimSpace(c.Server.CacheDir) == "" {
		return errors.New("server.cache_dir: must not be empty")
	}
	if raw := strings.TrimSpace(c.Server.ResumeURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("server.resume_url: %w", err)
		}
		if u.Scheme == "" {
			return fmt.Errorf("server.resume_url: %q has no scheme", raw)
		}
	}
	if _, err := c.TransportTimeout(); err != nil {
		return err
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := c.DefaultProgress(); err != nil {
		return err
	}
	if c.Transport.Kind == TransportAria2 && strings.TrimSpace(c.Aria2.RPCUrl) == "" {
		return errors.New("aria2.rpc_url: required by the aria2 transport")
	}
	return nil
}

func (c Config) TransportTimeout() (time.Duration, error) {
	return parseDuration("transport.timeout", c.Transport.Timeout)
}

func (c Config) PollInterval() (time.Duration, error) {
	return parseDuration("aria2.poll_interval", c.Aria2.PollInterval)
}

// DefaultProgress is the progress config applied to every task.
func (c Config) DefaultProgress() (progress.Config, error) {
	out := progress.Config{Count: c.Progress.DefaultCount}
	if c.Progress.DefaultCount < 0 {
		return progress.Config{}, errors.New("progress.default_count: must not be negative")
	}
	raw := strings.TrimSpace(c.Progress.DefaultInterval)
	if raw == "" {
		return out, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return progress.Config{}, fmt.Errorf("progress.default_interval: %w", err)
	}
	out.IntervalBytes = int64(n)
	return out, nil
}

// Header returns the default request headers in canonical form.
func (c Config) Header() http.Header {
	h := make(http.Header, len(c.Transport.Headers))
	for k, v := range c.Transport.Headers {
		h.Set(k, v)
	}
	return h
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}
