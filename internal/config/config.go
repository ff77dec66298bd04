package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatq/internal/backoff"
)

// Duration is a time.Duration written as a string ("500ms", "1m") in TOML.
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

func dur(d time.Duration) Duration { return Duration{d} }

// Config represents the global ~/.chatq/config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile"`
	LogLevel       string          `toml:"log_level"`
	Server         ServerConfig    `toml:"server"`
	Outbox         OutboxConfig    `toml:"outbox"`
	Heartbeat      HeartbeatConfig `toml:"heartbeat"`
	Backoff        BackoffConfig   `toml:"backoff"`
	Probe          ProbeConfig     `toml:"probe"`
	Metrics        MetricsConfig   `toml:"metrics"`
}

type ServerConfig struct {
	// URL is the WebSocket endpoint.
	URL string `toml:"url"`
	// APIURL is the base of the HTTP auth and csrf endpoints.
	APIURL string `toml:"api_url"`
}

type OutboxConfig struct {
	MaxRetries  int      `toml:"max_retries"`
	AckTimeout  Duration `toml:"ack_timeout"`
	Concurrency int      `toml:"concurrency"`
	RetryTick   Duration `toml:"retry_tick"`
}

type HeartbeatConfig struct {
	Interval Duration `toml:"interval"`
	Timeout  Duration `toml:"timeout"`
}

type BackoffConfig struct {
	Base         Duration `toml:"base"`
	Multiplier   float64  `toml:"multiplier"`
	Cap          Duration `toml:"cap"`
	Jitter       float64  `toml:"jitter"`
	MaxAttempts  int      `toml:"max_attempts"`
	SlowInterval Duration `toml:"slow_interval"`
}

// Policy converts the section to a backoff policy.
func (b BackoffConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Base:         b.Base.Duration,
		Multiplier:   b.Multiplier,
		Cap:          b.Cap.Duration,
		Jitter:       b.Jitter,
		MaxAttempts:  b.MaxAttempts,
		SlowInterval: b.SlowInterval.Duration,
	}
}

type ProbeConfig struct {
	// Interval between network interface checks; zero disables probing.
	Interval Duration `toml:"interval"`
}

type MetricsConfig struct {
	// Addr is where /metrics is served; empty disables it.
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	p := backoff.DefaultPolicy()
	return &Config{
		DefaultProfile: "main",
		LogLevel:       "info",
		Server: ServerConfig{
			URL:    "ws://localhost:8080/ws",
			APIURL: "http://localhost:8080",
		},
		Outbox: OutboxConfig{
			MaxRetries:  5,
			AckTimeout:  dur(10 * time.Second),
			Concurrency: 4,
			RetryTick:   dur(500 * time.Millisecond),
		},
		Heartbeat: HeartbeatConfig{
			Interval: dur(5 * time.Second),
			Timeout:  dur(3 * time.Second),
		},
		Backoff: BackoffConfig{
			Base:         dur(p.Base),
			Multiplier:   p.Multiplier,
			Cap:          dur(p.Cap),
			Jitter:       p.Jitter,
			MaxAttempts:  p.MaxAttempts,
			SlowInterval: dur(p.SlowInterval),
		},
		Probe: ProbeConfig{Interval: dur(10 * time.Second)},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not
// exist.
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

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("server.url %q must be a ws:// or wss:// URL", c.Server.URL)
	}
	u, err = url.Parse(c.Server.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.api_url %q must be an http:// or https:// URL", c.Server.APIURL)
	}
	switch {
	case c.Outbox.MaxRetries < 1:
		return fmt.Errorf("outbox.max_retries must be at least 1")
	case c.Outbox.Concurrency < 1:
		return fmt.Errorf("outbox.concurrency must be at least 1")
	case c.Outbox.AckTimeout.Duration <= 0:
		return fmt.Errorf("outbox.ack_timeout must be positive")
	case c.Heartbeat.Interval.Duration <= 0 || c.Heartbeat.Timeout.Duration <= 0:
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	case c.Heartbeat.Timeout.Duration >= c.Heartbeat.Interval.Duration:
		return fmt.Errorf("heartbeat.timeout must be shorter than heartbeat.interval")
	case c.Backoff.Base.Duration <= 0:
		return fmt.Errorf("backoff.base must be positive")
	case c.Backoff.Cap.Duration < c.Backoff.Base.Duration:
		return fmt.Errorf("backoff.cap must not be below backoff.base")
	case c.Backoff.Multiplier < 1:
		return fmt.Errorf("backoff.multiplier must be at least 1")
	case c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1:
		return fmt.Errorf("backoff.jitter must be within [0, 1]")
	case c.Backoff.MaxAttempts < 1:
		return fmt.Errorf("backoff.max_attempts must be at least 1")
	case c.Probe.Interval.Duration < 0:
		return fmt.Errorf("probe.interval must not be negative")
	}
	return nil
}
