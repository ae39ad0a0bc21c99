// Package config loads and watches the exporter configuration.
//
// The config file is optional: every field has a default, and the three
// knobs the exporter historically exposed via environment variables
// (SPEEDTEST_CACHE_FOR, SPEEDTEST_TIMEOUT, SPEEDTEST_PORT) override file
// values when set.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort     = 9798
	DefaultCacheFor = 90 * time.Second
	DefaultTimeout  = 90 * time.Second

	BackendCLI    = "cli"
	BackendNative = "native"
)

type Config struct {
	Listen    ListenConfig    `json:"listen"`
	Speedtest SpeedtestConfig `json:"speedtest"`
	Logging   LoggingConfig   `json:"logging"`
}

type ListenConfig struct {
	// Address defaults to all interfaces.
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// SpeedtestConfig controls how measurements are taken.
//
// All durations are Go duration strings (e.g. "30s", "2m"). A cache_for of
// "0s" disables caching entirely: every scrape re-measures.
type SpeedtestConfig struct {
	// Backend selects "cli" (shell out to the external tool, the default)
	// or "native" (embedded speedtest-go measurement).
	Backend string `json:"backend,omitempty"`
	Command string `json:"command,omitempty"`

	CacheFor string `json:"cache_for,omitempty"`
	Timeout  string `json:"timeout,omitempty"`

	// Native backend tuning. Ignored by the cli backend.
	ServerCount    int `json:"server_count,omitempty"`
	MaxConnections int `json:"max_connections,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: DefaultPort},
		Speedtest: SpeedtestConfig{Backend: BackendCLI},
	}
}

// Load reads, decodes and validates the config file, then applies
// environment overrides. An empty path (or a missing file at the default
// path) yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			if err := decodeStrict(path, b, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(path string, b []byte, cfg *Config) error {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// Reject trailing tokens (e.g. concatenated JSON).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// applyEnv keeps compatibility with the exporter's environment interface.
// The historical variables take whole seconds, not duration strings.
func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("SPEEDTEST_CACHE_FOR")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return fmt.Errorf("SPEEDTEST_CACHE_FOR: expected non-negative seconds, got %q", v)
		}
		c.Speedtest.CacheFor = strconv.Itoa(secs) + "s"
	}
	if v := strings.TrimSpace(os.Getenv("SPEEDTEST_TIMEOUT")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("SPEEDTEST_TIMEOUT: expected positive seconds, got %q", v)
		}
		c.Speedtest.Timeout = strconv.Itoa(secs) + "s"
	}
	if v := strings.TrimSpace(os.Getenv("SPEEDTEST_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("SPEEDTEST_PORT: expected a port number, got %q", v)
		}
		c.Listen.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("SPEEDTEST_BACKEND")); v != "" {
		c.Speedtest.Backend = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Speedtest.Backend {
	case "", BackendCLI, BackendNative:
	default:
		return fmt.Errorf("speedtest.backend: unknown backend %q", c.Speedtest.Backend)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port: out of range: %d", c.Listen.Port)
	}
	if _, err := ParseDurationField("speedtest.cache_for", c.Speedtest.CacheFor); err != nil {
		return err
	}
	if _, err := ParseDurationField("speedtest.timeout", c.Speedtest.Timeout); err != nil {
		return err
	}
	return nil
}

// CacheFor resolves the cache window. Zero means "always re-measure"; the
// default applies only when the field is unset.
func (c *Config) CacheFor() time.Duration {
	raw := strings.TrimSpace(c.Speedtest.CacheFor)
	if raw == "" {
		return DefaultCacheFor
	}
	d, err := ParseDurationField("speedtest.cache_for", raw)
	if err != nil {
		return DefaultCacheFor
	}
	return d
}

// Timeout resolves the per-measurement timeout.
func (c *Config) Timeout() time.Duration {
	d, err := ParseDurationOrDefault("speedtest.timeout", c.Speedtest.Timeout, DefaultTimeout)
	if err != nil {
		return DefaultTimeout
	}
	return d
}

// ListenAddr builds the bind address for the HTTP server.
func (c *Config) ListenAddr() string {
	port := c.Listen.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Listen.Address, port)
}

// Backend returns the effective measurement backend.
func (c *Config) Backend() string {
	if c.Speedtest.Backend == "" {
		return BackendCLI
	}
	return c.Speedtest.Backend
}

// ConsoleLogging reports whether console output is enabled (default true).
func (c *Config) ConsoleLogging() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}
