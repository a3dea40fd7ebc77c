// Package config holds the startup configuration of the gateway.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultListenAddr       = ":3000"
	DefaultFetchTimeoutMS   = 10000
	DefaultMaxPlaylistBytes = 8 << 20
	DefaultMaxSegmentBytes  = 64 << 20
	DefaultLogLevel         = "info"
)

// Config holds the gateway configuration. It is read once at startup and
// never changes afterwards.
type Config struct {
	// UpstreamOrigin is the scheme and host all targets are fetched from,
	// e.g. "https://cdn.example.com".
	UpstreamOrigin string `yaml:"upstream_origin"`
	// AllowedCallers are matched exactly against Origin and as prefixes against Referer.
	AllowedCallers []string `yaml:"allowed_callers"`
	// FetchTimeoutMS is the upstream request timeout in milliseconds.
	FetchTimeoutMS int `yaml:"fetch_timeout_ms"`
	// ListenAddr is the HTTP listen address (host:port).
	ListenAddr string `yaml:"listen_addr"`
	// MaxPlaylistBytes bounds the size of a playlist body buffered for rewriting.
	MaxPlaylistBytes int64 `yaml:"max_playlist_bytes"`
	// MaxSegmentBytes bounds any other body, which is read in full before it is relayed.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes"`
	// RateLimit configures per-client request limiting. Disabled when Requests is zero.
	RateLimit RateLimit `yaml:"rate_limit"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// RateLimit is a sliding window request limit per client IP.
type RateLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// Enabled reports whether rate limiting is on.
func (r RateLimit) Enabled() bool {
	return r.Requests > 0
}

// FetchTimeout returns the upstream timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

// Level returns the configured log level. Validate rejects unknown levels.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate checks if the configuration is valid and fills in defaults.
func (c *Config) Validate() error {
	if c.UpstreamOrigin == "" {
		return fmt.Errorf("upstream origin is required")
	}

	origin, err := normalizeOrigin(c.UpstreamOrigin)
	if err != nil {
		return err
	}
	c.UpstreamOrigin = origin

	if len(c.AllowedCallers) == 0 {
		return fmt.Errorf("at least one allowed caller is required")
	}

	for i, caller := range c.AllowedCallers {
		caller = strings.TrimSpace(caller)
		if caller == "" {
			return fmt.Errorf("allowed caller %d is empty", i)
		}
		c.AllowedCallers[i] = caller
	}

	if c.FetchTimeoutMS < 0 {
		return fmt.Errorf("fetch timeout must be positive, got %dms", c.FetchTimeoutMS)
	}

	if c.MaxPlaylistBytes < 0 {
		return fmt.Errorf("max playlist bytes must be positive, got %d", c.MaxPlaylistBytes)
	}
	if c.MaxSegmentBytes < 0 {
		return fmt.Errorf("max segment bytes must be positive, got %d", c.MaxSegmentBytes)
	}

	if c.RateLimit.Requests < 0 {
		return fmt.Errorf("rate limit requests must not be negative, got %d", c.RateLimit.Requests)
	}

	// Set defaults
	if c.FetchTimeoutMS == 0 {
		c.FetchTimeoutMS = DefaultFetchTimeoutMS
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxPlaylistBytes == 0 {
		c.MaxPlaylistBytes = DefaultMaxPlaylistBytes
	}
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if c.RateLimit.Enabled() && c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	return nil
}

// normalizeOrigin checks that origin is an http or https URL without a path
// and returns it without a trailing slash.
func normalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid upstream origin %q: %w", origin, err)
	}

	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return "", fmt.Errorf("upstream origin %q must use http or https", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("upstream origin %q has no host", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("upstream origin %q must be scheme and host only", origin)
	}

	return strings.ToLower(u.Scheme) + "://" + u.Host, nil
}
