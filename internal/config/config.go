// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/paper-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host metrics.
var reservedRoutes = []string{"/proxy", "/meta", "/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Rules    string `kong:"help='Upstream ruleset file or directory, ; separated (overrides config).',env='RULESET'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig controls how proxied resources are fetched.
type UpstreamConfig struct {
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"` // 0 means unlimited
	UserAgent       string   `toml:"user_agent"`
	AllowedHosts    []string `toml:"allowed_hosts"` // empty allows any host
	RulesPath       string   `toml:"rules_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/paper-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Rules != "" {
		c.Upstream.RulesPath = cli.Rules
	}
}

// validate reports every invalid field at once.
func (c *Config) validate() error {
	return errors.Join(
		c.Server.validate(),
		c.Upstream.validate(),
		c.Log.validate(),
		c.Metrics.validate(),
	)
}

func (s *ServerConfig) validate() error {
	var errs []error
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 0–65535; got %d", s.Port))
	}
	if s.BodyMaxBytes < 0 {
		errs = append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", s.BodyMaxBytes))
	}
	if s.RateLimit.Enabled && s.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v",
			s.RateLimit.RequestsPerSecond))
	}
	return errors.Join(errs...)
}

func (u *UpstreamConfig) validate() error {
	var errs []error
	nonNegative := func(key string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("upstream.%s must be non-negative; got %d", key, v))
		}
	}
	nonNegative("timeout_seconds", int64(u.TimeoutSeconds))
	nonNegative("idle_connections", int64(u.IdleConnections))
	nonNegative("max_body_bytes", u.MaxBodyBytes)

	for _, h := range u.AllowedHosts {
		if h == "" || strings.ContainsAny(h, "/:* ") {
			errs = append(errs, fmt.Errorf("upstream.allowed_hosts entries must be bare host names; got %q", h))
		}
	}
	return errors.Join(errs...)
}

func (l *LogConfig) validate() error {
	var errs []error
	if !oneOf(l.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level))
	}
	if !oneOf(l.Format, "json", "text") {
		errs = append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", l.Format))
	}
	return errors.Join(errs...)
}

// validate checks the scrape path only when metrics are served.
func (m *MetricsConfig) validate() error {
	if !m.Enabled || m.Path == "" {
		return nil
	}
	if m.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", m.Path)
	}
	for _, reserved := range reservedRoutes {
		if m.Path == reserved || strings.HasPrefix(m.Path, reserved+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", m.Path, reserved)
		}
	}
	return nil
}

// oneOf reports whether v is empty or case-insensitively equal to one of allowed.
func oneOf(v string, allowed ...string) bool {
	if v == "" {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
// Upstream.TimeoutSeconds=0 therefore means the default (120s), never "no deadline".
// Upstream.MaxBodyBytes is the exception: zero keeps upstream bodies unbounded.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; only GET requests are served
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "paper-proxy/1.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
