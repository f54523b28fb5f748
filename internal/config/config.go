// Package config handles JSON/TOML configuration loading and validation.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// AdminPrefix is the path prefix reserved for the proxy's own endpoints.
// Everything outside it is forwarded or overridden.
const AdminPrefix = "/__proxy"

// Reserved admin routes.
const (
	HealthzPath = AdminPrefix + "/healthz"
	StatusPath  = AdminPrefix + "/status"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"config.json",
	"/etc/substitution-proxy/config.json",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to JSON or TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Target          string `kong:"help='Upstream host to forward to (overrides config).',env='TARGET_SERVER'"`
	SubstitutionDir string `kong:"help='Directory checked for override files (overrides config).',env='SUBSTITUTION_DIR'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once by
// Load and treated as read-only afterwards.
type Config struct {
	TargetServer    string `json:"targetServer" toml:"targetServer"`
	SubstitutionDir string `json:"substitutionDir" toml:"substitutionDir"`
	Port            int    `json:"port" toml:"port"` // 0 means "use default" (8080)
	Host            string `json:"host" toml:"host"`

	Server       ServerConfig       `json:"server" toml:"server"`
	Upstream     UpstreamConfig     `json:"upstream" toml:"upstream"`
	Substitution SubstitutionConfig `json:"substitution" toml:"substitution"`
	Log          LogConfig          `json:"log" toml:"log"`
	Metrics      MetricsConfig      `json:"metrics" toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	BodyMaxBytes int64           `json:"bodyMaxBytes" toml:"bodyMaxBytes"`
	RateLimit    RateLimitConfig `json:"rateLimit" toml:"rateLimit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" toml:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond" toml:"requestsPerSecond"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	Scheme          string   `json:"scheme" toml:"scheme"`
	TimeoutSeconds  int      `json:"timeoutSeconds" toml:"timeoutSeconds"`
	IdleConnections int      `json:"idleConnections" toml:"idleConnections"`
	FollowRedirects *bool    `json:"followRedirects" toml:"followRedirects"` // nil means true
	BodyMethods     []string `json:"bodyMethods" toml:"bodyMethods"`
}

// SubstitutionConfig holds override directory settings beyond the directory itself.
type SubstitutionConfig struct {
	Watch bool `json:"watch" toml:"watch"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Path    string `json:"path" toml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// ./config.json then /etc/substitution-proxy/config.json.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// parse decodes data as TOML when the file has a .toml extension and as JSON
// otherwise. Unknown keys are rejected in both formats.
func parse(path string, data []byte) (*Config, error) {
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Port = cli.Port
	}
	if cli.Target != "" {
		c.TargetServer = cli.Target
	}
	if cli.SubstitutionDir != "" {
		c.SubstitutionDir = cli.SubstitutionDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := validateTarget(c.TargetServer); err != nil {
		return err
	}

	switch strings.ToLower(c.Upstream.Scheme) {
	case "https", "http", "":
		// valid
	default:
		return fmt.Errorf("upstream.scheme must be one of: https, http; got %q", c.Upstream.Scheme)
	}

	// Numeric bounds.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 0–65535; got %d", c.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.bodyMaxBytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeoutSeconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idleConnections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rateLimit.requestsPerSecond must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for _, m := range c.Upstream.BodyMethods {
		if m == "" || strings.ContainsAny(m, " \t/") {
			return fmt.Errorf("upstream.bodyMethods contains an invalid method %q", m)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{HealthzPath, StatusPath} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateTarget checks that targetServer is a bare host with an optional port.
func validateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("targetServer is required")
	}
	if strings.Contains(target, "://") {
		return fmt.Errorf("targetServer must be a host without a scheme; got %q", target)
	}
	if strings.ContainsAny(target, "/?# \t") {
		return fmt.Errorf("targetServer must be a bare host[:port]; got %q", target)
	}
	u, err := url.Parse("//" + target)
	if err != nil {
		return fmt.Errorf("targetServer is not a valid host: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("targetServer has an empty host; got %q", target)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset", so port=0 in the config file results
// in the default port (8080).
func (c *Config) setDefaults() {
	if c.SubstitutionDir == "" {
		c.SubstitutionDir = "substitution"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 * 1024 // 64 MB
	}
	c.Upstream.Scheme = strings.ToLower(c.Upstream.Scheme)
	if c.Upstream.Scheme == "" {
		c.Upstream.Scheme = "https"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.Upstream.BodyMethods) == 0 {
		c.Upstream.BodyMethods = []string{"POST"}
	}
	for i, m := range c.Upstream.BodyMethods {
		c.Upstream.BodyMethods[i] = strings.ToUpper(m)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = AdminPrefix + "/metrics"
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
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FollowsRedirects reports whether the upstream client follows redirects.
func (c *UpstreamConfig) FollowsRedirects() bool {
	return c.FollowRedirects == nil || *c.FollowRedirects
}

// ForwardsBody reports whether requests with the given method carry their
// body upstream.
func (c *UpstreamConfig) ForwardsBody(method string) bool {
	if len(c.BodyMethods) == 0 {
		return method == "POST"
	}
	for _, m := range c.BodyMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// WarnPermissions logs a warning if the config file is writable by group or
// others, since whoever edits it decides where proxied traffic goes.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
