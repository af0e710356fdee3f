// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/failover-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Service1     string `kong:"name='service-1',help='First upstream origin (overrides config).',env='SERVICE_1'"`
	Service2     string `kong:"name='service-2',help='Second upstream origin (overrides config).',env='SERVICE_2'"`
	TimeoutMS    int    `kong:"name='timeout-ms',help='Upstream timeout in milliseconds (overrides config).',env='TIMEOUT_MS'"`
	BodyMaxBytes int64  `kong:"help='Maximum request body size in bytes (overrides config).',env='BODY_MAX_BYTES'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat    string `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8088)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the two upstream origins and connection settings.
// Empty origins are accepted at startup; every request then fails as misconfigured.
type UpstreamConfig struct {
	Service1        string `toml:"service_1"`
	Service2        string `toml:"service_2"`
	TimeoutMS       int    `toml:"timeout_ms"`
	IdleConnections int    `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig controls the health, status and metrics endpoints.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Prefix  string `toml:"prefix"`
}

const (
	DefaultPort         = 8088
	DefaultBodyMaxBytes = 6 * 1024 * 1024
	DefaultTimeoutMS    = 120000
	DefaultAdminPrefix  = "/_failover"
)

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/failover-proxy/config.toml then configs/config.toml. Finding no file is
// not an error: environment variables alone are a complete configuration.
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
	if cli.BodyMaxBytes != 0 {
		c.Server.BodyMaxBytes = cli.BodyMaxBytes
	}
	if cli.Service1 != "" {
		c.Upstream.Service1 = cli.Service1
	}
	if cli.Service2 != "" {
		c.Upstream.Service2 = cli.Service2
	}
	if cli.TimeoutMS != 0 {
		c.Upstream.TimeoutMS = cli.TimeoutMS
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

func (c *Config) validate() error {
	return validation.Errors{
		"server": validation.ValidateStruct(&c.Server,
			validation.Field(&c.Server.Port, validation.Min(0), validation.Max(65535)),
			validation.Field(&c.Server.BodyMaxBytes, validation.Min(int64(0))),
			validation.Field(&c.Server.RateLimit, validation.By(validateRateLimit)),
		),
		"upstream": validation.ValidateStruct(&c.Upstream,
			validation.Field(&c.Upstream.Service1, validation.By(validateOrigin)),
			validation.Field(&c.Upstream.Service2, validation.By(validateOrigin)),
			validation.Field(&c.Upstream.TimeoutMS, validation.Min(0)),
			validation.Field(&c.Upstream.IdleConnections, validation.Min(0)),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.By(lowerIn("debug", "info", "warn", "error"))),
			validation.Field(&c.Log.Format, validation.By(lowerIn("json", "text"))),
		),
		"admin": validation.ValidateStruct(&c.Admin,
			validation.Field(&c.Admin.Prefix, validation.By(validatePrefix)),
		),
	}.Filter()
}

func validateOrigin(value any) error {
	origin, _ := value.(string)
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

func validateRateLimit(value any) error {
	rl, ok := value.(RateLimitConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RateLimitConfig")
	}
	if rl.Enabled && rl.RequestsPerSecond <= 0 {
		return errors.New("requests_per_second must be > 0 when rate limiting is enabled")
	}
	return nil
}

func validatePrefix(value any) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return validation.NewError("validation_invalid_prefix", "must start with '/'")
	}
	if p == "/" || strings.HasSuffix(p, "/") {
		return validation.NewError("validation_invalid_prefix", "must not be '/' or end with '/'")
	}
	return nil
}

// lowerIn matches a string case-insensitively against the allowed values.
// The empty string is accepted and later replaced by a default.
func lowerIn(allowed ...string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		s = strings.ToLower(s)
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return validation.NewError("validation_not_in", "must be one of: "+strings.Join(allowed, ", "))
	}
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = DefaultBodyMaxBytes
	}
	if c.Upstream.TimeoutMS == 0 {
		c.Upstream.TimeoutMS = DefaultTimeoutMS
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = DefaultAdminPrefix
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

// Configured reports whether both upstream origins are set.
func (c *UpstreamConfig) Configured() bool {
	return c.Service1 != "" && c.Service2 != ""
}

// Origins returns the two upstream origins in configuration order.
func (c *UpstreamConfig) Origins() [2]string {
	return [2]string{c.Service1, c.Service2}
}

// Timeout returns the per-attempt upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
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
