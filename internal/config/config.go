// Package config loads the gatekeep configuration from a YAML or TOML file,
// flags and GATEKEEP_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/gatekeep/internal/util"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupportedFormat is returned for config files that are neither
	// YAML nor TOML.
	ErrUnsupportedFormat = errors.New("unsupported config format")
)

// Environment variables that override secrets from the file.
const (
	EnvIdentityAPIKey = "GATEKEEP_IDENTITY_API_KEY"
	EnvStoreDSN       = "GATEKEEP_STORE_DSN"
	EnvWebhookAuth    = "GATEKEEP_AUDIT_WEBHOOK_AUTH"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config is the complete service configuration. It is not modified after
// Load returns.
type Config struct {
	Server   ServerConfig        `yaml:"server" toml:"server"`
	Identity IdentityConfig      `yaml:"identity" toml:"identity"`
	Store    StoreConfig         `yaml:"store" toml:"store"`
	Session  SessionConfig       `yaml:"session" toml:"session"`
	Executor ExecutorConfig      `yaml:"executor" toml:"executor"`
	Password util.Argon2idParams `yaml:"password" toml:"password"`
	Log      LogConfig           `yaml:"log" toml:"log"`
	Audit    AuditConfig         `yaml:"audit" toml:"audit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	TLSCert         string        `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key" toml:"tls_key"`
	TrustedProxies  []string      `yaml:"trusted_proxies" toml:"trusted_proxies"`
	LoginRate       float64       `yaml:"login_rate" toml:"login_rate"`
	LoginBurst      int           `yaml:"login_burst" toml:"login_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type IdentityConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// StoreConfig selects the session store. Path is used by bbolt; DSN by
// postgres, sqlite and redis (a redis:// URL).
type StoreConfig struct {
	Backend        string        `yaml:"backend" toml:"backend"`
	Path           string        `yaml:"path" toml:"path"`
	DSN            string        `yaml:"dsn" toml:"dsn"`
	Driver         string        `yaml:"driver" toml:"driver"`
	RedisPrefix    string        `yaml:"redis_prefix" toml:"redis_prefix"`
	RedisRetention time.Duration `yaml:"redis_retention" toml:"redis_retention"`
}

type SessionConfig struct {
	LengthMinutes int           `yaml:"length_minutes" toml:"length_minutes"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

type ExecutorConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period" toml:"grace_period"`
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type AuditConfig struct {
	WebhookURL  string `yaml:"webhook_url" toml:"webhook_url"`
	WebhookAuth string `yaml:"webhook_auth" toml:"webhook_auth"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			LoginRate:       1,
			LoginBurst:      10,
			ShutdownTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:        BackendMemory,
			Driver:         "pgx",
			RedisPrefix:    "session:",
			RedisRetention: time.Hour,
		},
		Session: SessionConfig{
			LengthMinutes: 60,
			SweepInterval: 5 * time.Minute,
		},
		Executor: ExecutorConfig{
			GracePeriod:   100 * time.Millisecond,
			MaxConcurrent: 64,
		},
		Password: util.DefaultArgon2idParams(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load returns Default overlaid with the file at path, if any. ${VAR}
// references in the file are expanded from the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(expandEnvVars(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("parsing %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// ApplyEnv overrides secrets from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvIdentityAPIKey); v != "" {
		c.Identity.APIKey = v
	}
	if v := getenv(EnvStoreDSN); v != "" {
		c.Store.DSN = v
	}
	if v := getenv(EnvWebhookAuth); v != "" {
		c.Audit.WebhookAuth = v
	}
}

// FieldError is one failed validation rule.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks c and returns every problem found, wrapped in
// ErrInvalidConfig. The identity directory is optional here because only
// the server talks to it; see ValidateServer.
func (c *Config) Validate() error {
	return c.validate(false)
}

// ValidateServer is Validate with the identity directory required.
func (c *Config) ValidateServer() error {
	return c.validate(true)
}

func (c *Config) validate(needIdentity bool) error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Addr == "" {
		fail("server.addr", "must not be empty")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		fail("server.tls_cert", "tls_cert and tls_key must be set together")
	}
	if c.Server.LoginRate <= 0 {
		fail("server.login_rate", "must be positive, got %v", c.Server.LoginRate)
	}
	if c.Server.LoginBurst < 1 {
		fail("server.login_burst", "must be at least 1, got %d", c.Server.LoginBurst)
	}
	if c.Server.ShutdownTimeout < 0 {
		fail("server.shutdown_timeout", "must not be negative")
	}

	if c.Identity.URL != "" || needIdentity {
		if err := validateHTTPURL(c.Identity.URL); err != nil {
			fail("identity.url", "%v", err)
		}
	}
	if c.Identity.Timeout < 0 {
		fail("identity.timeout", "must not be negative")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Store.Path == "" {
			fail("store.path", "required for the bbolt backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			fail("store.dsn", "required for the postgres backend")
		}
		if c.Store.Driver != "pgx" && c.Store.Driver != "postgres" {
			fail("store.driver", "must be pgx or postgres, got %q", c.Store.Driver)
		}
	case BackendSQLite:
		if c.Store.DSN == "" {
			fail("store.dsn", "required for the sqlite backend")
		}
	case BackendRedis:
		if !strings.HasPrefix(c.Store.DSN, "redis://") && !strings.HasPrefix(c.Store.DSN, "rediss://") {
			fail("store.dsn", "must be a redis:// or rediss:// url for the redis backend")
		}
		if c.Store.RedisRetention < 0 {
			fail("store.redis_retention", "must not be negative")
		}
	default:
		fail("store.backend", "unknown backend %q", c.Store.Backend)
	}

	if c.Session.LengthMinutes < 1 {
		fail("session.length_minutes", "must be at least 1, got %d", c.Session.LengthMinutes)
	}
	if c.Session.SweepInterval < 0 {
		fail("session.sweep_interval", "must not be negative")
	}

	if c.Executor.GracePeriod < 0 {
		fail("executor.grace_period", "must not be negative")
	}
	if c.Executor.MaxConcurrent < 1 {
		fail("executor.max_concurrent", "must be at least 1, got %d", c.Executor.MaxConcurrent)
	}

	if err := c.Password.Validate(); err != nil {
		fail("password", "%v", err)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		fail("log.level", "%v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		fail("log.format", "must be json or text, got %q", c.Log.Format)
	}

	if c.Audit.WebhookURL != "" {
		if err := validateHTTPURL(c.Audit.WebhookURL); err != nil {
			fail("audit.webhook_url", "%v", err)
		}
	}
	if c.Audit.WebhookAuth != "" && !strings.Contains(c.Audit.WebhookAuth, ":") {
		fail("audit.webhook_auth", `must have the form "Header: Value"`)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("unknown level %q", l.Level)
	}
	return level, nil
}

// SessionLength returns the configured session length.
func (s SessionConfig) SessionLength() time.Duration {
	return time.Duration(s.LengthMinutes) * time.Minute
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http(s) url", raw)
	}
	return nil
}
