// Package config loads gateway configuration from a YAML file and AGW_
// environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override, with "__" separating
	// nested keys: AGW_AGENT__ENDPOINT sets agent.endpoint.
	EnvPrefix = "AGW_"

	// PathEnv names the config file when no path is given.
	PathEnv = "AGW_CONFIG"

	DefaultPath = "config.yaml"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Session      SessionConfig      `koanf:"session"`
	Storage      StorageConfig      `koanf:"storage"`
	Agent        AgentConfig        `koanf:"agent"`
	Auth         AuthConfig         `koanf:"auth"`
	Conversation ConversationConfig `koanf:"conversation"`
	RateLimit    RateLimitConfig    `koanf:"ratelimit"`
	Query        QueryConfig        `koanf:"query"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	Environment    string        `koanf:"environment"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CookieName     string        `koanf:"cookie_name"`
	CookieSecure   bool          `koanf:"cookie_secure"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type SessionConfig struct {
	TTL time.Duration `koanf:"ttl"`
	// SealingKey is a base64 32-byte key; see cmd/keygen.
	SealingKey string `koanf:"sealing_key"`
}

type StorageConfig struct {
	Type          string         `koanf:"type"` // memory, redis, sql
	Redis         RedisConfig    `koanf:"redis"`
	Database      DatabaseConfig `koanf:"database"`
	PurgeInterval time.Duration  `koanf:"purge_interval"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	TLS      bool   `koanf:"tls"`
	Prefix   string `koanf:"prefix"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

type AgentConfig struct {
	Endpoint       string        `koanf:"endpoint"`
	APIVersion     string        `koanf:"api_version"`
	AssistantID    string        `koanf:"assistant_id"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	QueryTimeout   time.Duration `koanf:"query_timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	Jitter         float64       `koanf:"jitter"`
	CleanupTimeout time.Duration `koanf:"cleanup_timeout"`
}

// WorstCaseDispatch is the longest a query can spend upstream: every attempt
// running to the query timeout and its cleanup, separated by the longest
// jittered backoffs.
func (a AgentConfig) WorstCaseDispatch() time.Duration {
	var total time.Duration
	for i := 0; i < a.MaxAttempts; i++ {
		total += a.QueryTimeout + a.CleanupTimeout
		if i == a.MaxAttempts-1 {
			break
		}
		delay := time.Duration(float64(a.BaseDelay) * math.Pow(2, float64(i)) * (1 + a.Jitter))
		if a.MaxDelay > 0 && delay > a.MaxDelay {
			delay = a.MaxDelay
		}
		total += delay
	}
	return total
}

type AuthConfig struct {
	// SigningSecret enables signature verification of upstream credentials.
	// Empty trusts the identity provider and only checks claims.
	SigningSecret string        `koanf:"signing_secret"`
	Audiences     []string      `koanf:"audiences"`
	Leeway        time.Duration `koanf:"leeway"`
}

type ConversationConfig struct {
	MaxTurns  int    `koanf:"max_turns"`
	MaxTokens int    `koanf:"max_tokens"`
	Encoding  string `koanf:"encoding"`
}

type RateLimitConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Capacity       int           `koanf:"capacity"`
	RefillTokens   float64       `koanf:"refill_tokens"`
	RefillInterval time.Duration `koanf:"refill_interval"`
}

type QueryConfig struct {
	MaxLength int `koanf:"max_length"`
}

var defaults = map[string]any{
	"server.port":               8080,
	"server.environment":        "development",
	"server.request_timeout":    "7m",
	"server.cookie_name":        "agw_session",
	"logging.level":             "info",
	"logging.format":            "json",
	"session.ttl":               "24h",
	"storage.type":              "memory",
	"storage.purge_interval":    "5m",
	"agent.api_version":         "2024-05-01-preview",
	"agent.poll_interval":       "2s",
	"agent.query_timeout":       "120s",
	"agent.max_attempts":        3,
	"agent.base_delay":          "1s",
	"agent.max_delay":           "10s",
	"agent.jitter":              0.1,
	"agent.cleanup_timeout":     "10s",
	"auth.leeway":               "30s",
	"conversation.max_turns":    20,
	"conversation.encoding":     "o200k_base",
	"ratelimit.enabled":         true,
	"ratelimit.capacity":        10,
	"ratelimit.refill_tokens":   10,
	"ratelimit.refill_interval": "1m",
	"query.max_length":          1000,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Path returns the config file to load: path if set, else $AGW_CONFIG, else
// config.yaml.
func Path(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the file at Path(path), overlays AGW_ environment variables and
// fills defaults. A missing default config.yaml is not an error; a missing
// file that was asked for explicitly is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	resolved := Path(path)

	if err := k.Load(file.Provider(resolved), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || resolved != DefaultPath {
			return nil, fmt.Errorf("load %s: %w", resolved, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Secrets may reference the environment instead of living in the file.
	for _, s := range []*string{
		&cfg.Agent.Endpoint,
		&cfg.Session.SealingKey,
		&cfg.Auth.SigningSecret,
		&cfg.Storage.Redis.URL,
		&cfg.Storage.Redis.Password,
		&cfg.Storage.Database.DSN,
	} {
		*s = substituteEnvVars(*s)
	}

	return &cfg, nil
}

// Validate reports settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.Endpoint == "" {
		errs = append(errs, errors.New("agent.endpoint is required"))
	}
	switch c.Storage.Type {
	case "memory":
	case "redis":
		if c.Storage.Redis.URL == "" && c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.url or storage.redis.addr is required"))
		}
	case "sql":
		if c.Storage.Database.DSN == "" {
			errs = append(errs, errors.New("storage.database.dsn is required"))
		}
		// Only the sqlite driver is linked into the gateway.
		if d := c.Storage.Database.Driver; d != "" && d != "sqlite" {
			errs = append(errs, fmt.Errorf("unsupported storage.database.driver %q: only sqlite is available", d))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	// Replicas sharing a store must share the key that seals credentials.
	if c.Storage.Type != "memory" && c.Session.SealingKey == "" {
		errs = append(errs, fmt.Errorf("session.sealing_key is required with storage.type %q", c.Storage.Type))
	}
	if c.Server.RequestTimeout > 0 {
		if worst := c.Agent.WorstCaseDispatch(); c.Server.RequestTimeout < worst {
			errs = append(errs, fmt.Errorf("server.request_timeout %s is shorter than the worst-case agent dispatch %s", c.Server.RequestTimeout, worst))
		}
	}
	if c.Agent.Jitter < 0 || c.Agent.Jitter > 1 {
		errs = append(errs, fmt.Errorf("agent.jitter must be within [0, 1], got %v", c.Agent.Jitter))
	}
	if c.RateLimit.Enabled && c.RateLimit.Capacity < 1 {
		errs = append(errs, errors.New("ratelimit.capacity must be at least 1"))
	}
	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
