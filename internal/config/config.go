// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	Browser BrowserConfig `mapstructure:"browser"`
	Storage StorageConfig `mapstructure:"storage"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeoutSec  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int `mapstructure:"write_timeout_seconds"`
	ShutdownSec     int `mapstructure:"shutdown_seconds"`
}

// AuthConfig holds the shared secret guarding the internal control routes.
type AuthConfig struct {
	InternalSecret string `mapstructure:"internal_secret"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// QuotaConfig selects and tunes the daily quota backend.
type QuotaConfig struct {
	// Backend is one of postgres, redis or memory. With redis, quota
	// counters live in Redis while principals stay in PostgreSQL.
	Backend      string      `mapstructure:"backend"`
	DefaultLimit int         `mapstructure:"default_limit"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings for the quota backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ScraperConfig governs the static fetch driver.
type ScraperConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	DefaultTimeoutSec int    `mapstructure:"default_timeout_seconds"`
}

// BrowserConfig governs the headless Chrome driver.
type BrowserConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxSessions       int    `mapstructure:"max_sessions"`
	AcquireTimeoutSec int    `mapstructure:"acquire_timeout_seconds"`
	ChromePath        string `mapstructure:"chrome_path"`
}

// StorageConfig selects where screenshot artifacts are archived.
type StorageConfig struct {
	// Backend is one of gcs, local or none.
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
}

// AuditConfig selects the audit sink and optional Pub/Sub fan-out.
type AuditConfig struct {
	// Backend is one of postgres or memory.
	Backend       string `mapstructure:"backend"`
	PubSubEnabled bool   `mapstructure:"pubsub_enabled"`
	ProjectID     string `mapstructure:"project_id"`
	TopicID       string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a natural default still need to be registered so
	// AutomaticEnv can see them during Unmarshal.
	v.SetDefault("auth.internal_secret", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("quota.redis.password", "")
	v.SetDefault("quota.redis.db", 0)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("audit.pubsub_enabled", false)
	v.SetDefault("audit.project_id", "")
	v.SetDefault("audit.topic_id", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 35)
	v.SetDefault("server.write_timeout_seconds", 60)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("quota.backend", "postgres")
	v.SetDefault("quota.default_limit", 100)
	v.SetDefault("quota.redis.addr", "localhost:6379")
	v.SetDefault("scraper.user_agent", "ScraperGateway/1.0 (+https://scraper.dev)")
	v.SetDefault("scraper.default_timeout_seconds", 15)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_sessions", 4)
	v.SetDefault("browser.acquire_timeout_seconds", 5)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.local_dir", "blobs")
	v.SetDefault("audit.backend", "postgres")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.InternalSecret == "" {
		return fmt.Errorf("auth.internal_secret must be set")
	}
	switch c.Quota.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("quota.backend must be postgres, redis or memory")
	}
	if c.Quota.DefaultLimit <= 0 {
		return fmt.Errorf("quota.default_limit must be > 0")
	}
	if c.Quota.Backend != "memory" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set unless quota.backend is memory")
	}
	if c.Quota.Backend == "redis" && c.Quota.Redis.Addr == "" {
		return fmt.Errorf("quota.redis.addr must be set when quota.backend is redis")
	}
	if c.Browser.Enabled && c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0 when the browser is enabled")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
		}
	case "none":
	default:
		return fmt.Errorf("storage.backend must be gcs, local or none")
	}
	switch c.Audit.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("audit.backend must be postgres or memory")
	}
	if c.Audit.PubSubEnabled && (c.Audit.ProjectID == "" || c.Audit.TopicID == "") {
		return fmt.Errorf("audit.project_id and audit.topic_id must be set when pubsub is enabled")
	}
	return nil
}

// ScrapeTimeout converts the configured default into a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scraper.DefaultTimeoutSec) * time.Second
}

// BrowserAcquireTimeout converts the configured acquire budget into a duration.
func (c Config) BrowserAcquireTimeout() time.Duration {
	return time.Duration(c.Browser.AcquireTimeoutSec) * time.Second
}
