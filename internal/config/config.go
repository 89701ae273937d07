// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Queue       QueueConfig       `mapstructure:"queue"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Concurrency    int     `mapstructure:"concurrency"`
	DequeuePerSec  float64 `mapstructure:"dequeue_per_second"`
	PollIntervalMs int     `mapstructure:"poll_interval_ms"`
	// PlatformRPS caps adapter fetches per second per platform. Zero means
	// unlimited.
	PlatformRPS float64 `mapstructure:"platform_rps"`
}

// QueueConfig governs retry, trigger polling, and retention behavior.
type QueueConfig struct {
	MaxAttempts          int `mapstructure:"max_attempts"`
	BackoffBaseMs        int `mapstructure:"backoff_base_ms"`
	TriggerPollSeconds   int `mapstructure:"trigger_poll_seconds"`
	PruneIntervalMinutes int `mapstructure:"prune_interval_minutes"`
	CompletedKeepCount   int `mapstructure:"completed_keep_count"`
	CompletedKeepHours   int `mapstructure:"completed_keep_hours"`
	FailedKeepCount      int `mapstructure:"failed_keep_count"`
	FailedKeepDays       int `mapstructure:"failed_keep_days"`
	// VisibilityMinutes is how long a claimed entry may stay active before
	// it is treated as orphaned and handed back to the queue.
	VisibilityMinutes int `mapstructure:"visibility_minutes"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for execution event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// CredentialsConfig configures the credential manager.
type CredentialsConfig struct {
	// EncryptionKeyHex is the hex-encoded 32-byte AES key for credential
	// blobs at rest.
	EncryptionKeyHex    string `mapstructure:"encryption_key_hex"`
	ExpiryMarginSeconds int    `mapstructure:"expiry_margin_seconds"`
	// OAuth holds per-platform client applications, keyed by platform name
	// (e.g. "GOOGLE_ADS"), used to refresh access tokens.
	OAuth map[string]OAuthAppConfig `mapstructure:"oauth"`
}

// OAuthAppConfig is one platform's OAuth client application.
type OAuthAppConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// TokenURL overrides the platform's default token endpoint.
	TokenURL string `mapstructure:"token_url"`
}

// SinkConfig configures the report sink backend.
type SinkConfig struct {
	// Backend selects csv or memory.
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLERD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.dequeue_per_second", 10)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.platform_rps", 0)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_ms", 5000)
	v.SetDefault("queue.trigger_poll_seconds", 15)
	v.SetDefault("queue.prune_interval_minutes", 60)
	v.SetDefault("queue.completed_keep_count", 100)
	v.SetDefault("queue.completed_keep_hours", 24)
	v.SetDefault("queue.failed_keep_count", 500)
	v.SetDefault("queue.failed_keep_days", 7)
	v.SetDefault("queue.visibility_minutes", 15)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("credentials.expiry_margin_seconds", 60)
	v.SetDefault("sink.backend", "csv")
	v.SetDefault("sink.base_dir", "./sheets")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.DequeuePerSec <= 0 {
		return fmt.Errorf("worker.dequeue_per_second must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.BackoffBaseMs <= 0 {
		return fmt.Errorf("queue.backoff_base_ms must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Credentials.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(c.Credentials.EncryptionKeyHex)
		if err != nil {
			return fmt.Errorf("credentials.encryption_key_hex is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("credentials.encryption_key_hex must decode to 32 bytes, got %d", len(key))
		}
	}
	switch c.Sink.Backend {
	case "csv", "memory":
	default:
		return fmt.Errorf("sink.backend must be csv or memory, got %q", c.Sink.Backend)
	}
	return nil
}

// EncryptionKey decodes the configured AES key, or nil when unset.
func (c Config) EncryptionKey() []byte {
	if c.Credentials.EncryptionKeyHex == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Credentials.EncryptionKeyHex)
	if err != nil {
		return nil
	}
	return key
}

// BackoffBase converts the configured backoff base to a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseMs) * time.Millisecond
}

// PollInterval converts the worker poll interval to a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

// TriggerPoll converts the trigger poll interval to a duration.
func (c Config) TriggerPoll() time.Duration {
	return time.Duration(c.Queue.TriggerPollSeconds) * time.Second
}

// PruneInterval converts the prune interval to a duration.
func (c Config) PruneInterval() time.Duration {
	return time.Duration(c.Queue.PruneIntervalMinutes) * time.Minute
}

// ExpiryMargin converts the credential expiry margin to a duration.
func (c Config) ExpiryMargin() time.Duration {
	return time.Duration(c.Credentials.ExpiryMarginSeconds) * time.Second
}
