// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	Game      GameConfig      `mapstructure:"game"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token       string        `mapstructure:"token"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	PinAccepted bool          `mapstructure:"pin_accepted"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AdminConfig holds bot-wide admin user configuration.
// Chat administrators of a group are always allowed as well.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// GameConfig tunes the hunt coordinator.
type GameConfig struct {
	// LockTimeout bounds how long a request waits for its group's lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// MaxAttempts bounds the load-validate-commit attempts of one request.
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	// RecentSubmissions is how many accepted submission ids a session keeps for redelivery detection.
	RecentSubmissions int           `mapstructure:"recent_submissions"`
	IdempotencySize   int           `mapstructure:"idempotency_size"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
	KeepStatsOnReset  bool          `mapstructure:"keep_stats_on_reset"`
	// DistributedLock adds a Redis lock on top of the in-process one (redis backend only).
	DistributedLock    bool          `mapstructure:"distributed_lock"`
	DistributedLockTTL time.Duration `mapstructure:"distributed_lock_ttl"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., BOT_TOKEN, STORE_BACKEND, REDIS_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - env vars can provide all config)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.poll_timeout", "10s")
	v.SetDefault("bot.pin_accepted", true)

	v.SetDefault("log.level", "info")

	v.SetDefault("store.backend", BackendMemory)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "numberhunt")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "numberhunt")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "numberhunt:")

	// Game defaults
	v.SetDefault("game.lock_timeout", "5s")
	v.SetDefault("game.max_attempts", 5)
	v.SetDefault("game.backoff_initial", "10ms")
	v.SetDefault("game.backoff_max", "200ms")
	v.SetDefault("game.recent_submissions", 50)
	v.SetDefault("game.idempotency_size", 4096)
	v.SetDefault("game.idempotency_ttl", "10m")
	v.SetDefault("game.keep_stats_on_reset", false)
	v.SetDefault("game.distributed_lock", false)
	v.SetDefault("game.distributed_lock_ttl", "10s")
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Game.MaxAttempts < 1 {
		return fmt.Errorf("game.max_attempts must be at least 1, got %d", c.Game.MaxAttempts)
	}
	if c.Game.LockTimeout <= 0 {
		return fmt.Errorf("game.lock_timeout must be positive")
	}
	if c.Game.DistributedLock {
		if c.Store.Backend != BackendRedis {
			return fmt.Errorf("game.distributed_lock requires the redis store backend")
		}
		// A lock without expiry would block its group forever after a crash
		if c.Game.DistributedLockTTL <= 0 {
			return fmt.Errorf("game.distributed_lock_ttl must be positive, got %s", c.Game.DistributedLockTTL)
		}
	}
	return nil
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	for _, id := range c.Whitelist.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}
