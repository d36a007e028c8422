// Package config loads service configuration from an optional file plus
// ROLESYNC_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the propagation service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Propagation PropagationConfig `mapstructure:"propagation"`
}

// ServerConfig holds the HTTP status-surface settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PostgresConfig holds role-store connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the connection string for the pgx stdlib driver.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds the shared cache tier settings.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// PropagationConfig tunes the fan-out pipeline.
type PropagationConfig struct {
	Workers       int           `mapstructure:"workers"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	EventTTL      time.Duration `mapstructure:"event_ttl"`
	ReloadsPerSec int           `mapstructure:"reloads_per_sec"`
	ReloadBurst   int           `mapstructure:"reload_burst"`
}

// Load reads configuration from an optional file and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "erp")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "erp_auth")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)

	v.SetDefault("propagation.workers", 4)
	v.SetDefault("propagation.max_attempts", 3)
	v.SetDefault("propagation.backoff", "100ms")
	v.SetDefault("propagation.task_timeout", "5s")
	v.SetDefault("propagation.event_ttl", "5m")
	v.SetDefault("propagation.reloads_per_sec", 0)
	v.SetDefault("propagation.reload_burst", 0)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("ROLESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
