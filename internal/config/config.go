// Package config loads opsrelay configuration from file and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the opsrelay core.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig holds event pipeline configuration.
type PipelineConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// RoutingConfig holds router configuration.
type RoutingConfig struct {
	RulesFile     string `mapstructure:"rules_file"`
	DefaultTarget string `mapstructure:"default_target"`
}

// CorrelationConfig holds correlator configuration.
type CorrelationConfig struct {
	TimeWindow    time.Duration `mapstructure:"time_window"`
	MaxGroupSize  int           `mapstructure:"max_group_size"`
	MinEvents     int           `mapstructure:"min_events"`
	GroupBy       []string      `mapstructure:"group_by"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// NATSConfig holds message bus configuration.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// RedisConfig holds Redis configuration for router state.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// DatabaseConfig holds PostgreSQL configuration for the incident store.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the pgx connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// ArchiveConfig holds OpenSearch event archive configuration.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// AuthConfig holds actor token configuration.
type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pipeline.queue_size", 10000)
	v.SetDefault("pipeline.workers", 4)

	v.SetDefault("routing.rules_file", "configs/rules.yaml")
	v.SetDefault("routing.default_target", "event-classifier")

	v.SetDefault("correlation.time_window", "5m")
	v.SetDefault("correlation.max_group_size", 25)
	v.SetDefault("correlation.min_events", 3)
	v.SetDefault("correlation.group_by", []string{"service", "region"})
	v.SetDefault("correlation.sweep_interval", "30s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("database.postgres.enabled", false)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "opsrelay")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "opsrelay_incidents")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.url", "https://localhost:9200")
	v.SetDefault("archive.username", "admin")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.insecure", true)
	v.SetDefault("archive.index", "opsrelay-events")

	v.SetDefault("auth.token_secret", "")

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("OPSRELAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
