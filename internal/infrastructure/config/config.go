package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration. Precedence is defaults, then
// file values, then environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds the HTTP and websocket listener configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" yaml:"port"`
	Host string `envconfig:"HOST" yaml:"host"`
}

// EngineConfig holds the engine quotas and tunables.
type EngineConfig struct {
	// MaxMsgs bounds a connection's receive queue.
	MaxMsgs int `envconfig:"BUS_MAX_MSGS" yaml:"max_msgs"`

	// MaxMsgsPerUser bounds one user's share of a foreign queue once
	// accounting kicks in.
	MaxMsgsPerUser int `envconfig:"BUS_MAX_MSGS_PER_USER" yaml:"max_msgs_per_user"`

	// MaxRequestsPending bounds a connection's outstanding reply
	// trackers.
	MaxRequestsPending int `envconfig:"BUS_MAX_REQUESTS_PENDING" yaml:"max_requests_pending"`

	// MaxConnectionsPerUser bounds one user's connections per bus.
	MaxConnectionsPerUser int `envconfig:"BUS_MAX_CONNECTIONS_PER_USER" yaml:"max_connections_per_user"`

	// MaxBusesPerUser bounds one user's buses per domain.
	MaxBusesPerUser int `envconfig:"BUS_MAX_BUSES_PER_USER" yaml:"max_buses_per_user"`

	// PoolSize is the receive pool capacity per connection, in bytes.
	PoolSize uint64 `envconfig:"BUS_POOL_SIZE" yaml:"pool_size"`

	// BloomSize and BloomHashes are the default bus bloom geometry.
	BloomSize   uint64 `envconfig:"BUS_BLOOM_SIZE" yaml:"bloom_size"`
	BloomHashes uint64 `envconfig:"BUS_BLOOM_HASHES" yaml:"bloom_hashes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// RateLimitConfig holds per-session command rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled"`
}

// Load loads configuration from environment variables over defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadFile loads a YAML file over defaults, then applies environment
// overrides on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8400",
			Host: "0.0.0.0",
		},
		Engine: EngineConfig{
			MaxMsgs:               256,
			MaxMsgsPerUser:        16,
			MaxRequestsPending:    128,
			MaxConnectionsPerUser: 256,
			MaxBusesPerUser:       16,
			PoolSize:              1 << 20,
			BloomSize:             64,
			BloomHashes:           8,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             2000,
			Enabled:           true,
		},
	}
}
