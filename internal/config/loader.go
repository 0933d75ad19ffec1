package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigLoader reads and validates a YAML configuration file. Matches
// the teacher's loader shape (internal/config/loader.go): a trivial
// struct whose only job is "read file, unmarshal, apply minimal
// defaults" — no env-var proxying, no lazy re-validation downstream.
type ConfigLoader struct{}

// NewConfigLoader returns a ConfigLoader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig reads filename as YAML into a Config, applies connection
// defaults, and validates it.
func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Queue.RetentionHours == 0 {
		cfg.Queue.RetentionHours = 24
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 100
	}
	if cfg.Workers.MaxRetries == 0 {
		cfg.Workers.MaxRetries = 10
	}
	if cfg.Workers.BackoffFactor == 0 {
		cfg.Workers.BackoffFactor = 2.0
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetRedisAddress returns the "host:port" address for the Redis side
// channel.
func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetRedisDatabase returns the configured Redis logical database index.
func (c *Config) GetRedisDatabase() int {
	return c.Redis.DB
}
