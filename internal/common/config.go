// Package common provides shared utilities for the task queue.
package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for a Hub or Client process.
type Config struct {
	Environment string       `toml:"environment"`
	Store       StoreConfig  `toml:"store"`
	Hub         HubConfig    `toml:"hub"`
	Client      ClientConfig `toml:"client"`
	Logging     LoggingConfig `toml:"logging"`
}

// StoreConfig holds the MongoDB connection address and the collection
// name prefix the Hub and Client share (spec §3: "<prefix>.jobs", etc).
type StoreConfig struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
}

// HubConfig holds Hub-specific tunables.
type HubConfig struct {
	SweepInterval string `toml:"sweep_interval"` // duration string, default "30s"
}

// GetSweepInterval parses and returns the sweep interval duration.
func (c *HubConfig) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ClientConfig holds Client-specific tunables.
type ClientConfig struct {
	PollInterval string `toml:"poll_interval"` // duration string, default "5s"
	Owner        string `toml:"owner"`         // overrides the "<host>:<pid>" default owner encoding
}

// GetPollInterval parses and returns the poll interval duration.
func (c *ClientConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Store: StoreConfig{
			URL:    "mongodb://localhost:27017",
			Prefix: "taskqueue",
		},
		Hub: HubConfig{
			SweepInterval: "30s",
		},
		Client: ClientConfig{
			PollInterval: "5s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/taskqueue.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TASKQUEUE_ENV"); env != "" {
		config.Environment = env
	}

	if url := os.Getenv("TASKQUEUE_STORE_URL"); url != "" {
		config.Store.URL = url
	}

	if prefix := os.Getenv("TASKQUEUE_STORE_PREFIX"); prefix != "" {
		config.Store.Prefix = prefix
	}

	if interval := os.Getenv("TASKQUEUE_HUB_SWEEP_INTERVAL"); interval != "" {
		config.Hub.SweepInterval = interval
	}

	if interval := os.Getenv("TASKQUEUE_CLIENT_POLL_INTERVAL"); interval != "" {
		config.Client.PollInterval = interval
	}

	if owner := os.Getenv("TASKQUEUE_CLIENT_OWNER"); owner != "" {
		config.Client.Owner = owner
	}

	if level := os.Getenv("TASKQUEUE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DefaultOwner returns the "<host>:<pid>" owner encoding used when
// ClientConfig.Owner is unset (spec §6, §9(b)).
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
