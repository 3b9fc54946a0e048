package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "DATACONNECT"

// Config holds runner configuration. Fields are filled from DATACONNECT_*
// environment variables and then overridden by explicitly set CLI flags.
type Config struct {
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	Stealth      bool          `envconfig:"STEALTH" default:"false"`
	Grace        time.Duration `envconfig:"GRACE" default:"2s"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	WarmupURL    string        `envconfig:"WARMUP_URL"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		Grace:        2 * time.Second,
		FetchTimeout: 30 * time.Second,
	}
}

// Validate rejects values the runner cannot work with.
func (c *Config) Validate() error {
	if c.Grace < 0 {
		return fmt.Errorf("grace must not be negative, got %s", c.Grace)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout)
	}
	return nil
}
