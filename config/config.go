/*
Package config loads server configuration from the environment.

PURPOSE:
  One flat struct, parsed once at startup. Flags in cmd/server override
  the environment for local development.
*/
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"./data/loyalty.db"`

	// SeedFile is an optional YAML seed applied at startup.
	SeedFile string `env:"SEED_FILE"`

	// Expiration sweep scheduler.
	SweepEnabled  bool          `env:"SWEEP_ENABLED" envDefault:"true"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
