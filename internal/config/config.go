package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Runner   RunnerConfig   `toml:"runner"`
	Observer ObserverConfig `toml:"observer"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

type RunnerConfig struct {
	Queues              []string `toml:"queues"`
	WorkerCount         int      `toml:"worker_count"`
	ClaimPollInterval   int      `toml:"claim_poll_interval_ms"`
	ScheduledPollInterval int    `toml:"scheduled_poll_interval_ms"`
	RecoveryInterval    int      `toml:"recovery_interval_ms"`
	StepBudget          int      `toml:"step_budget"`
	DefaultTimeoutSec   int      `toml:"default_timeout_seconds"`
	DefaultMaxRetries   int      `toml:"default_max_retries"`
}

type ObserverConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "rhythm.db"},
		Runner: RunnerConfig{
			Queues:                []string{"default"},
			WorkerCount:           4,
			ClaimPollInterval:     250,
			ScheduledPollInterval: 500,
			RecoveryInterval:      5000,
			StepBudget:            512,
			DefaultTimeoutSec:     30,
			DefaultMaxRetries:     3,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "rhythm.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("RHYTHM_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("RHYTHM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RHYTHM_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RHYTHM_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
	}
	if os.Getenv("RHYTHM_OBSERVER_ENABLED") == "true" || os.Getenv("RHYTHM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
