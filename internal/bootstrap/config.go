package bootstrap

import (
	"fmt"

	"sentryguard/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs
// pre-flight checks beyond schema validation.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	if cfg.App.EngineType == "dbos" && cfg.App.DatabaseURL == "" {
		return fmt.Errorf("database_url is required when engine_type is 'dbos'")
	}
	return nil
}
