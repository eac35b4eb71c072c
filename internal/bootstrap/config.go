package bootstrap

import (
	"fmt"

	"market_maker/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs additional
// preflight checks beyond schema validation.
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

// checkPreFlight performs environment checks beyond schema validation (§7.5):
// live mode must never reach an external call with missing credentials.
func checkPreFlight(cfg *Config) error {
	if cfg.Trading.Mode == "live" {
		if cfg.Env.BinanceAPIKey == "" || cfg.Env.BinanceAPISecret == "" {
			return fmt.Errorf("binance credentials are required when trading.mode is 'live'")
		}
	}
	return nil
}
