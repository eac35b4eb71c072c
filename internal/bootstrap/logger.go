package bootstrap

import (
	"market_maker/internal/core"
	"market_maker/pkg/logging"
)

// InitLogger builds the zap-backed core.ILogger from configuration and
// installs it as the package-level global (pkg/logging.Debug/.../Fatal).
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewLoggerFromString(cfg.Env.LogLevel, nil)
	if err != nil {
		logger = logging.NewLogger(logging.InfoLevel, nil)
	}
	logger = logger.WithField("symbol", cfg.Trading.Symbol)
	logging.SetGlobalLogger(logger)
	return logger
}
