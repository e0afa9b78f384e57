package bootstrap

import (
	"fmt"

	"sentryguard/internal/core"
	"sentryguard/pkg/logging"
)

// InitLogger builds the engine's single zap-backed core.ILogger
// implementation from the system log level. Every component in this
// module takes a core.ILogger, never *zap.Logger or log/slog directly,
// so the logging backend stays swappable from this one call site.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
