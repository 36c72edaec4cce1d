// Package logging wires up the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"

	"github.com/stagecast/stagecast/internal/config"
)

// Setup builds a slog.Logger from cfg, installs it as the process default,
// and returns it so callers can attach subsystem-scoped children via With.
func Setup(cfg *config.Config) *slog.Logger {
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	return logger
}
