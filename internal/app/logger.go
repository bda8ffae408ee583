package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/credledger/pkg/logger"
)

// ConfigureLogging initialises the global logger from the server section.
// The level defaults to info and the format to json.
func ConfigureLogging(cfg ServerConfig) error {
	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch level {
	case "":
		level = "info"
	case "warning":
		level = "warn"
	}

	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch format {
	case "", "json", "console":
	default:
		return fmt.Errorf("server.log_format must be json or console (got %q)", cfg.LogFormat)
	}

	return logger.InitWithOptions(logger.Options{Level: level, Encoding: format})
}
