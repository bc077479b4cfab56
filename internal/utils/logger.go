package utils

import (
	"log/slog"
	"os"
	"strings"

	"github.com/verdictstack/verdict-engine/internal/config"
)

// NewLogger returns a slog.Logger built from the logging section of the
// engine configuration. Unknown levels fall back to info.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: handlerLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: handlerLevel})
	}

	return slog.New(handler)
}
