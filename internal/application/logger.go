package application

import (
	"log/slog"
	"os"

	"MKK-Gate/internal/config"
)

// NewLogger builds the process logger. Local runs get human-readable
// text, everything else ships JSON for the log pipeline. Every line
// carries the env so gate logs from several deployments can share one
// sink.
func NewLogger(cfg *config.Config) *slog.Logger {
	lvl := slog.LevelInfo
	switch cfg.Log.LevelStr {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if cfg.Env == "local" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("env", cfg.Env))
	slog.SetDefault(logger)
	return logger
}
