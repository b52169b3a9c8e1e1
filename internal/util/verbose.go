package util

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger  atomic.Pointer[slog.Logger]
	verbose atomic.Bool
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(debug bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if debug {
		opts.Level = slog.LevelDebug
	}
	verbose.Store(debug)

	l := slog.New(slog.NewTextHandler(os.Stdout, opts))
	logger.Store(l)
	slog.SetDefault(l)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	// Fallback initialization with INFO level
	InitLogger(false)
	return logger.Load()
}

// IsVerbose reports whether debug logging was requested at startup.
func IsVerbose() bool {
	return verbose.Load()
}
