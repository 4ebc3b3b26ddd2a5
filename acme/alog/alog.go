// Package alog provides the shared structured logger used across the acme
// packages. Callers embedding the library can inject their own *slog.Logger
// via ClientConfig.Logger; this package only supplies the default.
package alog

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

var (
	global *slog.Logger
	once   sync.Once
)

// Init installs the package-level default logger at the given level
// ("debug", "info", "warn", "error"). Safe to call multiple times; only the
// first call takes effect.
func Init(level string) {
	once.Do(func() {
		var lvl slog.Level
		switch level {
		case "debug":
			lvl = slog.LevelDebug
		case "warn":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		default:
			lvl = slog.LevelInfo
		}
		global = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	})
}

// Default returns the package-level logger, initializing it at info level if
// Init was never called.
func Default() *slog.Logger {
	if global == nil {
		Init("info")
	}
	return global
}

// With returns a child logger of Default with the given attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

// LogError logs err against ctx with msg, a no-op if err is nil.
func LogError(ctx context.Context, logger *slog.Logger, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	if logger == nil {
		logger = Default()
	}
	args = append(args, slog.String("error", err.Error()))
	logger.ErrorContext(ctx, msg, args...)
}
