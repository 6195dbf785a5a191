package engine

import (
	"context"
	"log/slog"
)

// loggerKey is an unexported type to prevent collisions with context keys
// from other packages.
type loggerKey struct{}

// WithLogger returns a new context carrying logger. Run installs the engine
// logger this way so observers can log without holding the engine.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom extracts the logger stored by WithLogger, or slog.Default when
// none is present.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
