package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// Tenant returns a child logger stamped with the tenant external id so every
// line emitted on behalf of a tenant can be correlated.
func (l *Logger) Tenant(externalID string) *Logger {
	return &Logger{l.With("tenant", externalID)}
}

// Component returns a child logger stamped with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.With("component", name)}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{slog.New(slog.DiscardHandler)}
}
