// Package logging provides the printf-style logging contract shared by every
// component in the daemon, backed by log/slog.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Logger is the minimal logging contract required across the daemon. It
// mirrors the printf-style contract used throughout the codebase rather than
// slog's structured key/value API, so call sites stay terse.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// componentLogger adapts a *slog.Logger to the Logger contract, tagging every
// line with a component name.
type componentLogger struct {
	component string
	base      *slog.Logger
}

// NewComponentLogger wraps the default slog logger, tagging every record with
// component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, base: slog.Default()}
}

// NewComponentLoggerWith builds a component logger on top of an explicit
// *slog.Logger, useful for tests that want to capture output.
func NewComponentLoggerWith(component string, base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &componentLogger{component: component, base: base}
}

func (c *componentLogger) Debug(format string, args ...any) { c.log(slog.LevelDebug, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.log(slog.LevelInfo, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.log(slog.LevelWarn, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.log(slog.LevelError, format, args...) }

func (c *componentLogger) log(level slog.Level, format string, args ...any) {
	if !c.base.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	c.base.Log(context.Background(), level, msg, slog.String("component", c.component))
}

// NewTextLogger constructs the process default text-handler logger, writing
// to stderr. level is one of debug|info|warn|error.
func NewTextLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// nopLogger discards everything; used as a safe default when no logger is
// configured.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop is a shared no-op Logger.
var Nop Logger = nopLogger{}

// OrNop returns logger unchanged unless it is nil, in which case it returns
// Nop. Callers use this to avoid nil checks at every log call site.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop
	}
	return logger
}

type contextKey struct{ name string }

var loggerContextKey = &contextKey{"logging.Logger"}

// WithContext attaches logger to ctx so downstream calls can retrieve it via
// FromContext without threading it through every function signature.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext returns the Logger stashed in ctx, or fallback when none was
// attached. fallback is itself passed through OrNop so callers never need a
// nil check.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if v, ok := ctx.Value(loggerContextKey).(Logger); ok && v != nil {
		return v
	}
	return OrNop(fallback)
}
