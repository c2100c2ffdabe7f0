// Package logger holds the process-wide structured logger.
//
// It wraps log/slog the same way across the server: a single DefaultLogger
// whose level comes from LOG_LEVEL, plus helpers that attach a call id so
// every line of one conversation can be grepped together.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// DefaultLogger is the global structured logger. Safe for concurrent use.
var DefaultLogger *slog.Logger

func init() {
	DefaultLogger = newLogger(ParseLevel(os.Getenv("LOG_LEVEL")))
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel replaces DefaultLogger with one at the given level.
func SetLevel(level slog.Level) {
	DefaultLogger = newLogger(level)
}

// ForCall returns a logger tagged with the call id.
func ForCall(callID string) *slog.Logger {
	return DefaultLogger.With("call", callID)
}

func Info(msg string, args ...any)  { DefaultLogger.Info(msg, args...) }
func Debug(msg string, args ...any) { DefaultLogger.Debug(msg, args...) }
func Warn(msg string, args ...any)  { DefaultLogger.Warn(msg, args...) }
func Error(msg string, args ...any) { DefaultLogger.Error(msg, args...) }

// ErrorContext logs an error with the request context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}
