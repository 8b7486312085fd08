// Package logging provides centralized logging functionality for the application.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	levelVar      slog.LevelVar
	defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &levelVar}))
)

func init() {
	// LOG_LEVEL applies before configuration is loaded; Setup may adjust
	// it again once the config layer has run.
	SetLevel(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(defaultLogger)
}

// Setup reconfigures the logger output and level. Tests pass a buffer here.
func Setup(w io.Writer, level string) {
	SetLevel(level)
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar}))
	slog.SetDefault(defaultLogger)
}

// SetLevel changes the minimum level. Unknown or empty values mean info.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Debug logs a message at debug level.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs a message at info level.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a message at warn level.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs a message at error level.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// GetLogger returns the default logger.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// MaskSensitive masks sensitive data (tokens, passwords) for logging.
func MaskSensitive(value string) string {
	if value == "" {
		return "<not set>"
	}
	if len(value) <= 4 {
		return "<set>"
	}
	return value[:4] + "..." + strings.Repeat("*", 3)
}
