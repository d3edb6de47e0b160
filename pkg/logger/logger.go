// Package logger builds the structured loggers shared by cortexd and
// neurond. Output is JSON on stdout so fabric deployments can ship logs
// straight into a collector without a sidecar parser.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger tagged with the emitting service name.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// ParseLevel maps a LOG_LEVEL env value to a slog level. Unknown values
// fall back to info so a typo never silences a daemon.
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
