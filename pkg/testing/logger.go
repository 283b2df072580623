// Package gatetesting holds shared test helpers.
package gatetesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger for tests. Output is suppressed below error level
// unless DEBUG=1 (info) or DEBUG=2 (debug) is set in the environment.
func NewLogger() *slog.Logger {
	level := slog.LevelError
	switch os.Getenv("DEBUG") {
	case "1":
		level = slog.LevelInfo
	case "2":
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
