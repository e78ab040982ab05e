package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var logLevelNames = map[string]slog.Level{
	"error":   slog.LevelError,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
}

// parseLogLevel maps a config/flag level name to a slog level.
func parseLogLevel(level string) (slog.Level, error) {
	l, ok := logLevelNames[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
	}
	return l, nil
}

// setupLogger creates the process logger. Every record carries the bridge
// client id so logs from several rooms can share one collector; components
// add their own "component" attribute.
func setupLogger(w io.Writer, level slog.Level, clientID string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("bridge", clientID)
}
