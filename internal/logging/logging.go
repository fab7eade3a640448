// Package logging installs the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Setup builds a logger writing to w and makes it the slog default.
// format "json" selects slog's JSON handler; anything else selects the
// charmbracelet text handler with UTC RFC 3339 timestamps.
func Setup(level, format string, reportCaller bool, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: reportCaller})
	} else {
		h = log.NewWithOptions(w, log.Options{
			Level:           log.Level(lvl),
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			TimeFunction:    log.NowUTC,
			ReportCaller:    reportCaller,
		})
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
