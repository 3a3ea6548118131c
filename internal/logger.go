package internal

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLogLevel converts a level name to a slog.Level. Names are matched
// case-insensitively and "warn" is accepted for "warning".
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (use debug, info, warning or error)", level)
	}
}

// NewLogger returns a text logger writing to w at the named level.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// SetupLogger installs a logger for level as the slog default.
func SetupLogger(w io.Writer, level string) error {
	logger, err := NewLogger(w, level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
