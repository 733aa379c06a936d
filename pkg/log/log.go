// Package log configures the process-wide slog logger of the flowrunner binaries.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler used for every record.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// NewHandler builds the handler for format, writing to w.
func NewHandler(w io.Writer, format Format, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// Setup installs the default logger. Loggers derived before Setup keep the
// previous handler, so binaries call it before WithModule.
func Setup(level string, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, Format(strings.ToLower(format)), ParseLevel(level))))
}

// WithModule returns the default logger tagged with the component name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
