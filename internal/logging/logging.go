// Package logging provides structured logging for reelcut.
// It uses the standard library log/slog package; JSON is the default output,
// with a text handler for interactive terminals.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Output formats accepted by NewLogger.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// ParseLevel maps debug, info, warn and error to slog levels. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger creates a logger writing to stdout with the given level and format.
// FormatAuto picks text when stdout is a terminal and JSON otherwise.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, resolveFormat(format, os.Stdout.Fd()))
}

// NewStderrLogger is NewLogger writing to stderr, for commands whose stdout
// carries results.
func NewStderrLogger(level, format string) *slog.Logger {
	return newLogger(os.Stderr, level, resolveFormat(format, os.Stderr.Fd()))
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		// Add source location for debug level
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func resolveFormat(format string, fd uintptr) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatText:
		return FormatText
	case FormatJSON:
		return FormatJSON
	default:
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return FormatText
		}
		return FormatJSON
	}
}

// WithRequestID returns a logger with request_id attribute
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}

// WithComponent returns a logger with component attribute
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithJobID returns a logger with job_id attribute
func WithJobID(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With("job_id", jobID)
}

// SanitizePath masks sensitive parts of a file path.
// Replaces home directory with ~ for privacy.
func SanitizePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}

// SanitizeURL drops the query string and fragment from a URL for logging,
// since signed download links carry credentials there.
func SanitizeURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
