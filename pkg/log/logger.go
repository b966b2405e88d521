// Package log provides structured logging for the training engine.
//
// The package wraps Go's log/slog with a JSON handler whose attribute keys
// match common log-aggregation conventions (severity/message), plus a set of
// domain attribute helpers so orchestrator, executor and selector log lines
// stay uniform and greppable.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger writing to w at the given level, with the
// level and message keys remapped to severity/message.
// Valid levels: "debug", "info", "warn", "error".
func NewLogger(w io.Writer, level string) *slog.Logger {
	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     ToLevel(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr.Key = "severity"
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	}
	return slog.New(slog.NewJSONHandler(w, &opts))
}

// Setup installs the process-wide default logger on stdout.
func Setup(level string) {
	slog.SetDefault(NewLogger(os.Stdout, level))
}

// ToLevel converts a level name to a slog.Level. It panics on an unknown
// name; loggers are configured once at process start.
func ToLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		panic(fmt.Sprintf("invalid log level: %s", level))
	}
}

// ErrAttrKey is the attribute key used for error values.
const ErrAttrKey = "error"

// ErrAttr wraps an error for structured logging.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}
