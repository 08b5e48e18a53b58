// Package logging builds the slog loggers used across skillrun.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

const LevelCritical = slog.LevelError + 4

// ParseLevel maps DEBUG, INFO, WARNING (or WARN), ERROR and CRITICAL,
// case-insensitively. Anything else is INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger for format "json" and a colourised console
// logger otherwise.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "2006-01-02 15:04:05.000Z07:00",
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

// Discard drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
