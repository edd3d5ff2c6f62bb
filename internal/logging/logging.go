// Package logging configures the process-wide slog logger
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"omni-inbox/internal/config"
)

const (
	maxSizeMB  = 100
	maxBackups = 7
	maxAgeDays = 28
)

// Setup builds the logger described by cfg and installs it as slog's default.
// Output also goes to every extra writer, such as the live log stream.
// The returned closer flushes the rotating file, if any.
func Setup(cfg config.LogConfig, extra ...io.Writer) (*slog.Logger, io.Closer) {
	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}
	writers = append(writers, extra...)

	logger := slog.New(NewHandler(io.MultiWriter(writers...), cfg))
	slog.SetDefault(logger)
	return logger, closer
}

// NewHandler returns a JSON or text handler at the configured level
func NewHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel maps a config string to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
