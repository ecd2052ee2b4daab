// Package logging provides structured logging for FieldSync.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // TEXT or JSON
	File   string // optional rotating log file, empty disables file output
}

// Setup builds a slog.Logger from the given options and installs it as the
// process default. Output always goes to stdout; when File is set it is
// mirrored to a size-rotated file as well.
func Setup(opts Options) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(opts.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToUpper(opts.Format) == "JSON" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
