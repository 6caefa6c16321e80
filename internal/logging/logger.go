// Package logging provides the configured slog logger for the preflight
// commands.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options configures the logger built by New.
type Options struct {
	// Verbose toggles debug level logging when true.
	Verbose bool
	// JSON selects the JSON handler instead of the text handler.
	JSON bool
	// Writer directs log output; defaults to os.Stderr when nil.
	Writer io.Writer
}

// New constructs a slog.Logger from opts.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(writer, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(writer, handlerOpts))
}
