// Package logging provides structured logging setup using log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Level represents the logging verbosity level.
type Level int

const (
	// LevelInfo is the default logging level for normal operation.
	LevelInfo Level = iota
	// LevelDebug enables verbose debug output.
	LevelDebug
)

// Format selects the handler used for console and file output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// DebugEnv enables debug logging when set to "1".
const DebugEnv = "PERFECTSSH_DEBUG"

// Options configures Setup.
type Options struct {
	Level  Level
	Format Format
	// File, when set, receives a copy of every console line.
	File string
	// JournalSize bounds the in-memory journal. Zero uses DefaultJournalSize.
	JournalSize int
	// Output overrides os.Stderr. Used by tests.
	Output io.Writer
}

// Setup installs the global slog logger and returns the journal that records
// every entry. The returned close function releases the log file, if any.
// Call this once at application startup.
func Setup(opts Options) (*Journal, func() error, error) {
	var slogLevel slog.Level
	switch opts.Level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	closeFn := func() error { return nil }

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closeFn = f.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: slogLevel}

	var handler slog.Handler
	switch opts.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	journal := NewJournal(handler, opts.JournalSize, slogLevel)
	slog.SetDefault(slog.New(journal))
	return journal, closeFn, nil
}

// SetupFromEnv initializes a text logger on stderr based on environment
// variables. Set PERFECTSSH_DEBUG=1 to enable debug logging.
func SetupFromEnv() *Journal {
	level := LevelInfo
	if os.Getenv(DebugEnv) == "1" {
		level = LevelDebug
	}
	journal, _, _ := Setup(Options{Level: level})
	return journal
}

// Component returns the default logger tagged with component=name.
func Component(name string) *slog.Logger {
	return slog.Default().With(ComponentKey, name)
}
