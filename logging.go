package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// buildLogger creates an slog.Logger from the CLI flags. Interactive
// terminals get text output; pipes and --json get JSON lines.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if flagJSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
