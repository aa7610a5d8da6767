package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withLogFlags(t *testing.T, verbose, quiet bool) {
	t.Helper()

	oldVerbose, oldQuiet := flagVerbose, flagQuiet
	t.Cleanup(func() {
		flagVerbose, flagQuiet = oldVerbose, oldQuiet
	})

	flagVerbose, flagQuiet = verbose, quiet
}

func TestBuildLogger_Default(t *testing.T) {
	withLogFlags(t, false, false)

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Verbose(t *testing.T) {
	withLogFlags(t, true, false)

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Quiet(t *testing.T) {
	withLogFlags(t, false, true)

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}
