package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
)

// shutdownContext arranges graceful shutdown on SIGINT/SIGTERM. The sync
// engine checks for cancellation between delta pages and between download
// fragments, so the first signal lets the change in flight finish and the
// catalog stay consistent. Signal delivery is restored afterwards, so a
// second signal terminates the process the default way.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()

		if parent.Err() == nil {
			logger.Info("shutdown requested, finishing the change in flight")
		}

		stop()
	}()

	return ctx
}
