package util

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// ErrInterrupted is the cancellation cause recorded when a shutdown signal
// arrives.
var ErrInterrupted = errors.New("interrupted by signal")

// WithSignalContext returns a context cancelled on the first SIGINT or
// SIGTERM, with ErrInterrupted as its cause. A second signal restores the
// default handler so it terminates the process immediately.
func WithSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel(ErrInterrupted)
			signal.Reset(syscall.SIGINT, syscall.SIGTERM)
		case <-ctx.Done():
			signal.Stop(sigCh)
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel(context.Canceled)
	}
}
