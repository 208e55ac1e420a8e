package agent

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"github.com/drksbr/relaytun/internal/logger"
)

// stableConnection is how long a control channel must live before the
// retry delay resets to its minimum.
const stableConnection = time.Minute

func (o *options) run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    o.reconnectMin,
		Max:    o.reconnectMax,
		Factor: 2,
		Jitter: true,
	}
	cfg := o.config()
	ctx = logger.WithHost(ctx, o.hostID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()
		err := RunControl(ctx, cfg, o.logger)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > stableConnection {
			b.Reset()
		}
		delay := b.Duration()
		if err != nil && !errors.Is(err, ErrControlClosed) {
			o.logger.WarnContext(ctx, "connection failed", "error", err, "retry_in", delay.String())
		} else {
			o.logger.InfoContext(ctx, "connection terminated, reconnecting", "retry_in", delay.String())
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			o.logger.InfoContext(ctx, "agent stopping", "cause", context.Cause(ctx))
			return nil
		}
	}
}
