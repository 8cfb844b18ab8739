// Package retry centralizes the timeout and backoff handling the client
// state machine needs at several points: bounding a gap probe, bounding
// snapshot recovery, and backing off between reconnect attempts. The
// teacher inlines this ad hoc with pongWait/writeWait constants and a
// ticker around its WebSocket pumps (internal/websocket/connection.go);
// here the same shape is pulled out into reusable combinators since the
// client state machine needs it in more than one place.
package retry

import (
	"context"
	"time"

	"github.com/Dancode-188/replicate/internal/syncerr"
)

// WithTimeout runs fn and fails with a syncerr.Timeout if it has not
// returned within d. fn must respect ctx cancellation; WithTimeout does
// not kill fn's goroutine, it only stops waiting for it.
func WithTimeout(ctx context.Context, d time.Duration, reason string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return syncerr.Timeout(reason)
	}
}

// Backoff computes the delay before retry attempt n (0-indexed),
// doubling from base up to a cap, per SPEC_FULL §9 (0.5s -> 30s).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// WithRetry invokes fn until it succeeds, ctx is done, or maxAttempts is
// reached. Sleeps Backoff(n, base, max) between attempts. Only errors
// tagged Retryable (or untyped errors, which are assumed transient) are
// retried; any other *syncerr.Error is returned immediately.
func WithRetry(ctx context.Context, maxAttempts int, base, max time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if se, ok := lastErr.(*syncerr.Error); ok && !se.Retryable {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(Backoff(attempt, base, max)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// WithSpan wraps fn with a start/stop log pair, grounded on the
// teacher's habit of logging at the boundary of each connection
// lifecycle event rather than instrumenting with a tracer the pack
// doesn't carry.
func WithSpan(logStart, logEnd func(), fn func() error) error {
	logStart()
	err := fn()
	logEnd()
	return err
}
