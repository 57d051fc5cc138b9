// Package contextutil provides small context helpers shared across the
// stageflow library.
package contextutil

import (
	"context"
	"time"
)

// WithOptionalTimeout wraps parent with a timeout when d is positive.
// A zero or negative duration returns the parent unchanged with a no-op
// cancel, so callers can treat "no limit" uniformly.
func WithOptionalTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}

// IsCanceled returns true if the context has been canceled.
func IsCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// IsTimedOut returns true if the context was canceled due to a timeout.
func IsTimedOut(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded
}
