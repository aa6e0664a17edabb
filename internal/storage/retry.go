// Package storage holds helpers shared by the store clients.
package storage

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// WithRetry runs fn up to 3 times with exponential backoff, stopping early
// when the context is done. Use it around store calls that can hit transient
// faults (timeouts, connection resets); deterministic failures should not go
// through here.
func WithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
