package docstore

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryOnConflict calls fn until it returns something other than ErrConflict,
// at most attempts times, waiting a little longer before each new attempt.
//
// The store itself never retries; this is for callers whose mutation is safe
// to re-run against a newer collection.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) || i >= attempts {
			return err
		}
		slog.DebugContext(ctx, "docstore: retrying after conflict", "attempt", i, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * 20 * time.Millisecond):
		}
	}
}
