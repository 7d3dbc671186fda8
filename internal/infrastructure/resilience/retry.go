package resilience

import (
	"context"
	"log/slog"
	"time"
)

// backoff yields the wait before each retry: InitialBackoff, then growing
// by Multiplier up to MaxBackoff.
type backoff struct {
	next time.Duration
	p    RetryPolicy
}

func newBackoff(p RetryPolicy) *backoff {
	return &backoff{next: p.InitialBackoff, p: p}
}

func (b *backoff) Next() time.Duration {
	wait := min(b.next, b.p.MaxBackoff)
	b.next = min(time.Duration(float64(b.next)*b.p.Multiplier), b.p.MaxBackoff)
	return wait
}

// retry runs fn until it succeeds, the classifier rejects the error, the
// attempts are spent or ctx is done. The last error is returned.
func retry(ctx context.Context, operation string, p RetryPolicy, fn func(context.Context) error, classify ErrorClassifier) error {
	delays := newBackoff(p)
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.Attempts || !classify(err).Retryable {
			return err
		}

		wait := delays.Next()
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", p.Attempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if !sleep(ctx, wait) {
			return err
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
