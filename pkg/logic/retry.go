package logic

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/odvcencio/strata/pkg/persist"
)

// CommitRetry runs fn until it succeeds, fails with an error that is not
// retryable, or the retry budget of p's configuration is spent. fn requests
// another attempt by returning an error matching ErrRetry or
// persist.ErrBackendLimitExceeded. Attempts are numbered from 1 and
// separated by a randomized, exponentially growing sleep.
func CommitRetry[T any](ctx context.Context, p persist.Persist, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	cfg := p.Config().WithDefaults().Retry
	start := time.Now()
	sleep := cfg.InitialSleep

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			commitAttempts.WithLabelValues("ok").Inc()
			return v, nil
		}
		var zero T
		if !retryable(err) {
			commitAttempts.WithLabelValues(resultLabel(err)).Inc()
			return zero, err
		}
		commitAttempts.WithLabelValues("retry").Inc()

		elapsed := time.Since(start)
		if attempt >= cfg.MaxRetries || elapsed >= cfg.Timeout {
			return zero, &RetryTimeoutError{Attempts: attempt, Elapsed: elapsed}
		}
		commitRetries.Inc()
		if err := sleepCtx(ctx, jitter(sleep)); err != nil {
			return zero, err
		}
		sleep *= 2
		if sleep > cfg.MaxSleep {
			sleep = cfg.MaxSleep
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrRetry) || errors.Is(err, persist.ErrBackendLimitExceeded)
}

// jitter returns a duration in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
