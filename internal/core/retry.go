package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryInterval is the wait before the single in-cycle retry.
const DefaultRetryInterval = 2 * time.Second

// maxAttemptRetries bounds in-cycle retries. Further retries wait for the
// next due signal.
const maxAttemptRetries = 1

// retryOnce runs op and, if it fails with a retryable error, runs it once
// more after interval. Non-retryable errors return immediately.
func retryOnce(ctx context.Context, log *slog.Logger, step string, interval time.Duration, op func(ctx context.Context) error) error {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxElapsedTime = 0
	bo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxAttemptRetries), ctx)

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("transient failure, retrying",
			"step", step,
			"error", err,
			"wait_ms", wait.Milliseconds(),
		)
	}

	return backoff.RetryNotify(attempt, policy, notify)
}
