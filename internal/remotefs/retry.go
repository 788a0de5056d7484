package remotefs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sharkoder/sharkoder/internal/log"
)

const (
	retryInitialInterval = 1 * time.Second
	// retryMaxAttempts counts the first try plus retries.
	retryMaxAttempts = 3
)

// WithRetry runs fn up to three times with exponential backoff starting at
// one second. Only retryable kinds (Timeout, ConnectionLost, Transient) are
// retried; everything else is surfaced immediately.
func WithRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.RandomizationFactor = 0.2

	policy := backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx)
	logger := log.WithContext(ctx, log.WithComponent("remotefs"))

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Str("kind", KindOf(err).String()).
			Err(err).
			Msg("retrying remote operation")
		return err
	}, policy)
}
