package faults

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Retryable reports whether err is worth another attempt. Only transport
// failures qualify; timeouts trigger cancellation instead.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// WithRetry executes fn, retrying up to maxRetries times on transport failures.
// Retries use jittered exponential backoff starting at baseDelay. The returned
// count is the number of retries actually performed. A transport error that
// exhausts the budget is returned with Retries set.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(ctx context.Context) error) (int, error) {
	var err error
	retries := 0
	for attempt := range maxRetries + 1 {
		err = fn(ctx)
		if err == nil || !Retryable(err) {
			return retries, err
		}
		if attempt == maxRetries {
			break
		}
		delay := baseDelay
		if baseDelay > 0 {
			delay += time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter
		}
		select {
		case <-ctx.Done():
			return retries, err
		case <-time.After(delay):
		}
		retries++
		baseDelay *= 2
	}
	var fe *Error
	if errors.As(err, &fe) {
		fe.Retries = retries
	}
	return retries, err
}
