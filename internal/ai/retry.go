package ai

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type submitPolicy struct {
	Attempts int
	Wait     time.Duration
}

// submitWithRetry runs op up to Attempts times. Only errors accepted by
// retryable are retried; anything else fails fast. The returned count is the
// number of attempts actually made.
func submitWithRetry[T any](ctx context.Context, p submitPolicy, op func(attempt int) (T, error), retryable func(error) bool) (T, int, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := op(attempts)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	n := p.Attempts
	if n < 1 {
		n = 1
	}
	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Wait)),
		backoff.WithMaxTries(uint(n)),
	)
	return v, attempts, err
}

// safeToResubmit reports whether a failed submit certainly created no provider
// task: the connection was never made, or the provider answered 429 or 5xx.
// Errors after the body may have been accepted (resets, timeouts, bad 2xx
// payloads) are not resubmitted since the task may already exist.
func safeToResubmit(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
