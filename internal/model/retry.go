package model

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultMaxRetries = 3

// withRetry runs fn until it succeeds, fails permanently or runs out of
// attempts. Once fn has streamed text to the caller a failure is final, so
// a retry never repeats visible output.
func withRetry[T any](ctx context.Context, maxRetries int, retryable func(error) bool, fn func(ctx context.Context, streamed *bool) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		var streamed bool
		res, err := fn(ctx, &streamed)
		if err != nil && (streamed || !retryable(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))
}

// retryableStatus treats auth and request errors as final.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	}
	return true
}

func retryableTransport(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
