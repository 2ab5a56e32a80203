package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx provider response. Status decides retryability.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may succeed if repeated: rate limits,
// server errors, and upstream overload.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500 ||
		e.Status == http.StatusRequestTimeout
}

// RetryConfig bounds the retry loop around provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// RetryDo runs fn with exponential backoff. Only retryable HTTP errors and
// transient transport errors are repeated; a Retry-After hint from the server
// overrides the computed backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if !httpErr.Retryable() {
				return zero, err
			}
			if httpErr.RetryAfter > 0 {
				delay = httpErr.RetryAfter
			}
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, lastErr
}

// ParseRetryAfter interprets a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
