package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// StatusError is returned by gateway clients when a service answers with a
// non-2xx response. It is deliberately not retryable: an application-level
// failure body is a final answer, not a transport hiccup.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "http status " + http.StatusText(e.StatusCode) + ": " + e.Body
}

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// IsRetryableError reports whether a request error is worth another attempt.
// Only transport-level failures qualify; *StatusError never does.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wrapping a dial failure unwraps to a net.OpError above;
	// anything else (bad JSON, canceled context) is final.
	return false
}

// DoWithRetry issues fn up to attempts times, sleeping backoff between
// transport-level failures. The last error is returned once the budget is
// exhausted.
func DoWithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
		if i < attempts-1 && backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
