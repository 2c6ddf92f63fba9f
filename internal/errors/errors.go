// Package errors provides error classification and retry support for the
// options-chain archiver. The pipeline itself never retries; this package
// gives calling collaborators (the batch runner, the CLI) a consistent way
// to recognize transient failures and back off on them.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TransientError represents a failed external call that mutated no state
// and is safe to retry later: a non-2xx HTTP response, a timeout, or a
// transport failure. StatusCode is zero when no HTTP status was received.
type TransientError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientStatus creates a TransientError for a non-2xx HTTP response.
func NewTransientStatus(statusCode int) *TransientError {
	return &TransientError{StatusCode: statusCode}
}

// NewTransient wraps a transport-level failure as a TransientError.
func NewTransient(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusCode extracts the HTTP status from a transient error chain,
// or zero when none was recorded.
func StatusCode(err error) int {
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// IsTimeout reports whether err is timeout-related. Timeouts are treated
// identically to any other transient failure by callers.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// RetryPolicy configures the backoff behavior of Retry.
type RetryPolicy struct {
	MaxAttempts  int           // Maximum attempts including the first
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Ceiling for the exponential delay
}

// DefaultRetryPolicy returns the policy used by the batch runner.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// Retry executes fn, retrying transient failures with exponential backoff
// until it succeeds, returns a non-transient error, exhausts the policy's
// attempts, or the context is canceled. Non-transient errors are returned
// immediately without further attempts.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = policy.InitialDelay
	strategy.MaxInterval = policy.MaxDelay
	strategy.MaxElapsedTime = 0 // bounded by attempts and context instead

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxAttempts {
			break
		}

		select {
		case <-time.After(strategy.NextBackOff()):
		case <-ctx.Done():
			return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}
