package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RetryableError marks a transient adapter failure (rate limit, timeout, 5xx).
type RetryableError struct {
	Reason string
	// RetryAfter is the provider's hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return "retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a permanent adapter failure (auth, schema mismatch).
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(reason string, err error) error {
	return &RetryableError{Reason: reason, Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// IsRetryable classifies an adapter error. Explicit FatalError wins, then
// explicit RetryableError, then network timeouts. Unclassified errors are
// treated as fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// RetryAfterHint returns the RetryAfter of a RetryableError in the chain.
func RetryAfterHint(err error) time.Duration {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return retryable.RetryAfter
	}
	return 0
}
