package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrAuthRejected marks a failure caused by a stale or invalid credential.
// Retrying with the same credential cannot succeed, so the queue propagates
// these immediately instead of retrying.
var ErrAuthRejected = errors.New("authentication rejected")

// RetryPolicy describes bounded retry with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the Record Store's tolerance: three attempts,
// delays of 1s, 2s, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    5 * time.Second,
	}
}

// Delay returns the backoff before the given attempt (1-based):
// min(base * 2^(attempt-1), cap).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsAuthError reports whether err is an authentication-class failure that
// must never be retried.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "status 401") || strings.Contains(msg, "401 ")
}

// ExecuteWithRetry runs fn up to policy.MaxAttempts times, sleeping the
// policy's backoff between attempts. Auth errors and context cancellation
// stop retrying immediately. The last error is returned on exhaustion.
func ExecuteWithRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsAuthError(lastErr) || attempt == attempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return lastErr
}
