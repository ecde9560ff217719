package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // total retry attempts (not counting initial)
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries
	BackoffMultiplier float64 // exponential backoff factor
	Jitter            bool    // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy: base 2s doubling per
// attempt, capped at 60s, jittered, up to 5 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         2.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		// Symmetric jitter: uniform multiplier in [0.8, 1.2).
		delay = delay * (0.8 + 0.4*rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// retryAfterHint extracts a server-provided Retry-After hint (in seconds)
// from the error, if any.
func retryAfterHint(err error) *float64 {
	switch e := err.(type) {
	case *RateLimitError:
		return e.RetryAfter
	case *ServerError:
		return e.RetryAfter
	case *ProviderError:
		return e.RetryAfter
	}
	return nil
}

// Retry executes fn with the configured retry policy.
// Only retryable errors are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		// Honor a server Retry-After hint when present.
		delay := policy.Delay(attempt)
		if hint := retryAfterHint(err); hint != nil {
			retryDelay := time.Duration(*hint * float64(time.Second))
			if retryDelay > time.Duration(policy.MaxDelay*float64(time.Second)) {
				// Retry-After exceeds max_delay; raise immediately.
				return zero, err
			}
			delay = retryDelay
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
