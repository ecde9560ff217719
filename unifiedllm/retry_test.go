package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         2.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
	}

	delays := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}

	for i, expected := range delays {
		got := policy.Delay(i)
		if got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRetryPolicyDelayWithMaxCap(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         2.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
	}

	// Attempt 10 would be 2048s without cap.
	got := policy.Delay(10)
	if got != 60*time.Second {
		t.Errorf("expected 60s (capped), got %v", got)
	}
}

func TestRetryPolicyDelayWithJitter(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            true,
	}

	// With jitter, delay should fall within the [0.8, 1.2) band.
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 800*time.Millisecond || got >= 1200*time.Millisecond {
			t.Errorf("jittered delay out of range: %v", got)
		}
	}
}

func TestRetrySuccess(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001, Jitter: false}

	callCount := 0
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", &ServerError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "server error"}, Retryable: true,
			}}
		}
		return "success", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected %q, got %q", "success", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryOnRetryCallback(t *testing.T) {
	type retryRecord struct {
		attempt int
		delay   time.Duration
	}
	var records []retryRecord

	policy := RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         0.01,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			records = append(records, retryRecord{attempt: attempt, delay: delay})
		},
	}

	callCount := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		if callCount <= 2 {
			return "", &ServerError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "overloaded"}, Retryable: true,
			}}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %d", len(records))
	}
	if records[0].attempt != 1 || records[1].attempt != 2 {
		t.Errorf("expected attempts 1,2, got %d,%d", records[0].attempt, records[1].attempt)
	}
	if records[0].delay != 10*time.Millisecond || records[1].delay != 20*time.Millisecond {
		t.Errorf("unexpected delays: %v, %v", records[0].delay, records[1].delay)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	var observedDelay time.Duration
	policy := RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         10.0, // would be 10s without the hint
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			observedDelay = delay
		},
	}

	hint := 0.01
	callCount := 0
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		if callCount == 1 {
			return "", &RateLimitError{ProviderError: ProviderError{
				SDKError: SDKError{Message: "rate limited"}, Retryable: true, RetryAfter: &hint,
			}}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if observedDelay != 10*time.Millisecond {
		t.Errorf("expected Retry-After hint of 10ms to win, got %v", observedDelay)
	}
}

func TestRetryAfterExceedsMaxDelay(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 1.0, Jitter: false}

	hint := 120.0
	callCount := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", &RateLimitError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "rate limited"}, Retryable: true, RetryAfter: &hint,
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected no retries when Retry-After exceeds max_delay, got %d calls", callCount)
	}
}

func TestRetryNonRetryableError(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001, Jitter: false}

	callCount := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", &AuthenticationError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "invalid key"},
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retries for non-retryable), got %d", callCount)
	}
}

func TestRetryExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001, Jitter: false}

	callCount := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", &ServerError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "server error"}, Retryable: true,
		}}
	})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if callCount != 3 { // 1 initial + 2 retries
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryCancelled(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 1.0, BackoffMultiplier: 1, MaxDelay: 1.0, Jitter: false}

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		callCount++
		return "", errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// Should have been cancelled before all retries completed.
	if callCount > 3 {
		t.Errorf("expected fewer calls due to cancellation, got %d", callCount)
	}
}

func TestRetryNoError(t *testing.T) {
	policy := DefaultRetryPolicy()
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		return "immediate", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "immediate" {
		t.Errorf("expected %q, got %q", "immediate", result)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", p.MaxRetries)
	}
	if p.BaseDelay != 2.0 {
		t.Errorf("expected base_delay 2.0, got %f", p.BaseDelay)
	}
	if p.MaxDelay != 60.0 {
		t.Errorf("expected max_delay 60.0, got %f", p.MaxDelay)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Errorf("expected backoff_multiplier 2.0, got %f", p.BackoffMultiplier)
	}
	if !p.Jitter {
		t.Error("expected jitter = true")
	}
}
