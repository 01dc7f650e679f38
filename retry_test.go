package carelog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryer_Do(t *testing.T) {
	t.Run("SucceedsFirstTry", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond})
		result := r.Do(context.Background(), func() error { return nil })
		if result.LastErr != nil || result.Attempts != 1 {
			t.Errorf("Expected clean first attempt, got %+v", result)
		}
	})

	t.Run("RetriesUntilSuccess", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond})
		calls := 0
		result := r.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("temporary failure")
			}
			return nil
		})
		if result.LastErr != nil {
			t.Errorf("Expected eventual success, got %v", result.LastErr)
		}
		if result.Attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", result.Attempts)
		}
	})

	t.Run("ExhaustsAttempts", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond})
		result := r.Do(context.Background(), func() error { return errors.New("always fails") })
		if result.LastErr == nil {
			t.Error("Expected failure after exhausting attempts")
		}
		if result.Attempts != 2 {
			t.Errorf("Expected 2 attempts, got %d", result.Attempts)
		}
	})

	t.Run("StopsOnNonRetryable", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, RetryIf: IsRetryable})
		calls := 0
		result := r.Do(context.Background(), func() error {
			calls++
			return ErrDecryptionFailure
		})
		if calls != 1 {
			t.Errorf("Non-retryable error retried %d times", calls)
		}
		if !errors.Is(result.LastErr, ErrDecryptionFailure) {
			t.Errorf("Expected ErrDecryptionFailure, got %v", result.LastErr)
		}
	})

	t.Run("ContextCancel", func(t *testing.T) {
		r := NewRetryer(RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result := r.Do(ctx, func() error { return errors.New("fail") })
		if !errors.Is(result.LastErr, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", result.LastErr)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"NetworkTimeout", ErrNetworkTimeout, true},
		{"ConnectionRefused", errors.New("dial tcp: connection refused"), true},
		{"Decryption", ErrDecryptionFailure, false},
		{"Tampered", ErrChainTampered, false},
		{"PolicyMissing", ErrPolicyMissing, false},
		{"ContextCanceled", context.Canceled, false},
		{"WrappedTimeout", newSyncError(SyncErrorTypeTimeout, "negotiate", "peer-1", ErrNetworkTimeout), true},
		{"Unknown", errors.New("something else"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("OpensAfterFailures", func(t *testing.T) {
		cb := NewCircuitBreaker(3, time.Minute)
		fail := func() error { return errors.New("fail") }
		for i := 0; i < 3; i++ {
			_ = cb.Execute(fail)
		}
		if cb.State() != "open" {
			t.Errorf("Expected open circuit, got %s", cb.State())
		}
		if err := cb.Execute(fail); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Expected ErrCircuitOpen, got %v", err)
		}
	})

	t.Run("RecoversAfterTimeout", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 10*time.Millisecond)
		_ = cb.Execute(func() error { return errors.New("fail") })
		if cb.State() != "open" {
			t.Fatalf("Expected open circuit, got %s", cb.State())
		}

		time.Sleep(20 * time.Millisecond)
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Errorf("Expected half-open probe to pass, got %v", err)
		}
		if cb.State() != "closed" {
			t.Errorf("Expected closed circuit after success, got %s", cb.State())
		}
	})
}

func TestComputeBackoff(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 1 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // capped
		{9, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := computeBackoff(tc.attempt, initial, max, 2.0); got != tc.want {
			t.Errorf("Attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
