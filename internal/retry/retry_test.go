package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttemptsAndReturnsError(t *testing.T) {
	want := errors.New("always fails")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return want
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, want) {
		t.Fatalf("error should wrap the last attempt's error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsRetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	}, WithMaxAttempts(5), WithRetryIf(func(err error) bool { return false }))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("RetryIf returning false should stop after one attempt, got %d calls", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled wrapped, got %v", err)
	}
}

func TestCalculateDelayCapsAtMaxDelay(t *testing.T) {
	cfg := &Config{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0}
	got := calculateDelay(10, cfg)
	if got != cfg.MaxDelay {
		t.Fatalf("delay = %v, want capped at %v", got, cfg.MaxDelay)
	}
}

func TestCalculateDelayDoublesEachAttempt(t *testing.T) {
	cfg := &Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0}
	if got := calculateDelay(1, cfg); got != time.Second {
		t.Fatalf("attempt 1 delay = %v, want 1s", got)
	}
	if got := calculateDelay(2, cfg); got != 2*time.Second {
		t.Fatalf("attempt 2 delay = %v, want 2s", got)
	}
	if got := calculateDelay(3, cfg); got != 4*time.Second {
		t.Fatalf("attempt 3 delay = %v, want 4s", got)
	}
}
