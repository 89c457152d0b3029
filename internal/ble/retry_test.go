package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, PerAttemptTimeout: time.Second}
	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryPolicyExhausts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, PerAttemptTimeout: 10 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want last attempt's deadline", err)
	}
}

func TestRetryPolicyAppliesPerAttemptDeadline(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 1, PerAttemptTimeout: 50 * time.Millisecond}
	_ = p.Do(context.Background(), "op", func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("attempt context has no deadline")
		}
		if d := time.Until(deadline); d > 50*time.Millisecond {
			t.Errorf("attempt deadline in %v, want at most 50ms", d)
		}
		return nil
	})
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, PerAttemptTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return errors.New("failed while cancelling")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestRetryPolicyZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = RetryPolicy{}.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("no")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOperationError(t *testing.T) {
	cause := errors.New("gatt unreachable")
	err := operationError("failed to configure the device", cause)

	if got, want := err.Error(), "ble: failed to configure the device: gatt unreachable"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("OperationError does not unwrap to its cause")
	}
	if !IsOperationError(err) {
		t.Error("IsOperationError() = false")
	}
	if IsOperationError(cause) {
		t.Error("IsOperationError(plain error) = true")
	}
	if got := operationError("service not found", nil).Error(); got != "ble: service not found" {
		t.Errorf("Error() = %q", got)
	}
}
