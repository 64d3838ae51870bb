package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"first attempt never waits", Linear(3, time.Second), 1, 0},
		{"linear second", Linear(3, time.Second), 2, time.Second},
		{"linear third", Linear(3, time.Second), 3, 2 * time.Second},
		{"constant", Policy{Backoff: BackoffConstant, BaseDelay: time.Second}, 4, time.Second},
		{"exponential", Policy{Backoff: BackoffExponential, BaseDelay: time.Second}, 4, 4 * time.Second},
		{"capped", Policy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 3 * time.Second}, 5, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Linear(3, time.Millisecond)
	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	p := Linear(2, time.Millisecond)
	calls := 0
	want := errors.New("still broken")
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDoPermanentError(t *testing.T) {
	p := Linear(5, time.Millisecond)
	calls := 0
	base := errors.New("bad config")
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(base)
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("expected wrapped base error, got %v", err)
	}
}

func TestDoRetryablePredicate(t *testing.T) {
	fatal := errors.New("fatal")
	p := Linear(4, time.Millisecond)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }
	calls := 0
	_ = p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Errorf("expected predicate to stop retries, got %d calls", calls)
	}
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Linear(3, time.Hour).Do(ctx, func(context.Context, int) error {
		t.Fatal("fn should not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	if err := (Policy{Backoff: "fibonacci"}).Validate(); err == nil {
		t.Error("expected error for unknown backoff")
	}
	if err := (Policy{MaxAttempts: -1}).Validate(); err == nil {
		t.Error("expected error for negative attempts")
	}
}
