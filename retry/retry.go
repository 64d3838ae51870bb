// Package retry provides the single retry policy shared by the remote
// operations channel and the health checker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff selects how the delay between attempts grows.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The zero value performs exactly one attempt.
type Policy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff       `json:"backoff" yaml:"backoff"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`

	// Retryable reports whether err is worth another attempt. A nil predicate
	// retries every error except context cancellation and Permanent errors.
	Retryable func(error) bool `json:"-" yaml:"-"`
}

// DefaultPolicy returns the policy used when an environment does not
// configure one: three attempts with linear backoff starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     BackoffLinear,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Linear returns a linear-backoff policy with the given attempt count.
func Linear(attempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: BackoffLinear, BaseDelay: base}
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	switch p.Backoff {
	case "", BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q (want constant, linear or exponential)", p.Backoff)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	return nil
}

// Delay returns the wait before the given attempt (attempt 2 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	n := attempt - 1
	var d time.Duration
	switch p.Backoff {
	case BackoffConstant:
		d = p.BaseDelay
	case BackoffExponential:
		d = p.BaseDelay
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	default:
		d = p.BaseDelay * time.Duration(n)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is not
// retryable or ctx is done. fn receives the 1-based attempt number. The last
// error is returned unwrapped so callers can match it with errors.As.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	total := p.attempts()
	for attempt := 1; attempt <= total; attempt++ {
		if wait := p.Delay(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return lastErr
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.retryable(err) {
			break
		}
	}
	return Unwrap(lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Unwrap strips a Permanent marker, if any.
func Unwrap(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) && err == error(perm) {
		return perm.err
	}
	return err
}
