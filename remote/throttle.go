package remote

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ThrottledChannel bounds the rate of remote operations across all hosts.
type ThrottledChannel struct {
	inner   Channel
	limiter *rate.Limiter
}

// Throttle wraps ch with limiter. A nil limiter disables throttling.
func Throttle(ch Channel, limiter *rate.Limiter) *ThrottledChannel {
	return &ThrottledChannel{inner: ch, limiter: limiter}
}

// PerSecond returns a limiter allowing ops operations per second with a burst
// of the same size, or nil when ops is not positive.
func PerSecond(ops float64) *rate.Limiter {
	if ops <= 0 {
		return nil
	}
	burst := int(ops)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ops), burst)
}

func (c *ThrottledChannel) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}

func (c *ThrottledChannel) Execute(ctx context.Context, host Host, command string, timeout time.Duration) (ExecResult, error) {
	if err := c.wait(ctx); err != nil {
		return ExecResult{}, err
	}
	return c.inner.Execute(ctx, host, command, timeout)
}

func (c *ThrottledChannel) SyncTree(ctx context.Context, host Host, localPath, remotePath string, excludes []string) (SyncResult, error) {
	if err := c.wait(ctx); err != nil {
		return SyncResult{}, err
	}
	return c.inner.SyncTree(ctx, host, localPath, remotePath, excludes)
}
