package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/deployctl/retry"
)

// RetryingChannel retries transport failures of an inner Channel. Commands
// that ran and exited non-zero are returned as-is; they are not transport
// failures and the caller decides what they mean.
type RetryingChannel struct {
	inner  Channel
	policy retry.Policy
	logger *slog.Logger
}

// WithRetry wraps ch so that Execute and SyncTree are retried under policy.
func WithRetry(ch Channel, policy retry.Policy, logger *slog.Logger) *RetryingChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingChannel{inner: ch, policy: policy, logger: logger}
}

// Execute runs command, retrying transport errors.
func (c *RetryingChannel) Execute(ctx context.Context, host Host, command string, timeout time.Duration) (ExecResult, error) {
	var res ExecResult
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		res, err = c.inner.Execute(ctx, host, command, timeout)
		if err != nil {
			c.logger.Warn("remote command failed", "host", host.ID(), "attempt", attempt, "error", err)
		}
		return err
	})
	return res, err
}

// SyncTree transfers the tree, retrying transport errors. A partial transfer
// (Success false, nil error) is not retried here.
func (c *RetryingChannel) SyncTree(ctx context.Context, host Host, localPath, remotePath string, excludes []string) (SyncResult, error) {
	var res SyncResult
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		res, err = c.inner.SyncTree(ctx, host, localPath, remotePath, excludes)
		if err != nil {
			c.logger.Warn("tree sync failed", "host", host.ID(), "attempt", attempt, "error", err)
		}
		return err
	})
	return res, err
}
