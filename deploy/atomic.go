package deploy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/scale"
)

// AtomicStrategy syncs the full release into a fresh directory and then
// swaps the current symlink, so a host serves either the complete old or
// the complete new release.
type AtomicStrategy struct {
	logger *slog.Logger
}

// NewAtomicStrategy creates an AtomicStrategy.
func NewAtomicStrategy(logger *slog.Logger) *AtomicStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &AtomicStrategy{logger: logger}
}

// Name returns the strategy identifier.
func (s *AtomicStrategy) Name() string { return "atomic" }

func (s *AtomicStrategy) DescribePlan(_ context.Context, c *Campaign) (*Plan, error) {
	p := &Plan{Strategy: s.Name(), Source: c.Source}
	for _, h := range c.Env.Hosts {
		p.Hosts = append(p.Hosts, PlannedHost{
			Host:   h.ID(),
			Path:   releasePath(c.layout(), c.Artifact),
			Action: hostAction(c.Restore),
		})
	}
	return p, nil
}

// Synchronize syncs every host. A failure leaves the live release alone.
func (s *AtomicStrategy) Synchronize(ctx context.Context, c *Campaign) error {
	return eachHost(ctx, c, c.Env.Hosts, 0, func(ctx context.Context, h remote.Host) error {
		return c.syncRelease(ctx, h)
	})
}

// Cutover swaps the current symlink on every host.
func (s *AtomicStrategy) Cutover(ctx context.Context, c *Campaign) error {
	err := eachHost(ctx, c, c.Env.Hosts, 0, func(ctx context.Context, h remote.Host) error {
		return c.switchRelease(ctx, h)
	})
	if err != nil {
		s.logger.Error("atomic cutover failed", "project", c.Env.Project, "env", c.Env.Name, "error", err)
	}
	return err
}

// Rollback re-applies each host's previous symlink target.
func (s *AtomicStrategy) Rollback(ctx context.Context, c *Campaign) (RollbackReport, error) {
	return c.revertHosts(ctx)
}

// eachHost runs fn on hosts concurrently, at most maxParallel at a time,
// and aggregates the failures. Failed hosts are marked failed.
func eachHost(ctx context.Context, c *Campaign, hosts []remote.Host, maxParallel int, fn func(context.Context, remote.Host) error) error {
	tasks := make([]scale.Task, 0, len(hosts))
	for _, h := range hosts {
		tasks = append(tasks, scale.Task{Key: h.ID(), Execute: func(ctx context.Context) error {
			return fn(ctx, h)
		}})
	}
	results := scale.NewHostPool(scale.HostPoolConfig{MaxParallel: maxParallel}, c.Logger).Run(ctx, tasks, nil)
	return collect(ctx, c, results)
}

var errNotDispatched = errors.New("not dispatched")

// collect marks failed and skipped tasks and returns a SyncError when any
// host did not complete.
func collect(ctx context.Context, c *Campaign, results []scale.TaskResult) error {
	var se SyncError
	for _, r := range results {
		switch {
		case r.Err != nil:
			c.Attempt.fail(r.Key, r.Err)
			se.Failures = append(se.Failures, HostFailure{Host: r.Key, Err: r.Err})
		case r.Skipped:
			err := ctx.Err()
			if err == nil {
				err = errNotDispatched
			}
			se.Failures = append(se.Failures, HostFailure{Host: r.Key, Err: err})
		}
	}
	if len(se.Failures) == 0 {
		return nil
	}
	return &se
}
