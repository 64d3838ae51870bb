package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/scale"
)

// RollingStrategy updates hosts one batch at a time. Batches run strictly in
// sequence; hosts within a batch are synced, switched and probed
// concurrently up to max_parallel.
type RollingStrategy struct {
	logger *slog.Logger
}

// NewRollingStrategy creates a new RollingStrategy.
func NewRollingStrategy(logger *slog.Logger) *RollingStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollingStrategy{logger: logger}
}

// Name returns the strategy identifier.
func (s *RollingStrategy) Name() string { return "rolling" }

// batches splits hosts into ordered batches. A size of zero or less puts
// every host (or every host of a role) in one batch. With byRole no batch
// mixes roles.
func batches(hosts []remote.Host, size int, byRole bool) [][]remote.Host {
	if !byRole {
		return split(hosts, size)
	}
	var out [][]remote.Host
	for _, group := range groupByRole(hosts) {
		out = append(out, split(group, size)...)
	}
	return out
}

func split(hosts []remote.Host, size int) [][]remote.Host {
	if size <= 0 || size > len(hosts) {
		size = len(hosts)
	}
	var out [][]remote.Host
	for i := 0; i < len(hosts); i += size {
		out = append(out, hosts[i:min(i+size, len(hosts))])
	}
	return out
}

// groupByRole groups hosts by role, keeping the order in which roles and
// hosts first appear.
func groupByRole(hosts []remote.Host) [][]remote.Host {
	index := make(map[string]int)
	var groups [][]remote.Host
	for _, h := range hosts {
		i, ok := index[h.Role]
		if !ok {
			i = len(groups)
			index[h.Role] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], h)
	}
	return groups
}

// exceeds reports whether failed out of total is above the allowed rate.
func exceeds(failed, total int, rate float64) bool {
	if total == 0 {
		return false
	}
	return float64(failed)/float64(total) > rate
}

func (s *RollingStrategy) DescribePlan(_ context.Context, c *Campaign) (*Plan, error) {
	p := &Plan{Strategy: s.Name(), Source: c.Source}
	for i, batch := range batches(c.Env.Hosts, c.Env.Rolling.BatchSize, c.Env.Rolling.ByRole) {
		for _, h := range batch {
			p.Hosts = append(p.Hosts, PlannedHost{
				Host:   h.ID(),
				Batch:  i + 1,
				Path:   releasePath(c.layout(), c.Artifact),
				Action: hostAction(c.Restore) + "+probe",
			})
		}
	}
	return p, nil
}

// Synchronize rolls the release out batch by batch. When a batch's failure
// rate exceeds max_failure_rate no further host is dispatched and a
// *SyncError with Halted set is returned; Partial tells whether any host
// was updated before the halt.
func (s *RollingStrategy) Synchronize(ctx context.Context, c *Campaign) error {
	cfg := c.Env.Rolling
	all := batches(c.Env.Hosts, cfg.BatchSize, cfg.ByRole)
	pool := scale.NewHostPool(scale.HostPoolConfig{MaxParallel: cfg.MaxParallel}, c.Logger)

	var tolerated []HostFailure
	for i, batch := range all {
		n := i + 1
		for _, h := range batch {
			c.Attempt.setBatch(h.ID(), n)
		}
		if err := ctx.Err(); err != nil {
			return s.halt(c, tolerated, fmt.Errorf("batch %d not started: %w", n, err))
		}

		s.logger.Info("rolling batch starting", "project", c.Env.Project, "env", c.Env.Name,
			"batch", n, "of", len(all), "hosts", len(batch))

		tasks := make([]scale.Task, 0, len(batch))
		for _, h := range batch {
			tasks = append(tasks, scale.Task{Key: h.ID(), Execute: func(ctx context.Context) error {
				if err := c.syncRelease(ctx, h); err != nil {
					return err
				}
				if err := c.switchRelease(ctx, h); err != nil {
					return err
				}
				return c.verifyHost(ctx, h)
			}})
		}
		stop := func(results []scale.TaskResult) bool {
			return exceeds(countFailed(results), len(batch), cfg.MaxFailureRate)
		}
		results := pool.Run(ctx, tasks, stop)

		var failures []HostFailure
		for _, r := range results {
			if r.Err != nil {
				c.Attempt.fail(r.Key, r.Err)
				failures = append(failures, HostFailure{Host: r.Key, Err: r.Err})
			}
		}
		if exceeds(len(failures), len(batch), cfg.MaxFailureRate) || ctx.Err() != nil {
			s.logger.Error("rolling batch failed, halting", "project", c.Env.Project, "env", c.Env.Name,
				"batch", n, "failed", len(failures), "hosts", len(batch), "max_failure_rate", cfg.MaxFailureRate)
			return s.halt(c, append(tolerated, failures...), ctx.Err())
		}
		if len(failures) > 0 {
			s.logger.Warn("rolling batch within failure budget", "batch", n, "failed", len(failures))
			tolerated = append(tolerated, failures...)
		}
	}
	if len(tolerated) > 0 {
		// the rollout completed, but not on every host
		c.Attempt.setPartial()
		c.Attempt.addErrors(details(&SyncError{Failures: tolerated}, StateSyncing))
	}
	return nil
}

func (s *RollingStrategy) halt(c *Campaign, failures []HostFailure, cause error) error {
	if cause != nil && len(failures) == 0 {
		failures = append(failures, HostFailure{Host: "campaign", Err: cause})
	}
	updated := c.Attempt.hostsIn(HostLive, HostVerified)
	if len(updated) > 0 {
		c.Attempt.setPartial()
	}
	return &SyncError{Failures: failures, Halted: true, Partial: len(updated) > 0}
}

func countFailed(results []scale.TaskResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Cutover has nothing left to do: each host was switched inside its batch.
func (s *RollingStrategy) Cutover(_ context.Context, c *Campaign) error {
	s.logger.Debug("rolling cutover completed per batch", "project", c.Env.Project, "env", c.Env.Name,
		"live", len(c.Attempt.hostsIn(HostLive, HostVerified)))
	return nil
}

// Rollback re-applies each updated host's previous symlink target.
func (s *RollingStrategy) Rollback(ctx context.Context, c *Campaign) (RollbackReport, error) {
	return c.revertHosts(ctx)
}
