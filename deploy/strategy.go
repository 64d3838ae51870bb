package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"

	"github.com/GoCodeAlone/deployctl/backup"
	"github.com/GoCodeAlone/deployctl/config"
	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/ledger"
	"github.com/GoCodeAlone/deployctl/observability"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/router"
)

// Strategy realizes one cutover algorithm. Strategies hold no per-campaign
// state; everything they learn goes into the Campaign's Attempt.
type Strategy interface {
	// Name returns the strategy identifier used in configuration.
	Name() string
	// DescribePlan computes what a real run would touch without changing
	// anything.
	DescribePlan(ctx context.Context, c *Campaign) (*Plan, error)
	// Synchronize moves the release onto the hosts. Strategies that cut
	// hosts over one batch at a time do so here.
	Synchronize(ctx context.Context, c *Campaign) error
	// Cutover makes the synchronized release live.
	Cutover(ctx context.Context, c *Campaign) error
	// Rollback undoes whatever Synchronize and Cutover changed. Calling it
	// again after it succeeded changes nothing.
	Rollback(ctx context.Context, c *Campaign) (RollbackReport, error)
}

// VerifyFunc runs the environment's health checks against target and
// reports whether they reached the quorum.
type VerifyFunc func(ctx context.Context, target health.Target) ([]health.Result, bool)

// Campaign is what a Strategy works on: the environment, the release being
// produced and the collaborators it may use.
type Campaign struct {
	Env     *config.Environment
	Release ledger.Record
	// Artifact names the release directory on the hosts. It differs from
	// Release.ID when a retained release is restored.
	Artifact string
	// Restore is set when Artifact already exists on the hosts and no sync
	// is needed.
	Restore  bool
	Source   string
	Excludes []string

	Attempt *Attempt
	Channel remote.Channel
	Router  router.Router
	Backup  backup.Coordinator
	Verify  VerifyFunc

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Plan is the dry-run description of a campaign.
type Plan struct {
	Strategy  string        `json:"strategy"`
	Source    string        `json:"source,omitempty"`
	Restore   string        `json:"restore,omitempty"`
	Hosts     []PlannedHost `json:"hosts"`
	FromColor router.Color  `json:"from_color,omitempty"`
	ToColor   router.Color  `json:"to_color,omitempty"`
	Backup    bool          `json:"backup"`
	PreHooks  []string      `json:"pre_hooks,omitempty"`
	PostHooks []string      `json:"post_hooks,omitempty"`
	Checks    []string      `json:"checks,omitempty"`
}

// PlannedHost is one host a real run would touch.
type PlannedHost struct {
	Host   string `json:"host"`
	Batch  int    `json:"batch,omitempty"`
	Path   string `json:"path"`
	Action string `json:"action"`
}

// Targets returns the planned host names in order.
func (p *Plan) Targets() []string {
	out := make([]string, 0, len(p.Hosts))
	for _, h := range p.Hosts {
		out = append(out, h.Host)
	}
	return out
}

func (c *Campaign) layout() Layout { return Layout{Root: c.Env.DeployPath} }

func (c *Campaign) host(name string) remote.Host {
	for _, h := range c.Env.Hosts {
		if h.ID() == name {
			return h
		}
	}
	return remote.Host{Name: name}
}

func (c *Campaign) observe(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	c.Metrics.RecordHostOperation(operation, outcome)
}

// advance moves host forward and fails it when the move is refused.
func (c *Campaign) advance(host string, to HostStatus) error {
	if err := c.Attempt.Advance(host, to); err != nil {
		c.Attempt.fail(host, err)
		return err
	}
	return nil
}

// syncRelease puts the release directory on host, or checks a restored one
// is still there.
func (c *Campaign) syncRelease(ctx context.Context, host remote.Host) (err error) {
	ctx, span := c.Tracer.StartHost(ctx, "sync", host.ID())
	defer func() {
		observability.End(span, err)
		c.observe("sync", err)
	}()

	l := c.layout()
	if err := c.advance(host.ID(), HostSyncing); err != nil {
		return err
	}
	if _, err := run(ctx, c.Channel, host, l.prepareCmd()); err != nil {
		return err
	}
	if c.Restore {
		if _, err := run(ctx, c.Channel, host, l.existsCmd(c.Artifact)); err != nil {
			return fmt.Errorf("release %s is no longer retained: %w", c.Artifact, err)
		}
	} else {
		res, err := c.Channel.SyncTree(ctx, host, c.Source, l.Release(c.Artifact), c.Excludes)
		if err != nil {
			return err
		}
		if !res.Success {
			failed := res.Failed()
			if len(failed) > 0 {
				return fmt.Errorf("%d file(s) failed to transfer, first %s: %s", len(failed), failed[0].Path, failed[0].Error)
			}
			return errors.New("file transfer incomplete")
		}
	}
	prev, err := l.readCurrent(ctx, c.Channel, host)
	if err != nil {
		return fmt.Errorf("read live release: %w", err)
	}
	c.Attempt.setPrevious(host.ID(), prev)
	return c.advance(host.ID(), HostSynced)
}

// switchRelease points host's current link at the release.
func (c *Campaign) switchRelease(ctx context.Context, host remote.Host) (err error) {
	ctx, span := c.Tracer.StartHost(ctx, "cutover", host.ID())
	defer func() {
		observability.End(span, err)
		c.observe("cutover", err)
	}()

	if err := c.advance(host.ID(), HostCuttingOver); err != nil {
		return err
	}
	l := c.layout()
	if err := l.switchTo(ctx, c.Channel, host, l.Release(c.Artifact)); err != nil {
		return &CutoverError{Host: host.ID(), Err: err}
	}
	return c.advance(host.ID(), HostLive)
}

// verifyHost runs the health checks against one host.
func (c *Campaign) verifyHost(ctx context.Context, host remote.Host) error {
	target := health.Target{Name: host.ID(), URL: host.URL, Host: host}
	if target.URL == "" {
		target.URL = c.Env.URL
	}
	results, ok := c.Verify(ctx, target)
	c.observe("verify", nil)
	if !ok {
		c.Metrics.RecordHostOperation("verify", "unhealthy")
		return &HealthCheckFailure{
			Target:   host.ID(),
			Failed:   health.Failures(results),
			Ratio:    health.PassRatio(results),
			Required: c.Env.Health.MinPassRatio,
		}
	}
	return c.advance(host.ID(), HostVerified)
}

// revertHosts points every cut-over host back at the release it served
// before. Hosts that served nothing are restored from the backup once.
func (c *Campaign) revertHosts(ctx context.Context) (RollbackReport, error) {
	hosts := c.Attempt.cutHosts()
	if len(hosts) == 0 {
		return RollbackReport{Mechanism: MechanismNone, Success: true, Message: "no host was cut over"}, nil
	}

	var (
		mu       sync.Mutex
		reverted []string
		restore  []string
		errs     []error
	)
	var wg sync.WaitGroup
	for _, name := range hosts {
		prev, _ := c.Attempt.previous(name)
		if prev == "" {
			restore = append(restore, name)
			continue
		}
		wg.Add(1)
		go func(name, prev string) {
			defer wg.Done()
			err := c.layout().switchTo(ctx, c.Channel, c.host(name), prev)
			c.observe("rollback", err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &RollbackError{Mechanism: MechanismSymlinkRevert, Host: name, Err: err})
				return
			}
			c.Attempt.rollBack(name)
			reverted = append(reverted, name)
		}(name, prev)
	}
	wg.Wait()

	rep := RollbackReport{Mechanism: MechanismSymlinkRevert}
	if len(restore) > 0 {
		rep.Mechanism = MechanismFileRestore
		if err := c.restoreBackup(ctx); err != nil {
			errs = append(errs, err)
		} else {
			for _, name := range restore {
				c.Attempt.rollBack(name)
				reverted = append(reverted, name)
			}
		}
	}
	slices.Sort(reverted)
	rep.Hosts = reverted
	if len(errs) > 0 {
		err := errors.Join(errs...)
		rep.Message = err.Error()
		return rep, err
	}
	rep.Success = true
	rep.Message = fmt.Sprintf("%d host(s) reverted", len(reverted))
	return rep, nil
}

func (c *Campaign) restoreBackup(ctx context.Context) error {
	handle := c.Attempt.Backup()
	if handle.IsZero() || c.Backup == nil {
		return &RollbackError{Mechanism: MechanismFileRestore,
			Err: errors.New("no previous release to revert to and no backup handle")}
	}
	if !c.Attempt.markRestored() {
		return nil
	}
	if err := c.Backup.Restore(ctx, handle); err != nil {
		c.Attempt.unmarkRestored()
		return &RollbackError{Mechanism: MechanismFileRestore, Err: err}
	}
	c.Logger.Info("backup restored", "project", c.Env.Project, "env", c.Env.Name, "snapshot", handle.ID)
	return nil
}

// StrategyRegistry holds the closed set of strategies.
type StrategyRegistry struct {
	strategies map[string]Strategy
}

// NewStrategyRegistry creates a registry with the built-in strategies.
func NewStrategyRegistry(logger *slog.Logger) *StrategyRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &StrategyRegistry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		NewAtomicStrategy(logger),
		NewRollingStrategy(logger),
		NewBlueGreenStrategy(logger),
	} {
		r.strategies[s.Name()] = s
	}
	return r
}

// Get returns the strategy with the given name, or false if not found.
func (r *StrategyRegistry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns the sorted names of all strategies.
func (r *StrategyRegistry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func hostAction(restore bool) string {
	if restore {
		return "switch"
	}
	return "sync+switch"
}

func releasePath(l Layout, artifact string) string {
	if artifact == "" {
		return path.Join(l.Releases(), "<new>")
	}
	return l.Release(artifact)
}
