package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployctl/backup"
	"github.com/GoCodeAlone/deployctl/config"
	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/hooks"
	"github.com/GoCodeAlone/deployctl/ledger"
	"github.com/GoCodeAlone/deployctl/observability"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/router"
	"github.com/GoCodeAlone/deployctl/scale"
)

const (
	DefaultProbeTimeout    = 10 * time.Second
	DefaultRollbackTimeout = 5 * time.Minute
	defaultRevision        = "unknown"
)

// ConfigStore resolves a project and environment name to its configuration.
type ConfigStore interface {
	Environment(project, env string) (*config.Environment, error)
}

// BackupFactory builds the backup coordinator of an environment.
type BackupFactory func(env *config.Environment, ch remote.Channel) (backup.Coordinator, error)

// RouterFactory builds the traffic router of a blue-green environment.
type RouterFactory func(ctx context.Context, env *config.Environment, ch remote.Channel) (router.Router, error)

// Deps are the Engine's collaborators. Configs, Ledger and Channel are
// required; the rest have defaults.
type Deps struct {
	Configs ConfigStore
	Ledger  *ledger.Ledger
	// Channel reaches the hosts; Local runs local hooks and checks.
	Channel remote.Channel
	Local   remote.Channel

	HTTPClient *http.Client
	Querier    health.DataQuerier
	Backups    BackupFactory
	Routers    RouterFactory

	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	ProbeTimeout    time.Duration
	RollbackTimeout time.Duration
	Now             func() time.Time
}

// Engine drives deployment campaigns through the lifecycle state machine.
type Engine struct {
	deps       Deps
	strategies *StrategyRegistry
	logger     *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Local == nil {
		deps.Local = remote.NewLocalChannel()
	}
	if deps.Backups == nil {
		deps.Backups = func(env *config.Environment, ch remote.Channel) (backup.Coordinator, error) {
			return backup.NewCommandCoordinator(ch, env.Primary(), env.Backup, logger), nil
		}
	}
	if deps.Routers == nil {
		deps.Routers = func(ctx context.Context, env *config.Environment, ch remote.Channel) (router.Router, error) {
			return router.New(ctx, env.BlueGreen.Router, router.Deps{Channel: ch, Host: env.Primary(), Logger: logger})
		}
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer(nil)
	}
	if deps.ProbeTimeout == 0 {
		deps.ProbeTimeout = DefaultProbeTimeout
	}
	if deps.RollbackTimeout == 0 {
		deps.RollbackTimeout = DefaultRollbackTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{deps: deps, strategies: NewStrategyRegistry(logger), logger: logger}
}

// Strategies returns the registry the Engine selects from.
func (e *Engine) Strategies() *StrategyRegistry { return e.strategies }

// execution is the call stack of one Run.
type execution struct {
	e       *Engine
	req     Request
	env     *config.Environment
	strat   Strategy
	att     *Attempt
	c       *Campaign
	rec     *ledger.Record
	target  *ledger.Record
	res     *Result
	checker *health.Checker
	hooks   *hooks.Runner
	logger  *slog.Logger
}

// Run executes one deployment campaign and reports its outcome. It never
// returns a nil Result; errors are carried in Result.Err and Result.Errors.
func (e *Engine) Run(ctx context.Context, req Request) *Result {
	x := &execution{
		e:      e,
		req:    req,
		att:    newAttempt(nil),
		res:    &Result{Project: req.Project, Env: req.Env, StartedAt: e.deps.Now()},
		logger: e.logger.With("project", req.Project, "env", req.Env),
	}

	ctx, span := e.deps.Tracer.StartCampaign(ctx, observability.Campaign{
		Project: req.Project, Env: req.Env, Strategy: req.Strategy,
		Release: req.Options.TargetRelease, DryRun: req.Options.DryRun,
	})
	x.execute(ctx)
	x.finish()
	observability.End(span, x.res.Err)
	return x.res
}

func (x *execution) execute(ctx context.Context) {
	if err := x.phase(ctx, StateValidating, x.validate); err != nil {
		x.abort(ctx, StateValidating, err)
		return
	}

	timeout := x.env.Timeout
	if x.req.Options.Timeout > 0 {
		timeout = x.req.Options.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if x.req.Options.DryRun {
		if err := x.plan(ctx); err != nil {
			x.abort(ctx, StateValidating, err)
			return
		}
		x.att.enter(StatePlanned)
		return
	}

	if err := x.recordPending(ctx); err != nil {
		x.abort(ctx, StateValidating, err)
		return
	}

	if x.backupEnabled() {
		if err := x.phase(ctx, StateBackingUp, x.backup); err != nil {
			x.abort(ctx, StateBackingUp, err)
			return
		}
	}
	if err := x.phase(ctx, StatePreHooks, x.preHooks); err != nil {
		x.abort(ctx, StatePreHooks, err)
		return
	}
	if err := x.phase(ctx, StateSyncing, x.synchronize); err != nil {
		x.undo(ctx, StateSyncing, err)
		return
	}
	if err := x.phase(ctx, StateCuttingOver, func(ctx context.Context) error {
		return x.strat.Cutover(ctx, x.c)
	}); err != nil {
		x.undo(ctx, StateCuttingOver, err)
		return
	}
	if err := x.phase(ctx, StatePostHooks, x.postHooks); err != nil {
		x.undo(ctx, StatePostHooks, err)
		return
	}
	if err := x.phase(ctx, StateHealthChecking, x.healthCheck); err != nil {
		x.undo(ctx, StateHealthChecking, err)
		return
	}
	if err := x.commit(ctx); err != nil {
		x.undo(ctx, StateHealthChecking, err)
		return
	}
	x.att.enter(StateCommitted)
	x.prune(ctx)
}

// phase enters state and runs fn inside a span.
func (x *execution) phase(ctx context.Context, state State, fn func(context.Context) error) error {
	x.att.enter(state)
	x.logger.Debug("phase starting", "phase", state)
	ctx, span := x.e.deps.Tracer.StartPhase(ctx, strings.ToLower(string(state)))
	start := time.Now()
	err := fn(ctx)
	x.e.deps.Metrics.ObservePhase(strings.ToLower(string(state)), time.Since(start))
	observability.End(span, err)
	return err
}

func (x *execution) validate(ctx context.Context) error {
	d := x.e.deps
	env, err := d.Configs.Environment(x.req.Project, x.req.Env)
	if err != nil {
		return &ConfigurationError{Err: err}
	}
	x.env = env

	name := x.req.Strategy
	if name == "" {
		name = env.Strategy
	}
	x.res.Strategy = name
	strat, ok := x.e.strategies.Get(name)
	if !ok {
		return &ConfigurationError{Err: fmt.Errorf("unknown strategy %q (want one of %s)",
			name, strings.Join(x.e.strategies.List(), ", "))}
	}
	x.strat = strat

	if len(env.Hosts) == 0 {
		return &ConfigurationError{Err: errors.New("environment has no hosts")}
	}
	for _, h := range env.Hosts {
		if h.Address == "" {
			return &ConfigurationError{Host: h.ID(), Err: errors.New("address is required")}
		}
	}
	x.att = newAttempt(env.Hosts)
	x.att.enter(StateValidating)

	switch name {
	case config.StrategyBlueGreen:
		if env.BlueGreen == nil {
			return &ConfigurationError{Err: errors.New("blue_green strategy needs a blue_green section")}
		}
	default:
		if env.DeployPath == "" {
			return &ConfigurationError{Err: fmt.Errorf("%s strategy needs deploy_path", name)}
		}
	}

	ch := remote.Channel(remote.WithRetry(d.Channel, env.RetryPolicy(), x.logger))
	if lim := remote.PerSecond(env.OpsPerSecond); lim != nil {
		ch = remote.Throttle(ch, lim)
	}

	x.c = &Campaign{
		Env:      env,
		Source:   env.Source,
		Excludes: append(append([]string(nil), env.Excludes...), x.req.Options.Excludes...),
		Attempt:  x.att,
		Channel:  ch,
		Verify:   x.verify,
		Logger:   x.logger,
		Metrics:  d.Metrics,
		Tracer:   d.Tracer,
	}
	if id := x.req.Options.TargetRelease; id != "" {
		if err := x.resolveTarget(ctx, id); err != nil {
			return err
		}
	}
	if name == config.StrategyBlueGreen {
		r, err := d.Routers(ctx, env, ch)
		if err != nil {
			return &ConfigurationError{Err: fmt.Errorf("router: %w", err)}
		}
		x.c.Router = r
		if err := x.chooseColors(ctx); err != nil {
			return err
		}
	}

	x.checker = health.NewChecker(health.Options{
		HTTPClient: d.HTTPClient,
		Channel:    ch,
		Local:      d.Local,
		Querier:    d.Querier,
		Policy:     env.RetryPolicy(),
	}, x.logger)
	x.hooks = hooks.NewRunner(d.Local, ch, x.logger)

	if env.MultiHost() {
		return x.probeHosts(ctx, ch)
	}
	return nil
}

// resolveTarget checks that id names a release of this environment that
// was live once, and points the campaign at its directory.
func (x *execution) resolveTarget(ctx context.Context, id string) error {
	l := x.e.deps.Ledger
	rec, err := l.Get(ctx, id)
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("target release %s: %w", id, err)}
	}
	if rec.Project != x.env.Project || rec.Env != x.env.Name {
		return &ConfigurationError{Err: fmt.Errorf("target release %s belongs to %s/%s", id, rec.Project, rec.Env)}
	}
	if rec.Status != ledger.StatusSuperseded {
		return &ConfigurationError{Err: fmt.Errorf("target release %s is %s; only superseded releases can be re-activated", id, rec.Status)}
	}
	artifact := rec
	for range 16 {
		if artifact.RestoredFrom == "" {
			break
		}
		if artifact, err = l.Get(ctx, artifact.RestoredFrom); err != nil {
			return &ConfigurationError{Err: fmt.Errorf("target release %s: %w", id, err)}
		}
	}
	x.target = &rec
	x.c.Artifact = artifact.ID
	x.c.Restore = true
	x.c.Release.Revision = rec.Revision
	return nil
}

// chooseColors decides which color a blue-green campaign deploys into. A
// new release goes into the idle color once its grace period is over; a
// re-activation goes back to the color that still holds the target.
func (x *execution) chooseColors(ctx context.Context) error {
	active, err := x.c.Router.Active(ctx)
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("router: read active color: %w", err)}
	}
	if x.target != nil {
		next := router.Color(x.target.Color)
		if !next.Valid() {
			return &ConfigurationError{Err: fmt.Errorf("target release %s has no recorded color", x.target.ID)}
		}
		if next == active {
			return &ConfigurationError{Err: fmt.Errorf("target release %s: color %s is already serving traffic", x.target.ID, next)}
		}
		by, err := x.redeployedBy(ctx, x.target)
		if err != nil {
			return &ConfigurationError{Err: fmt.Errorf("target release %s: %w", x.target.ID, err)}
		}
		if by != "" {
			return &ConfigurationError{Err: fmt.Errorf("color %s no longer holds release %s; release %s was deployed over it", next, x.target.ID, by)}
		}
		x.att.setColors(active, next)
		return nil
	}

	next := active.Other()
	if !x.req.Options.ReplaceRetained {
		until, err := x.retainedUntil(ctx)
		if err != nil {
			return &ConfigurationError{Err: err}
		}
		if x.e.deps.Now().Before(until) {
			return &ConfigurationError{Err: fmt.Errorf("color %s is retained for rollback until %s; wait for the grace period to end or replace it explicitly",
				next, until.Format(time.RFC3339))}
		}
	}
	x.att.setColors(active, next)
	return nil
}

// retainedUntil returns when the previous color stops being the rollback
// target of the live blue-green release. It is zero when nothing is retained.
func (x *execution) retainedUntil(ctx context.Context) (time.Time, error) {
	live, err := x.e.deps.Ledger.Active(ctx, x.env.Project, x.env.Name)
	if errors.Is(err, ledger.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read live release: %w", err)
	}
	if live.Color == "" {
		return time.Time{}, nil
	}
	return live.UpdatedAt.Add(x.env.BlueGreen.GracePeriod), nil
}

// redeployedBy returns the first release synced into target's color after
// target, or "" when the color still holds it. Re-activations move no files.
func (x *execution) redeployedBy(ctx context.Context, target *ledger.Record) (string, error) {
	recs, err := x.e.deps.Ledger.History(ctx, x.env.Project, x.env.Name, 0)
	if err != nil {
		return "", err
	}
	by := ""
	for _, r := range recs {
		if r.ID == target.ID {
			return by, nil
		}
		if r.Color == target.Color && r.RestoredFrom == "" {
			by = r.ID
		}
	}
	return "", fmt.Errorf("%w: %s", ledger.ErrNotFound, target.ID)
}

// probeHosts checks every host accepts commands before anything is touched.
func (x *execution) probeHosts(ctx context.Context, ch remote.Channel) error {
	tasks := make([]scale.Task, 0, len(x.env.Hosts))
	for _, h := range x.env.Hosts {
		tasks = append(tasks, scale.Task{Key: h.ID(), Execute: func(ctx context.Context) error {
			return remote.Probe(ctx, ch, h, x.e.deps.ProbeTimeout)
		}})
	}
	var errs []error
	first := ""
	for _, r := range scale.NewHostPool(scale.HostPoolConfig{}, x.logger).Run(ctx, tasks, nil) {
		if r.Err != nil {
			if first == "" {
				first = r.Key
			}
			errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Err))
		}
	}
	if len(errs) > 0 {
		return &ConfigurationError{Host: first, Err: fmt.Errorf("%d host(s) unreachable: %w", len(errs), errors.Join(errs...))}
	}
	return nil
}

func (x *execution) plan(ctx context.Context) error {
	p, err := x.strat.DescribePlan(ctx, x.c)
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("plan: %w", err)}
	}
	if x.c.Restore {
		p.Restore = x.c.Artifact
	}
	p.Backup = x.backupEnabled()
	for _, h := range x.preHookList() {
		p.PreHooks = append(p.PreHooks, h.Name)
	}
	for _, h := range x.postHookList() {
		p.PostHooks = append(p.PostHooks, h.Name)
	}
	for _, c := range x.env.Health.Checks {
		p.Checks = append(p.Checks, c.Name)
	}
	x.res.Plan = p
	return nil
}

func (x *execution) recordPending(ctx context.Context) error {
	revision := x.req.Options.Revision
	if revision == "" {
		revision = x.c.Release.Revision
	}
	if revision == "" {
		revision = defaultRevision
	}
	var opts []ledger.PendingOption
	if x.c.Restore {
		opts = append(opts, ledger.RestoredFrom(x.req.Options.TargetRelease))
	}
	if _, next := x.att.colors(); next != "" {
		opts = append(opts, ledger.InColor(string(next)))
	}
	rec, err := x.e.deps.Ledger.RecordPending(ctx, x.env.Project, x.env.Name, revision, opts...)
	if err != nil {
		return err
	}
	x.rec = &rec
	x.c.Release = rec
	if !x.c.Restore {
		x.c.Artifact = rec.ID
	}
	x.logger = x.logger.With("release", rec.ID)
	x.c.Logger = x.logger
	x.logger.Info("deployment started", "strategy", x.strat.Name(), "revision", revision, "hosts", len(x.env.Hosts))
	return nil
}

func (x *execution) backupEnabled() bool {
	return x.env.Backup.Enabled && !x.req.Options.SkipBackup
}

func (x *execution) backup(ctx context.Context) error {
	coord, err := x.e.deps.Backups(x.env, x.c.Channel)
	if err != nil {
		return &BackupError{Err: err}
	}
	x.c.Backup = coord

	bctx, cancel := context.WithTimeout(ctx, x.env.Backup.EffectiveTimeout())
	defer cancel()
	handle, err := coord.CreateSnapshot(bctx, x.env.Project, x.env.Name)
	if err != nil {
		berr := &BackupError{Err: err}
		if x.env.Backup.AllowFailure || x.req.Options.AllowBackupFailure {
			x.logger.Warn("backup failed, continuing without a snapshot", "error", err)
			x.att.addErrors(details(berr, StateBackingUp))
			return nil
		}
		return berr
	}
	x.att.setBackup(handle)
	if err := x.e.deps.Ledger.AttachBackup(ctx, x.rec.ID, handle.ID); err != nil {
		x.logger.Warn("could not record backup handle", "snapshot", handle.ID, "error", err)
	}
	x.logger.Info("backup created", "snapshot", handle.ID)
	return nil
}

func (x *execution) hookContext(phase State, dir string) hooks.Context {
	return hooks.Context{
		Project:    x.env.Project,
		Env:        x.env.Name,
		Release:    x.c.Release.ID,
		Revision:   x.c.Release.Revision,
		Phase:      strings.ToLower(string(phase)),
		DeployPath: dir,
		LocalDir:   x.env.Source,
		Primary:    x.primary(),
	}
}

// primary is where run_on: primary hooks run: the first host of the new
// color for blue-green, the first host otherwise.
func (x *execution) primary() remote.Host {
	if _, next := x.att.colors(); next != "" {
		return x.env.ColorPrimary(next)
	}
	return x.env.Primary()
}

func (x *execution) preHookList() []hooks.Hook {
	var list []hooks.Hook
	if x.req.Options.BuildAssets && x.env.BuildCommand != "" && !x.c.Restore {
		list = append(list, hooks.Hook{Name: "build", Command: x.env.BuildCommand, OnFailure: hooks.Abort, RunOn: hooks.RunLocal})
	}
	return append(list, x.env.Hooks.PreDeploy...)
}

func (x *execution) postHookList() []hooks.Hook {
	var list []hooks.Hook
	if x.req.Options.RunMigrations && x.env.MigrateCommand != "" {
		list = append(list, hooks.Hook{Name: "migrate", Command: x.env.MigrateCommand, OnFailure: hooks.Abort, RunOn: hooks.RunPrimary})
	}
	return append(list, x.env.Hooks.PostDeploy...)
}

func (x *execution) runHooks(ctx context.Context, phase State, list []hooks.Hook, dir string) error {
	if len(list) == 0 {
		return nil
	}
	rep := x.hooks.Run(ctx, list, x.hookContext(phase, dir))
	x.att.addHooks(rep.Results)
	if !rep.Aborted {
		return nil
	}
	return &HookError{Phase: phase, Result: rep.AbortedBy, Err: rep.Err}
}

func (x *execution) preHooks(ctx context.Context) error {
	return x.runHooks(ctx, StatePreHooks, x.preHookList(), x.env.DeployPath)
}

// livePath is where post-deploy hooks run on the primary host.
func (x *execution) livePath() string {
	if x.env.BlueGreen != nil && x.strat.Name() == config.StrategyBlueGreen {
		_, next := x.att.colors()
		return x.env.BlueGreen.Colors[next].Path
	}
	return Layout{Root: x.env.DeployPath}.Current()
}

func (x *execution) postHooks(ctx context.Context) error {
	return x.runHooks(ctx, StatePostHooks, x.postHookList(), x.livePath())
}

func (x *execution) synchronize(ctx context.Context) error {
	err := x.strat.Synchronize(ctx, x.c)
	var se *SyncError
	if errors.As(err, &se) && se.Partial && x.req.Options.AcceptPartial {
		x.logger.Warn("accepting partial rollout",
			"updated", x.att.hostsIn(HostLive, HostVerified),
			"not_updated", x.att.hostsIn(HostNotAttempted, HostFailed))
		x.res.Partial = true
		x.att.addErrors(details(err, StateSyncing))
		return nil
	}
	return err
}

// verify runs the configured checks against one target and records them.
func (x *execution) verify(ctx context.Context, target health.Target) ([]health.Result, bool) {
	if len(x.env.Health.Checks) == 0 {
		return nil, true
	}
	results := x.checker.Run(ctx, x.env.Health.Checks, target)
	x.att.addHealth(results)
	return results, health.Passed(results, x.env.Health.MinPassRatio)
}

// healthCheck verifies the live release: the environment URL for atomic and
// blue-green, every updated host for rolling. The quorum spans all results.
func (x *execution) healthCheck(ctx context.Context) error {
	updated := x.att.hostsIn(HostLive, HostVerified)
	var targets []health.Target
	if x.strat.Name() == config.StrategyRolling {
		for _, name := range updated {
			h := x.c.host(name)
			url := h.URL
			if url == "" {
				url = x.env.URL
			}
			targets = append(targets, health.Target{Name: name, URL: url, Host: h})
		}
	} else {
		targets = append(targets, health.Target{Name: x.env.Name, URL: x.env.URL, Host: x.primary()})
	}

	var all []health.Result
	for _, t := range targets {
		if len(x.env.Health.Checks) == 0 {
			break
		}
		rs := x.checker.Run(ctx, x.env.Health.Checks, t)
		x.att.addHealth(rs)
		all = append(all, rs...)
	}
	if !health.Passed(all, x.env.Health.MinPassRatio) {
		return &HealthCheckFailure{
			Target:   x.env.Name,
			Failed:   health.Failures(all),
			Ratio:    health.PassRatio(all),
			Required: x.env.Health.MinPassRatio,
		}
	}
	for _, name := range x.att.hostsIn(HostLive) {
		if err := x.att.Advance(name, HostVerified); err != nil {
			x.logger.Warn("host status", "host", name, "error", err)
		}
	}
	return nil
}

func (x *execution) commit(ctx context.Context) error {
	if err := x.e.deps.Ledger.Activate(ctx, x.rec.ID); err != nil {
		return fmt.Errorf("activate release: %w", err)
	}
	if rec, err := x.e.deps.Ledger.Get(ctx, x.rec.ID); err == nil {
		x.rec = &rec
	}
	if x.strat.Name() == config.StrategyBlueGreen && x.env.BlueGreen != nil {
		x.res.RetainUntil = x.e.deps.Now().Add(x.env.BlueGreen.GracePeriod)
	}
	x.logger.Info("release committed", "strategy", x.strat.Name())
	return nil
}

// prune removes old release directories. Failures are only logged.
func (x *execution) prune(ctx context.Context) {
	if x.strat.Name() == config.StrategyBlueGreen || x.env.KeepReleases <= 0 {
		return
	}
	l := x.c.layout()
	for _, name := range x.att.hostsIn(HostLive, HostVerified) {
		prev, _ := x.att.previous(name)
		removed, err := l.prune(ctx, x.c.Channel, x.c.host(name), x.env.KeepReleases, x.c.Artifact, path.Base(prev))
		if err != nil {
			x.logger.Warn("prune failed", "host", name, "error", err)
			continue
		}
		if len(removed) > 0 {
			x.logger.Info("old releases pruned", "host", name, "removed", len(removed))
		}
	}
}

// abort ends an attempt that failed before any host was touched.
func (x *execution) abort(ctx context.Context, phase State, err error) {
	x.logger.Error("deployment failed", "phase", phase, "error", err)
	x.att.addErrors(details(err, phase))
	x.res.Err = err
	x.att.enter(StateFailed)
	x.markLedger(context.WithoutCancel(ctx), ledger.StatusFailed, err)
}

// undo rolls back a failed attempt. A rollback failure ends it FAILED.
func (x *execution) undo(ctx context.Context, phase State, err error) {
	x.logger.Error("deployment failed, rolling back", "phase", phase, "error", err)
	x.att.addErrors(details(err, phase))
	x.res.Err = err
	x.att.enter(StateRollingBack)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.e.deps.RollbackTimeout)
	defer cancel()
	rep, rerr := x.e.rollback(rctx, x.strat, x.c)
	x.res.Rollback = &rep
	x.e.deps.Metrics.RecordRollback(rep.Mechanism)
	if rerr != nil {
		x.logger.Error("rollback failed, manual intervention required", "mechanism", rep.Mechanism, "error", rerr)
		x.att.addErrors(details(rerr, StateRollingBack))
		x.res.Err = errors.Join(err, rerr)
		x.att.enter(StateFailed)
		x.markLedger(rctx, ledger.StatusFailed, x.res.Err)
		return
	}
	x.logger.Warn("deployment rolled back", "mechanism", rep.Mechanism, "hosts", rep.Hosts)
	x.att.enter(StateRolledBack)
	x.markLedger(rctx, ledger.StatusRolledBack, err)
}

func (x *execution) markLedger(ctx context.Context, status ledger.Status, reason error) {
	if x.rec == nil {
		return
	}
	l := x.e.deps.Ledger
	var err error
	if status == ledger.StatusRolledBack {
		err = l.MarkRolledBack(ctx, x.rec.ID, reason.Error())
	} else {
		err = l.MarkFailed(ctx, x.rec.ID, reason.Error())
	}
	if err != nil {
		x.logger.Error("could not record release outcome", "status", status, "error", err)
		return
	}
	if rec, err := l.Get(ctx, x.rec.ID); err == nil {
		x.rec = &rec
	}
}

// rollback undoes c once; later calls return the first successful report
// without touching anything.
func (e *Engine) rollback(ctx context.Context, s Strategy, c *Campaign) (RollbackReport, error) {
	if rep := c.Attempt.rollbackReport(); rep != nil {
		return *rep, nil
	}
	rep, err := s.Rollback(ctx, c)
	if err != nil {
		return rep, err
	}
	c.Attempt.setRollbackReport(rep)
	return rep, nil
}

func (x *execution) finish() {
	r := x.res
	r.State = x.att.State()
	r.Transitions = x.att.Transitions()
	r.Hosts = x.att.outcomes()
	r.Hooks, r.Health, r.Errors = x.att.collected()
	r.Release = x.rec
	if x.att.isPartial() && r.State == StateCommitted {
		r.Partial = true
	}
	r.FinishedAt = x.e.deps.Now()
	r.Summary = r.summarize()
	x.e.deps.Metrics.RecordDeployment(r.Strategy, string(r.State))
	x.logger.Info("deployment finished", "state", r.State, "summary", r.Summary)
}
