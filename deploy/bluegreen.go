package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/router"
)

// BlueGreenStrategy syncs the release into the idle color on every host,
// verifies that color directly, and then flips the router to it. The old
// color stays intact, so rollback is another flip.
type BlueGreenStrategy struct {
	logger *slog.Logger
}

// NewBlueGreenStrategy creates a new BlueGreenStrategy.
func NewBlueGreenStrategy(logger *slog.Logger) *BlueGreenStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlueGreenStrategy{logger: logger}
}

// Name returns the strategy identifier.
func (s *BlueGreenStrategy) Name() string { return "blue_green" }

// colors returns the color serving traffic and the one this campaign
// deploys into. The Engine decides them during validation; without that
// the router's idle color is used.
func (s *BlueGreenStrategy) colors(ctx context.Context, c *Campaign) (active, next router.Color, err error) {
	if active, next = c.Attempt.colors(); next != "" {
		return active, next, nil
	}
	if c.Router == nil {
		return "", "", errors.New("blue_green: no router configured")
	}
	active, err = c.Router.Active(ctx)
	if err != nil {
		return "", "", fmt.Errorf("blue_green: read active color: %w", err)
	}
	return active, active.Other(), nil
}

func (s *BlueGreenStrategy) DescribePlan(ctx context.Context, c *Campaign) (*Plan, error) {
	active, next, err := s.colors(ctx, c)
	if err != nil {
		return nil, err
	}
	p := &Plan{Strategy: s.Name(), Source: c.Source, FromColor: active, ToColor: next}
	action := "sync " + string(next)
	if c.Restore {
		action = "switch " + string(next)
	}
	path := c.Env.BlueGreen.Colors[next].Path
	for _, h := range c.Env.ColorHosts(next) {
		p.Hosts = append(p.Hosts, PlannedHost{Host: h.ID(), Path: path, Action: action})
	}
	return p, nil
}

// Synchronize syncs the idle color on each of its hosts concurrently. The
// active color keeps serving throughout. When a retained release is
// re-activated the color already holds it and is only checked for presence.
func (s *BlueGreenStrategy) Synchronize(ctx context.Context, c *Campaign) error {
	active, next, err := s.colors(ctx, c)
	if err != nil {
		return err
	}
	c.Attempt.setColors(active, next)
	dest := c.Env.BlueGreen.Colors[next].Path
	hosts := c.Env.ColorHosts(next)
	if c.Restore {
		s.logger.Info("re-activating retained color", "project", c.Env.Project, "env", c.Env.Name,
			"active", active, "target", next, "release", c.Artifact)
	} else {
		s.logger.Info("syncing idle color", "project", c.Env.Project, "env", c.Env.Name,
			"active", active, "target", next)
	}

	return eachHost(ctx, c, hosts, 0, func(ctx context.Context, h remote.Host) (err error) {
		defer func() { c.observe("sync", err) }()
		if err := c.advance(h.ID(), HostSyncing); err != nil {
			return err
		}
		if c.Restore {
			if _, err := run(ctx, c.Channel, h, "test -d "+remote.Quote(dest)); err != nil {
				return fmt.Errorf("color %s is no longer present at %s: %w", next, dest, err)
			}
			return c.advance(h.ID(), HostSynced)
		}
		res, err := c.Channel.SyncTree(ctx, h, c.Source, dest, c.Excludes)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%d file(s) failed to transfer to %s", len(res.Failed()), dest)
		}
		return c.advance(h.ID(), HostSynced)
	})
}

// Cutover verifies the idle color and only then points the router at it.
// When verification fails the router is never called.
func (s *BlueGreenStrategy) Cutover(ctx context.Context, c *Campaign) error {
	_, next := c.Attempt.colors()
	colorCfg := c.Env.BlueGreen.Colors[next]

	target := health.Target{Name: string(next), URL: colorCfg.URL, Host: c.Env.ColorPrimary(next)}
	results, ok := c.Verify(ctx, target)
	if !ok {
		return &HealthCheckFailure{
			Target:   string(next),
			Failed:   health.Failures(results),
			Ratio:    health.PassRatio(results),
			Required: c.Env.Health.MinPassRatio,
		}
	}

	hosts := c.Attempt.hostsIn(HostSynced)
	for _, h := range hosts {
		if err := c.advance(h, HostCuttingOver); err != nil {
			return err
		}
	}
	c.Attempt.setRepointed(true)
	err := c.Router.PointTo(ctx, next)
	c.observe("route", err)
	if err != nil {
		return &CutoverError{Err: fmt.Errorf("point router to %s: %w", next, err)}
	}
	s.logger.Info("traffic switched", "project", c.Env.Project, "env", c.Env.Name, "color", next)
	for _, h := range hosts {
		if err := c.advance(h, HostLive); err != nil {
			return err
		}
	}
	return nil
}

// Rollback points the router back at the old color when it was moved.
func (s *BlueGreenStrategy) Rollback(ctx context.Context, c *Campaign) (RollbackReport, error) {
	if !c.Attempt.isRepointed() {
		return RollbackReport{Mechanism: MechanismNone, Success: true, Message: "traffic never left the active color"}, nil
	}
	old, _ := c.Attempt.colors()
	rep := RollbackReport{Mechanism: MechanismTrafficRepoint}
	err := c.Router.PointTo(ctx, old)
	c.observe("rollback", err)
	if err != nil {
		rep.Message = err.Error()
		return rep, &RollbackError{Mechanism: MechanismTrafficRepoint, Err: err}
	}
	for _, h := range c.Attempt.cutHosts() {
		if c.Attempt.rollBack(h) {
			rep.Hosts = append(rep.Hosts, h)
		}
	}
	rep.Success = true
	rep.Message = "traffic returned to " + string(old)
	return rep, nil
}
