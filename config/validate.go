package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/GoCodeAlone/deployctl/router"
)

// ValidationError reports one invalid field.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return e.Path + ": " + e.Msg
}

type validator struct {
	errs []error
}

func (v *validator) add(path, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{Path: path, Msg: fmt.Sprintf(format, args...)})
}

func (v *validator) wrap(path string, err error) {
	if err != nil {
		v.errs = append(v.errs, &ValidationError{Path: path, Msg: err.Error()})
	}
}

// Validate checks the whole configuration and returns every problem found,
// joined.
func (c *Config) Validate() error {
	v := &validator{}
	switch c.Ledger.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Ledger.DSN == "" {
			v.add("ledger.dsn", "required for driver %q", c.Ledger.Driver)
		}
	default:
		v.add("ledger.driver", "unknown driver %q (want memory, sqlite or postgres)", c.Ledger.Driver)
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.Address == "" {
			v.add("lock.address", "required for driver redis")
		}
	case "postgres":
		if c.Lock.DSN == "" {
			v.add("lock.dsn", "required for driver postgres")
		}
	default:
		v.add("lock.driver", "unknown driver %q (want memory, redis or postgres)", c.Lock.Driver)
	}
	if r := c.Telemetry.SampleRate; r < 0 || r > 1 {
		v.add("telemetry.sample_rate", "must be between 0 and 1")
	}

	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, pname := range names {
		p := c.Projects[pname]
		ppath := "projects." + pname
		if p == nil || len(p.Environments) == 0 {
			v.add(ppath, "at least one environment is required")
			continue
		}
		envs := make([]string, 0, len(p.Environments))
		for name := range p.Environments {
			envs = append(envs, name)
		}
		slices.Sort(envs)
		for _, ename := range envs {
			epath := ppath + ".environments." + ename
			if p.Environments[ename] == nil {
				v.add(epath, "empty environment")
				continue
			}
			p.Environments[ename].validate(v, epath)
		}
	}
	return errors.Join(v.errs...)
}

func (e *Environment) validate(v *validator, path string) {
	switch e.Strategy {
	case StrategyAtomic, StrategyRolling, StrategyBlueGreen:
	default:
		v.add(path+".strategy", "unknown strategy %q (want atomic, rolling or blue_green)", e.Strategy)
	}
	if e.DeployPath == "" && e.Strategy != StrategyBlueGreen {
		v.add(path+".deploy_path", "required")
	}
	if e.KeepReleases < 1 {
		v.add(path+".keep_releases", "must be at least 1")
	}
	if e.Timeout < 0 {
		v.add(path+".timeout", "must be positive")
	}
	if e.OpsPerSecond < 0 {
		v.add(path+".ops_per_second", "must not be negative")
	}
	if e.Retry != nil {
		v.wrap(path+".retry", e.Retry.Validate())
	}

	if len(e.Hosts) == 0 {
		v.add(path+".hosts", "at least one host is required")
	}
	seen := map[string]bool{}
	for i, h := range e.Hosts {
		hpath := fmt.Sprintf("%s.hosts[%d]", path, i)
		if strings.TrimSpace(h.Address) == "" {
			v.add(hpath+".address", "required")
			continue
		}
		if seen[h.ID()] {
			v.add(hpath, "duplicate host %q", h.ID())
		}
		seen[h.ID()] = true
	}

	r := e.Rolling
	if r.BatchSize < 0 {
		v.add(path+".rolling.batch_size", "must not be negative")
	}
	if r.MaxParallel < 0 {
		v.add(path+".rolling.max_parallel", "must not be negative")
	}
	if r.MaxFailureRate < 0 || r.MaxFailureRate > 1 {
		v.add(path+".rolling.max_failure_rate", "must be between 0 and 1")
	}

	if e.Strategy == StrategyBlueGreen {
		bg := e.BlueGreen
		if bg == nil {
			v.add(path+".blue_green", "required for strategy blue_green")
		} else {
			for _, c := range []router.Color{router.Blue, router.Green} {
				cc, ok := bg.Colors[c]
				if !ok || cc.Path == "" {
					v.add(fmt.Sprintf("%s.blue_green.colors.%s.path", path, c), "required")
				}
			}
			for c, cc := range bg.Colors {
				if !c.Valid() {
					v.add(path+".blue_green.colors", "unknown color %q", c)
					continue
				}
				if cc.Role != "" && len(e.ColorHosts(c)) == 0 {
					v.add(fmt.Sprintf("%s.blue_green.colors.%s.role", path, c), "no host has role %q", cc.Role)
				}
			}
			if (bg.Colors[router.Blue].Role == "") != (bg.Colors[router.Green].Role == "") {
				v.add(path+".blue_green.colors", "either both colors or neither set a role")
			}
			if bg.GracePeriod < 0 {
				v.add(path+".blue_green.grace_period", "must be positive")
			}
			v.wrap(path+".blue_green.router", bg.Router.Validate())
		}
	}

	v.wrap(path+".backup", e.Backup.Validate())
	for i, h := range e.Hooks.PreDeploy {
		v.wrap(fmt.Sprintf("%s.hooks.pre_deploy[%d]", path, i), h.Validate())
	}
	for i, h := range e.Hooks.PostDeploy {
		v.wrap(fmt.Sprintf("%s.hooks.post_deploy[%d]", path, i), h.Validate())
	}
	if m := e.Health.MinPassRatio; m < 0 || m > 1 {
		v.add(path+".health.min_pass_ratio", "must be between 0 and 1")
	}
	for i, c := range e.Health.Checks {
		v.wrap(fmt.Sprintf("%s.health.checks[%d]", path, i), c.Validate())
	}
}
