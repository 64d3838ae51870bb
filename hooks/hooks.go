// Package hooks runs the ordered lists of external commands configured for
// the pre-deploy and post-deploy lifecycle points.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
)

// FailurePolicy decides what a failing hook does to the surrounding phase.
type FailurePolicy string

const (
	Abort    FailurePolicy = "abort"
	Continue FailurePolicy = "continue"
)

// Target selects where a hook runs.
type Target string

const (
	RunLocal   Target = "local"
	RunPrimary Target = "primary"
)

// DefaultTimeout applies to hooks that do not declare one.
const DefaultTimeout = 5 * time.Minute

// Hook is one configured command.
type Hook struct {
	Name      string        `json:"name" yaml:"name"`
	Command   string        `json:"command" yaml:"command"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	RunOn     Target        `json:"run_on,omitempty" yaml:"run_on,omitempty"`
}

// Validate checks the hook shape.
func (h Hook) Validate() error {
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q: command is required", h.Name)
	}
	switch h.OnFailure {
	case "", Abort, Continue:
	default:
		return fmt.Errorf("hook %q: unknown on_failure %q (want abort or continue)", h.Name, h.OnFailure)
	}
	switch h.RunOn {
	case "", RunLocal, RunPrimary:
	default:
		return fmt.Errorf("hook %q: unknown run_on %q (want local or primary)", h.Name, h.RunOn)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %q: timeout must be positive", h.Name)
	}
	return nil
}

func (h Hook) policy() FailurePolicy {
	if h.OnFailure == "" {
		return Abort
	}
	return h.OnFailure
}

func (h Hook) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return DefaultTimeout
}

func (h Hook) label() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Command
}

// Diagnostics is the structured detail captured for a hook.
type Diagnostics struct {
	Host     string        `json:"host,omitempty"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of one hook.
type Result struct {
	Name        string        `json:"name"`
	Command     string        `json:"command"`
	Phase       string        `json:"phase"`
	Success     bool          `json:"success"`
	Policy      FailurePolicy `json:"on_failure"`
	Message     string        `json:"message"`
	Diagnostics Diagnostics   `json:"diagnostics"`
}

// Fatal reports whether the result aborts the phase.
func (r Result) Fatal() bool { return !r.Success && r.Policy == Abort }

// Report is what Run returns: the results of the hooks that ran, in order,
// and whether an abort-policy failure (or cancellation) stopped the list.
type Report struct {
	Results []Result `json:"results"`
	Aborted bool     `json:"aborted"`
	// AbortedBy is the failing hook's result when Aborted is set by a hook.
	AbortedBy *Result `json:"aborted_by,omitempty"`
	// Err is set when the run stopped because ctx ended.
	Err error `json:"-"`
}

// Context carries the deployment facts exposed to hook commands.
type Context struct {
	Project  string
	Env      string
	Release  string
	Revision string
	Phase    string
	// DeployPath is the release directory on the hosts.
	DeployPath string
	// LocalDir is the working directory for local hooks.
	LocalDir string
	// Primary is the host used for run_on: primary hooks.
	Primary remote.Host
}

// Environment returns the variables exported to every hook.
func (c Context) Environment() map[string]string {
	return map[string]string{
		"DEPLOY_PROJECT":  c.Project,
		"DEPLOY_ENV":      c.Env,
		"DEPLOY_RELEASE":  c.Release,
		"DEPLOY_REVISION": c.Revision,
		"DEPLOY_PHASE":    c.Phase,
		"DEPLOY_PATH":     c.DeployPath,
	}
}

// Runner executes hooks strictly in declared order.
type Runner struct {
	local  remote.Channel
	hosts  remote.Channel
	logger *slog.Logger
}

// NewRunner creates a Runner. local runs run_on: local hooks and hosts runs
// run_on: primary hooks.
func NewRunner(local, hosts remote.Channel, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{local: local, hosts: hosts, logger: logger}
}

// Run executes hooks one after another. A failing hook with the continue
// policy is recorded and the list goes on; a failing hook with the abort
// policy stops the list immediately.
func (r *Runner) Run(ctx context.Context, hooks []Hook, hc Context) Report {
	var rep Report
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			rep.Aborted = true
			rep.Err = err
			return rep
		}
		res := r.runOne(ctx, h, hc)
		rep.Results = append(rep.Results, res)
		if res.Success {
			continue
		}
		if res.Fatal() {
			r.logger.Error("hook failed, aborting phase", "phase", hc.Phase, "hook", res.Name, "message", res.Message)
			rep.Aborted = true
			rep.AbortedBy = &rep.Results[len(rep.Results)-1]
			return rep
		}
		r.logger.Warn("hook failed, continuing", "phase", hc.Phase, "hook", res.Name, "message", res.Message)
	}
	return rep
}

func (r *Runner) runOne(ctx context.Context, h Hook, hc Context) Result {
	res := Result{Name: h.label(), Command: h.Command, Phase: hc.Phase, Policy: h.policy()}

	ch, host, dir := r.local, remote.Host{Name: "local"}, hc.LocalDir
	if h.RunOn == RunPrimary {
		ch, host, dir = r.hosts, hc.Primary, hc.DeployPath
		if host.Address == "" {
			res.Message = "no primary host to run on"
			return res
		}
	}
	if ch == nil {
		res.Message = fmt.Sprintf("no channel configured for run_on %q", h.RunOn)
		return res
	}
	res.Diagnostics.Host = host.ID()

	command := remote.Exports(hc.Environment())
	if dir != "" {
		command += "cd " + remote.Quote(dir) + " && "
	}
	command += h.Command

	timeout := h.timeout()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := ch.Execute(hctx, host, command, timeout)
	res.Diagnostics.Duration = time.Since(start)
	res.Diagnostics.ExitCode = out.ExitCode
	res.Diagnostics.Stdout = out.Stdout
	res.Diagnostics.Stderr = out.Stderr

	switch {
	case err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Message = fmt.Sprintf("timed out after %s", timeout)
	case err != nil:
		res.Message = err.Error()
	case out.ExitCode != 0:
		res.Message = fmt.Sprintf("exited %d", out.ExitCode)
		if s := strings.TrimSpace(out.Stderr); s != "" {
			res.Message += ": " + lastLine(s)
		}
	default:
		res.Success = true
		res.Message = "ok"
	}
	r.logger.Debug("hook finished", "phase", hc.Phase, "hook", res.Name, "success", res.Success,
		"duration", res.Diagnostics.Duration)
	return res
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
