// Package health runs post-deploy (or, for blue-green, pre-cutover)
// verification probes and reduces them to a pass/fail verdict.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/retry"
)

// Kind enumerates the supported probes.
type Kind string

const (
	Reachability  Kind = "reachability"
	DataAssertion Kind = "data_assertion"
	Custom        Kind = "custom"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
	MaxRetries     = 10
)

// Expected describes what a passing probe looks like. Which fields apply
// depends on the check kind.
type Expected struct {
	// Status is the expected HTTP status; zero accepts any 2xx.
	Status int `json:"status,omitempty" yaml:"status,omitempty"`
	// Contains must appear in the response body or command stdout.
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`
	// JQ is evaluated against a JSON response body and must yield a truthy value.
	JQ string `json:"jq,omitempty" yaml:"jq,omitempty"`
	// Expr is evaluated against query results (rows, count, first) and must be true.
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
	// ExitCode is the expected exit code of a custom command.
	ExitCode int `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
}

// Check is one configured probe.
type Check struct {
	Name     string        `json:"name" yaml:"name"`
	Kind     Kind          `json:"kind" yaml:"kind"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries  int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	URL      string        `json:"url,omitempty" yaml:"url,omitempty"`
	Expected Expected      `json:"expected,omitempty" yaml:"expected,omitempty"`
	Query    string        `json:"query,omitempty" yaml:"query,omitempty"`
	DSN      string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Command  string        `json:"command,omitempty" yaml:"command,omitempty"`
}

func (c Check) label() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

func (c Check) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Check) attempts() int {
	return max(c.Retries, 0) + 1
}

// UnmarshalYAML applies DefaultRetries when retries is left out, so that an
// explicit retries: 0 means a single attempt.
func (c *Check) UnmarshalYAML(unmarshal func(any) error) error {
	type plain Check
	p := plain{Retries: DefaultRetries}
	if err := unmarshal(&p); err != nil {
		return err
	}
	*c = Check(p)
	return nil
}

// Validate rejects unknown kinds and missing kind-specific fields.
func (c Check) Validate() error {
	if c.Retries < 0 || c.Retries > MaxRetries {
		return fmt.Errorf("check %q: retries must be between 0 and %d", c.label(), MaxRetries)
	}
	switch c.Kind {
	case Reachability:
		if c.Expected.JQ != "" {
			if _, err := compileJQ(c.Expected.JQ); err != nil {
				return fmt.Errorf("check %q: %w", c.label(), err)
			}
		}
	case DataAssertion:
		if c.Query == "" || c.DSN == "" {
			return fmt.Errorf("check %q: data_assertion requires query and dsn", c.label())
		}
		if c.Expected.Expr != "" {
			if _, err := compileExpr(c.Expected.Expr); err != nil {
				return fmt.Errorf("check %q: %w", c.label(), err)
			}
		}
	case Custom:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("check %q: custom requires command", c.label())
		}
	case "":
		return fmt.Errorf("check %q: kind is required", c.label())
	default:
		return fmt.Errorf("check %q: unknown kind %q (want reachability, data_assertion or custom)", c.label(), c.Kind)
	}
	return nil
}

// Target is what a set of checks runs against: a host, a blue-green color,
// or the environment's public URL.
type Target struct {
	Name string
	// URL is the base for reachability checks with a relative or empty url.
	URL string
	// Host runs custom commands. A zero Host runs them locally.
	Host remote.Host
}

// Result is the outcome of one check against one target.
type Result struct {
	Check       string         `json:"check"`
	Kind        Kind           `json:"kind"`
	Target      string         `json:"target"`
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Attempts    int            `json:"attempts"`
	Duration    time.Duration  `json:"duration"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Options configures a Checker.
type Options struct {
	HTTPClient *http.Client
	// Channel runs custom checks on hosts; Local runs them when the target
	// has no host.
	Channel remote.Channel
	Local   remote.Channel
	Querier DataQuerier
	// Policy supplies the backoff shape; each check's retries override
	// MaxAttempts. The zero value is linear backoff from one second.
	Policy retry.Policy
}

// Checker runs checks with per-check timeouts and bounded retries.
type Checker struct {
	client  *http.Client
	channel remote.Channel
	local   remote.Channel
	querier DataQuerier
	policy  retry.Policy
	logger  *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(opts Options, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Policy.Backoff == "" {
		opts.Policy.Backoff = retry.BackoffLinear
	}
	if opts.Policy.BaseDelay == 0 {
		opts.Policy.BaseDelay = time.Second
	}
	return &Checker{
		client:  opts.HTTPClient,
		channel: opts.Channel,
		local:   opts.Local,
		querier: opts.Querier,
		policy:  opts.Policy,
		logger:  logger,
	}
}

// probeFailure is a failed probe with structured detail.
type probeFailure struct {
	msg  string
	diag map[string]any
}

func (f *probeFailure) Error() string { return f.msg }

func failf(diag map[string]any, format string, args ...any) error {
	return &probeFailure{msg: fmt.Sprintf(format, args...), diag: diag}
}

// Run executes every check against target, in order.
func (c *Checker) Run(ctx context.Context, checks []Check, target Target) []Result {
	results := make([]Result, 0, len(checks))
	for _, chk := range checks {
		results = append(results, c.runOne(ctx, chk, target))
	}
	return results
}

func (c *Checker) runOne(ctx context.Context, chk Check, target Target) Result {
	res := Result{Check: chk.label(), Kind: chk.Kind, Target: target.Name}
	policy := c.policy
	policy.MaxAttempts = chk.attempts()

	start := time.Now()
	var diag map[string]any
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		actx, cancel := context.WithTimeout(ctx, chk.timeout())
		defer cancel()
		d, err := c.probe(actx, chk, target)
		diag = d
		if err != nil && actx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("timed out after %s: %w", chk.timeout(), err)
		}
		return err
	})
	res.Duration = time.Since(start)
	res.Diagnostics = diag
	if err != nil {
		res.Message = err.Error()
		c.logger.Warn("health check failed", "check", res.Check, "target", target.Name,
			"attempts", res.Attempts, "error", err)
		return res
	}
	res.Success = true
	res.Message = "ok"
	return res
}

func (c *Checker) probe(ctx context.Context, chk Check, target Target) (map[string]any, error) {
	var err error
	switch chk.Kind {
	case Reachability:
		err = c.reachability(ctx, chk, target)
	case DataAssertion:
		err = c.dataAssertion(ctx, chk)
	case Custom:
		err = c.custom(ctx, chk, target)
	default:
		err = retry.Permanent(fmt.Errorf("unknown check kind %q", chk.Kind))
	}
	var pf *probeFailure
	if errors.As(err, &pf) {
		return pf.diag, err
	}
	return nil, err
}

func (c *Checker) custom(ctx context.Context, chk Check, target Target) error {
	ch := c.channel
	if target.Host.Address == "" {
		ch = c.local
	}
	if ch == nil {
		return retry.Permanent(fmt.Errorf("no channel to run custom check"))
	}
	out, err := ch.Execute(ctx, target.Host, chk.Command, chk.timeout())
	if err != nil {
		return err
	}
	diag := map[string]any{"exit_code": out.ExitCode, "stdout": truncate(out.Stdout), "stderr": truncate(out.Stderr)}
	if out.ExitCode != chk.Expected.ExitCode {
		return failf(diag, "command exited %d, expected %d", out.ExitCode, chk.Expected.ExitCode)
	}
	if chk.Expected.Contains != "" && !strings.Contains(out.Stdout, chk.Expected.Contains) {
		return failf(diag, "output does not contain %q", chk.Expected.Contains)
	}
	return nil
}

const maxDiagnostic = 2048

func truncate(s string) string {
	if len(s) > maxDiagnostic {
		return s[:maxDiagnostic] + "..."
	}
	return s
}

// PassRatio returns the fraction of successful results. An empty set passes.
func PassRatio(results []Result) float64 {
	if len(results) == 0 {
		return 1
	}
	passed := 0
	for _, r := range results {
		if r.Success {
			passed++
		}
	}
	return float64(passed) / float64(len(results))
}

// Passed reports whether results meet the quorum minRatio. A non-positive
// minRatio requires every result to pass.
func Passed(results []Result, minRatio float64) bool {
	if minRatio <= 0 || minRatio > 1 {
		minRatio = 1
	}
	return PassRatio(results) >= minRatio
}

// Failures returns the failed results.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}
