package deploy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/hooks"
	"github.com/GoCodeAlone/deployctl/ledger"
	"github.com/GoCodeAlone/deployctl/remote"
)

// ErrorDetail is the flattened, machine-readable form of a terminal error.
type ErrorDetail struct {
	Kind     string `json:"kind"`
	Phase    State  `json:"phase"`
	Host     string `json:"host,omitempty"`
	Check    string `json:"check,omitempty"`
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Message  string `json:"message"`
}

// ConfigurationError means the environment or its hosts could not be
// resolved. Nothing has been touched when it is returned.
type ConfigurationError struct {
	Host string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("configuration: host %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BackupError means the pre-flight snapshot could not be created.
type BackupError struct {
	Err error
}

func (e *BackupError) Error() string { return fmt.Sprintf("backup: %v", e.Err) }

func (e *BackupError) Unwrap() error { return e.Err }

// HookError is an abort-policy hook failure, or a hook list cut short by
// cancellation.
type HookError struct {
	Phase  State
	Result *hooks.Result
	Err    error
}

func (e *HookError) Error() string {
	if e.Result != nil {
		return fmt.Sprintf("%s hook %q failed: %s", strings.ToLower(string(e.Phase)), e.Result.Name, e.Result.Message)
	}
	return fmt.Sprintf("%s hooks interrupted: %v", strings.ToLower(string(e.Phase)), e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// HostFailure is one host's error.
type HostFailure struct {
	Host string
	Err  error
}

// SyncError aggregates per-host synchronization failures. Partial is set
// when some hosts were updated and the rest were not.
type SyncError struct {
	Failures []HostFailure
	Partial  bool
	// Halted is set when a rolling deployment stopped before its last batch.
	Halted bool
}

func (e *SyncError) Error() string {
	hosts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		hosts = append(hosts, f.Host)
	}
	msg := fmt.Sprintf("sync failed on %d host(s) [%s]", len(e.Failures), strings.Join(hosts, ", "))
	if e.Halted {
		msg += "; rollout halted"
	}
	if len(e.Failures) > 0 {
		msg += ": " + e.Failures[0].Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// CutoverError means the switch to the new release failed.
type CutoverError struct {
	Host string
	Err  error
}

func (e *CutoverError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("cutover on %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("cutover: %v", e.Err)
}

func (e *CutoverError) Unwrap() error { return e.Err }

// HealthCheckFailure means verification did not reach the required quorum.
type HealthCheckFailure struct {
	Target   string
	Failed   []health.Result
	Ratio    float64
	Required float64
}

func (e *HealthCheckFailure) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		names = append(names, r.Check+"@"+r.Target)
	}
	return fmt.Sprintf("health checks failed on %s: %.0f%% passed, %.0f%% required [%s]",
		e.Target, e.Ratio*100, e.Required*100, strings.Join(names, ", "))
}

// RollbackError is terminal: the attempt could not be undone and needs
// manual intervention.
type RollbackError struct {
	Mechanism string
	Host      string
	Err       error
}

func (e *RollbackError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("rollback (%s) on %s: %v", e.Mechanism, e.Host, e.Err)
	}
	return fmt.Sprintf("rollback (%s): %v", e.Mechanism, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// details flattens err into ErrorDetails tagged with phase.
func details(err error, phase State) []ErrorDetail {
	if err == nil {
		return nil
	}
	d := ErrorDetail{Phase: phase, Message: err.Error()}
	var exit *remote.ExitError
	if errors.As(err, &exit) {
		d.Host, d.Command, d.ExitCode = exit.Host, exit.Command, exit.ExitCode
	}

	var (
		cfgErr  *ConfigurationError
		bErr    *BackupError
		hookErr *HookError
		syncErr *SyncError
		cutErr  *CutoverError
		hcErr   *HealthCheckFailure
		rbErr   *RollbackError
		lcErr   *ledger.ConsistencyError
	)
	switch {
	case errors.As(err, &syncErr):
		out := make([]ErrorDetail, 0, len(syncErr.Failures))
		for _, f := range syncErr.Failures {
			fd := ErrorDetail{Kind: "SyncError", Phase: phase, Host: f.Host, Message: f.Err.Error()}
			var cut *CutoverError
			if errors.As(f.Err, &cut) {
				fd.Kind = "CutoverError"
			}
			var hc *HealthCheckFailure
			if errors.As(f.Err, &hc) {
				fd.Kind = "HealthCheckFailure"
			}
			if errors.As(f.Err, &exit) {
				fd.Command, fd.ExitCode = exit.Command, exit.ExitCode
			}
			out = append(out, fd)
		}
		return out
	case errors.As(err, &hcErr):
		out := make([]ErrorDetail, 0, len(hcErr.Failed))
		for _, r := range hcErr.Failed {
			out = append(out, ErrorDetail{
				Kind: "HealthCheckFailure", Phase: phase, Host: r.Target, Check: r.Check, Message: r.Message,
			})
		}
		if len(out) == 0 {
			d.Kind = "HealthCheckFailure"
			out = append(out, d)
		}
		return out
	case errors.As(err, &hookErr):
		d.Kind = "HookError"
		if r := hookErr.Result; r != nil {
			d.Command = r.Command
			d.Host, d.ExitCode = r.Diagnostics.Host, r.Diagnostics.ExitCode
		}
	case errors.As(err, &cfgErr):
		d.Kind = "ConfigurationError"
		if cfgErr.Host != "" {
			d.Host = cfgErr.Host
		}
	case errors.As(err, &bErr):
		d.Kind = "BackupError"
	case errors.As(err, &rbErr):
		d.Kind = "RollbackError"
		if rbErr.Host != "" {
			d.Host = rbErr.Host
		}
	case errors.As(err, &cutErr):
		d.Kind = "CutoverError"
		if cutErr.Host != "" {
			d.Host = cutErr.Host
		}
	case errors.As(err, &lcErr):
		d.Kind = "LedgerConsistencyError"
	default:
		d.Kind = "Error"
	}
	return []ErrorDetail{d}
}
