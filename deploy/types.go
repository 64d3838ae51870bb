// Package deploy is the deployment orchestration core: the Engine that drives
// one deployment campaign through its lifecycle, and the Atomic, Rolling and
// Blue-Green strategies it delegates host work to.
package deploy

import (
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/hooks"
	"github.com/GoCodeAlone/deployctl/ledger"
)

// State is a lifecycle state of a deployment attempt.
type State string

const (
	StatePending        State = "PENDING"
	StateValidating     State = "VALIDATING"
	StateBackingUp      State = "BACKING_UP"
	StatePreHooks       State = "PRE_HOOKS"
	StateSyncing        State = "SYNCING"
	StateCuttingOver    State = "CUTTING_OVER"
	StatePostHooks      State = "POST_HOOKS"
	StateHealthChecking State = "HEALTH_CHECKING"
	StateCommitted      State = "COMMITTED"
	StateRollingBack    State = "ROLLING_BACK"
	StateRolledBack     State = "ROLLED_BACK"
	StateFailed         State = "FAILED"
	// StatePlanned ends a dry run.
	StatePlanned State = "PLANNED"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateFailed, StatePlanned:
		return true
	}
	return false
}

// Exit codes returned to the calling shell.
const (
	ExitOK         = 0
	ExitUsage      = 1
	ExitRolledBack = 2
	ExitFailed     = 3
)

// Options tune a single request.
type Options struct {
	// BuildAssets runs the environment's build_command before syncing.
	BuildAssets bool `json:"build_assets"`
	// RunMigrations runs the environment's migrate_command after cutover.
	RunMigrations bool `json:"run_migrations"`
	// Excludes are added to the environment's exclude patterns.
	Excludes []string `json:"excludes,omitempty"`
	DryRun   bool     `json:"dry_run"`
	// TargetRelease re-activates a retained release instead of syncing a
	// new one.
	TargetRelease string `json:"target_release,omitempty"`
	// Revision is recorded in the ledger; defaults to "unknown".
	Revision string `json:"revision,omitempty"`
	// SkipBackup disables the pre-flight snapshot for this request.
	SkipBackup bool `json:"skip_backup"`
	// AllowBackupFailure continues when the snapshot cannot be taken.
	AllowBackupFailure bool `json:"allow_backup_failure"`
	// AcceptPartial commits a rolling deployment that halted part way
	// instead of rolling the updated hosts back.
	AcceptPartial bool `json:"accept_partial"`
	// ReplaceRetained lets a blue-green deployment overwrite the previous
	// color before its grace period has run out.
	ReplaceRetained bool `json:"replace_retained"`
	// Timeout overrides the environment's campaign timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Request is the immutable input of one campaign.
type Request struct {
	Project string `json:"project"`
	Env     string `json:"env"`
	// Strategy overrides the environment's configured strategy.
	Strategy string  `json:"strategy,omitempty"`
	Options  Options `json:"options"`
}

// HostStatus is a host's position in its strategy's state sequence.
type HostStatus string

const (
	HostNotAttempted HostStatus = "not_attempted"
	HostSyncing      HostStatus = "syncing"
	HostSynced       HostStatus = "synced"
	HostCuttingOver  HostStatus = "cutting_over"
	HostLive         HostStatus = "live"
	HostVerified     HostStatus = "verified"
	HostFailed       HostStatus = "failed"
	HostRolledBack   HostStatus = "rolled_back"
)

// HostOutcome is the final status of one host.
type HostOutcome struct {
	Host   string     `json:"host"`
	Status HostStatus `json:"status"`
	// Batch is the one-based rolling batch, zero for other strategies.
	Batch int    `json:"batch,omitempty"`
	Error string `json:"error,omitempty"`
}

// Rollback mechanisms.
const (
	MechanismTrafficRepoint = "traffic_repoint"
	MechanismSymlinkRevert  = "symlink_revert"
	MechanismFileRestore    = "file_restore"
	// MechanismNone means no live state had changed.
	MechanismNone = "none"
)

// RollbackReport says how an attempt was undone.
type RollbackReport struct {
	Mechanism string   `json:"mechanism"`
	Hosts     []string `json:"hosts,omitempty"`
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
}

// Result is what the Engine returns for one request.
type Result struct {
	Project  string `json:"project"`
	Env      string `json:"env"`
	Strategy string `json:"strategy"`
	State    State  `json:"state"`
	// Release is the ledger record produced by the attempt, if any.
	Release *ledger.Record  `json:"release,omitempty"`
	Hosts   []HostOutcome   `json:"hosts"`
	Hooks   []hooks.Result  `json:"hooks,omitempty"`
	Health  []health.Result `json:"health,omitempty"`
	Plan    *Plan           `json:"plan,omitempty"`
	// Partial is set when a rolling deployment committed without updating
	// every host: it halted part way, or some hosts failed within the
	// failure budget.
	Partial  bool            `json:"partial,omitempty"`
	Rollback *RollbackReport `json:"rollback,omitempty"`
	// RetainUntil is when a blue-green deployment's previous color stops
	// being a rollback target.
	RetainUntil time.Time     `json:"retain_until,omitzero"`
	Transitions []State       `json:"transitions"`
	Errors      []ErrorDetail `json:"errors,omitempty"`
	Summary     string        `json:"summary"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	// Err is the error that ended the attempt.
	Err error `json:"-"`
}

// ExitCode maps the final state to a process exit code.
func (r *Result) ExitCode() int {
	switch r.State {
	case StateCommitted, StatePlanned:
		return ExitOK
	case StateRolledBack:
		return ExitRolledBack
	default:
		return ExitFailed
	}
}

// HostsIn returns the names of hosts whose final status is one of statuses.
func (r *Result) HostsIn(statuses ...HostStatus) []string {
	var out []string
	for _, h := range r.Hosts {
		for _, s := range statuses {
			if h.Status == s {
				out = append(out, h.Host)
				break
			}
		}
	}
	return out
}

func (r *Result) summarize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s %s: %s", r.Project, r.Env, r.Strategy, r.State)
	if r.Release != nil {
		fmt.Fprintf(&b, " release %s", r.Release.ID)
	}
	if r.Partial {
		fmt.Fprintf(&b, "; updated [%s], not updated [%s]",
			strings.Join(r.HostsIn(HostLive, HostVerified), ", "),
			strings.Join(r.HostsIn(HostNotAttempted, HostFailed, HostSynced, HostSyncing), ", "))
	}
	if r.Rollback != nil {
		fmt.Fprintf(&b, "; rollback via %s", r.Rollback.Mechanism)
		if r.Rollback.Message != "" {
			fmt.Fprintf(&b, " (%s)", r.Rollback.Message)
		}
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "; %v", r.Err)
	}
	return b.String()
}
