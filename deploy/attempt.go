package deploy

import (
	"fmt"
	"slices"
	"sync"

	"github.com/GoCodeAlone/deployctl/backup"
	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/hooks"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/router"
)

var hostRank = map[HostStatus]int{
	HostNotAttempted: 0,
	HostSyncing:      1,
	HostSynced:       2,
	HostCuttingOver:  3,
	HostLive:         4,
	HostVerified:     5,
}

type hostState struct {
	status HostStatus
	batch  int
	err    string
	// previous is the release the host served before cutover; empty when
	// it served none.
	previous    string
	hasPrevious bool
	// cut is set once the host's cutover has started.
	cut bool
}

// Attempt is the run-time state of one campaign. It is owned by a single
// Engine.Run call; the mutex only serializes the host workers of that call.
type Attempt struct {
	mu sync.Mutex

	state       State
	transitions []State
	order       []string
	hosts       map[string]*hostState

	backup      backup.Handle
	hookResults []hooks.Result
	health      []health.Result
	errors      []ErrorDetail

	// blue-green
	oldColor   router.Color
	newColor   router.Color
	repointed  bool
	partial    bool
	restored   bool
	rolledBack *RollbackReport
}

func newAttempt(hosts []remote.Host) *Attempt {
	a := &Attempt{
		state:       StatePending,
		transitions: []State{StatePending},
		hosts:       make(map[string]*hostState, len(hosts)),
	}
	for _, h := range hosts {
		a.order = append(a.order, h.ID())
		a.hosts[h.ID()] = &hostState{status: HostNotAttempted}
	}
	return a
}

// State returns the current lifecycle state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) enter(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	a.transitions = append(a.transitions, s)
}

// Transitions returns every state the attempt has entered, in order.
func (a *Attempt) Transitions() []State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.transitions)
}

// HostStatus returns the status of host.
func (a *Attempt) HostStatus(host string) HostStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hs, ok := a.hosts[host]; ok {
		return hs.status
	}
	return ""
}

// Advance moves host forward to status. Moving backwards, or out of failed,
// is refused; rolled_back is only reachable through a rollback.
func (a *Attempt) Advance(host string, to HostStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	hs, ok := a.hosts[host]
	if !ok {
		return fmt.Errorf("unknown host %q", host)
	}
	if to == HostRolledBack {
		return fmt.Errorf("host %s: rolled_back is only reachable through rollback", host)
	}
	if hs.status == HostFailed || hs.status == HostRolledBack {
		return fmt.Errorf("host %s: cannot move from %s to %s", host, hs.status, to)
	}
	if to != HostFailed && hostRank[to] <= hostRank[hs.status] {
		return fmt.Errorf("host %s: cannot move from %s back to %s", host, hs.status, to)
	}
	hs.status = to
	if hostRank[to] >= hostRank[HostCuttingOver] {
		hs.cut = true
	}
	return nil
}

// fail marks host failed with err, unless it is already failed or rolled back.
func (a *Attempt) fail(host string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hs, ok := a.hosts[host]
	if !ok || hs.status == HostRolledBack {
		return
	}
	hs.status = HostFailed
	if err != nil && hs.err == "" {
		hs.err = err.Error()
	}
}

// rollBack marks host rolled_back. It reports false when the host was never
// attempted or is already rolled back.
func (a *Attempt) rollBack(host string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	hs, ok := a.hosts[host]
	if !ok || hs.status == HostNotAttempted || hs.status == HostRolledBack {
		return false
	}
	hs.status = HostRolledBack
	return true
}

func (a *Attempt) setBatch(host string, batch int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hs, ok := a.hosts[host]; ok {
		hs.batch = batch
	}
}

func (a *Attempt) setPrevious(host, target string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hs, ok := a.hosts[host]; ok {
		hs.previous, hs.hasPrevious = target, true
	}
}

// previous returns the release host served before cutover and whether it
// was recorded.
func (a *Attempt) previous(host string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hs, ok := a.hosts[host]; ok {
		return hs.previous, hs.hasPrevious
	}
	return "", false
}

// hostsIn returns hosts whose status is one of statuses, in config order.
func (a *Attempt) hostsIn(statuses ...HostStatus) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, name := range a.order {
		if slices.Contains(statuses, a.hosts[name].status) {
			out = append(out, name)
		}
	}
	return out
}

// cutHosts returns hosts whose cutover started and that are not yet
// rolled back, in config order.
func (a *Attempt) cutHosts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, name := range a.order {
		if hs := a.hosts[name]; hs.cut && hs.status != HostRolledBack {
			out = append(out, name)
		}
	}
	return out
}

func (a *Attempt) outcomes() []HostOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HostOutcome, 0, len(a.order))
	for _, name := range a.order {
		hs := a.hosts[name]
		out = append(out, HostOutcome{Host: name, Status: hs.status, Batch: hs.batch, Error: hs.err})
	}
	return out
}

func (a *Attempt) addHooks(rs []hooks.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hookResults = append(a.hookResults, rs...)
}

func (a *Attempt) addHealth(rs []health.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health = append(a.health, rs...)
}

func (a *Attempt) addErrors(ds []ErrorDetail) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, ds...)
}

func (a *Attempt) collected() ([]hooks.Result, []health.Result, []ErrorDetail) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.hookResults), slices.Clone(a.health), slices.Clone(a.errors)
}

func (a *Attempt) setBackup(h backup.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backup = h
}

// Backup returns the snapshot taken before the campaign, if any.
func (a *Attempt) Backup() backup.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backup
}

func (a *Attempt) setColors(old, next router.Color) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oldColor, a.newColor = old, next
}

func (a *Attempt) colors() (old, next router.Color) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.oldColor, a.newColor
}

func (a *Attempt) setRepointed(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repointed = v
}

func (a *Attempt) isRepointed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.repointed
}

func (a *Attempt) setPartial() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial = true
}

func (a *Attempt) isPartial() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial
}

// markRestored reports whether the caller is the first to restore the
// backup for this attempt.
func (a *Attempt) markRestored() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restored {
		return false
	}
	a.restored = true
	return true
}

func (a *Attempt) unmarkRestored() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restored = false
}

func (a *Attempt) rollbackReport() *RollbackReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rolledBack
}

func (a *Attempt) setRollbackReport(r RollbackReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolledBack = &r
}
