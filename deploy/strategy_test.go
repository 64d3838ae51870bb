package deploy

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/hooks"
	"github.com/GoCodeAlone/deployctl/remote"
)

func TestStrategyRegistry(t *testing.T) {
	r := NewStrategyRegistry(testLogger())
	want := []string{"atomic", "blue_green", "rolling"}
	if got := r.List(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	for _, name := range want {
		s, ok := r.Get(name)
		if !ok {
			t.Fatalf("expected strategy %s", name)
		}
		if s.Name() != name {
			t.Errorf("expected name %s, got %s", name, s.Name())
		}
	}
	if _, ok := r.Get("canary"); ok {
		t.Error("expected unknown strategy to be missing")
	}
}

func TestBatches(t *testing.T) {
	hosts := testHosts(5)
	tests := []struct {
		size int
		want []int
	}{
		{size: 2, want: []int{2, 2, 1}},
		{size: 1, want: []int{1, 1, 1, 1, 1}},
		{size: 0, want: []int{5}},
		{size: 9, want: []int{5}},
	}
	for _, tt := range tests {
		var got []int
		for _, b := range batches(hosts, tt.size, false) {
			got = append(got, len(b))
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("size %d: expected %v, got %v", tt.size, tt.want, got)
		}
	}
	if b := batches(hosts, 2, false); b[1][0].Name != "web3" {
		t.Errorf("expected web3 to lead batch 2, got %s", b[1][0].Name)
	}
}

func TestBatchesByRole(t *testing.T) {
	hosts := testHosts(5)
	for i, role := range []string{"web", "worker", "web", "worker", "web"} {
		hosts[i].Role = role
	}
	var got [][]string
	for _, b := range batches(hosts, 2, true) {
		var names []string
		for _, h := range b {
			names = append(names, h.Name)
		}
		got = append(got, names)
	}
	want := [][]string{{"web1", "web3"}, {"web5"}, {"web2", "web4"}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if !slices.Equal(got[i], want[i]) {
			t.Errorf("batch %d: expected %v, got %v", i+1, want[i], got[i])
		}
	}
	if b := batches(hosts, 0, true); len(b) != 2 || len(b[0]) != 3 {
		t.Errorf("expected one batch per role, got %d batches", len(b))
	}
}

func TestExceeds(t *testing.T) {
	tests := []struct {
		failed, total int
		rate          float64
		want          bool
	}{
		{0, 2, 0, false},
		{1, 2, 0, true},
		{1, 2, 0.5, false},
		{2, 2, 0.5, true},
		{0, 0, 0, false},
	}
	for _, tt := range tests {
		if got := exceeds(tt.failed, tt.total, tt.rate); got != tt.want {
			t.Errorf("exceeds(%d, %d, %v): expected %v, got %v", tt.failed, tt.total, tt.rate, tt.want, got)
		}
	}
}

func TestPruneCandidates(t *testing.T) {
	ids := []string{"0003", "0001", "0005", "0002", "0004"}
	if got := pruneCandidates(ids, 2); !slices.Equal(got, []string{"0001", "0002", "0003"}) {
		t.Errorf("expected three oldest, got %v", got)
	}
	if got := pruneCandidates(ids, 2, "0002"); !slices.Equal(got, []string{"0001", "0003"}) {
		t.Errorf("expected protected release kept, got %v", got)
	}
	if got := pruneCandidates(ids, 5); len(got) != 0 {
		t.Errorf("expected nothing to prune, got %v", got)
	}
	if got := pruneCandidates(ids, 0); len(got) != 0 {
		t.Errorf("expected keep 0 to disable pruning, got %v", got)
	}
}

func TestLayoutCommands(t *testing.T) {
	l := Layout{Root: "/srv/shop"}
	if got := l.Release("r1"); got != "/srv/shop/releases/r1" {
		t.Errorf("unexpected release path %s", got)
	}
	want := "ln -sfn /srv/shop/releases/r1 /srv/shop/current.next && mv -Tf /srv/shop/current.next /srv/shop/current"
	if got := l.switchCmd(l.Release("r1")); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	spaced := Layout{Root: "/srv/my shop"}
	if got := spaced.prepareCmd(); got != "mkdir -p '/srv/my shop/releases'" {
		t.Errorf("expected quoted path, got %q", got)
	}
}

func TestLayoutRunReportsExitCode(t *testing.T) {
	mock := &remote.MockChannel{ExecFunc: func(_ context.Context, _ remote.Host, _ string) (remote.ExecResult, error) {
		return remote.ExecResult{ExitCode: 1, Stderr: "No such file"}, nil
	}}
	l := Layout{Root: "/srv/shop"}
	_, err := l.readCurrent(context.Background(), mock, remote.Host{Name: "web1", Address: "10.0.0.1"})
	var exit *remote.ExitError
	if !errors.As(err, &exit) || exit.ExitCode != 1 {
		t.Fatalf("expected ExitError with code 1, got %v", err)
	}
}

func TestAttemptAdvance(t *testing.T) {
	att := newAttempt(testHosts(2))
	steps := []HostStatus{HostSyncing, HostSynced, HostCuttingOver, HostLive, HostVerified}
	for _, s := range steps {
		if err := att.Advance("web1", s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if err := att.Advance("web1", HostSynced); err == nil {
		t.Error("expected backwards move to be refused")
	}
	if err := att.Advance("web1", HostRolledBack); err == nil {
		t.Error("expected rolled_back to be refused outside rollback")
	}
	if err := att.Advance("web9", HostSyncing); err == nil {
		t.Error("expected unknown host to be refused")
	}

	if err := att.Advance("web2", HostFailed); err != nil {
		t.Fatalf("Advance(failed): %v", err)
	}
	if err := att.Advance("web2", HostSyncing); err == nil {
		t.Error("expected failed to be terminal")
	}
	if att.rollBack("web2") != true {
		t.Error("expected failed host to roll back")
	}
	if att.rollBack("web2") {
		t.Error("expected second rollBack to report false")
	}
	if got := att.cutHosts(); !slices.Equal(got, []string{"web1"}) {
		t.Errorf("expected web1 cut, got %v", got)
	}
}

func TestAttemptRestoreOnce(t *testing.T) {
	att := newAttempt(nil)
	if !att.markRestored() {
		t.Fatal("expected first restore to proceed")
	}
	if att.markRestored() {
		t.Error("expected second restore to be skipped")
	}
	att.unmarkRestored()
	if !att.markRestored() {
		t.Error("expected restore to be retried after a failure")
	}
}

func TestResultExitCode(t *testing.T) {
	tests := map[State]int{
		StateCommitted:  ExitOK,
		StatePlanned:    ExitOK,
		StateRolledBack: ExitRolledBack,
		StateFailed:     ExitFailed,
	}
	for state, want := range tests {
		r := &Result{State: state}
		if got := r.ExitCode(); got != want {
			t.Errorf("%s: expected %d, got %d", state, want, got)
		}
	}
}

func TestDetails(t *testing.T) {
	exit := &remote.ExitError{Host: "web2", Command: "ln -sfn x y", ExitCode: 1}
	err := &SyncError{Failures: []HostFailure{
		{Host: "web1", Err: errors.New("rsync: connection reset")},
		{Host: "web2", Err: &CutoverError{Host: "web2", Err: exit}},
	}}
	got := details(err, StateCuttingOver)
	if len(got) != 2 {
		t.Fatalf("expected one detail per host, got %d", len(got))
	}
	if got[0].Kind != "SyncError" || got[0].Host != "web1" {
		t.Errorf("unexpected first detail %+v", got[0])
	}
	if got[1].Kind != "CutoverError" || got[1].ExitCode != 1 || got[1].Command != "ln -sfn x y" {
		t.Errorf("unexpected second detail %+v", got[1])
	}

	hc := &HealthCheckFailure{Target: "prod", Failed: []health.Result{
		{Check: "home", Target: "prod", Message: "status 503"},
		{Check: "api", Target: "prod", Message: "timeout"},
	}}
	got = details(hc, StateHealthChecking)
	if len(got) != 2 || got[1].Check != "api" || got[1].Kind != "HealthCheckFailure" {
		t.Errorf("expected one detail per failed check, got %+v", got)
	}

	hookErr := &HookError{Phase: StatePreHooks, Result: &hooks.Result{
		Name: "lint", Command: "make lint",
		Diagnostics: hooks.Diagnostics{Host: "local", ExitCode: 2},
	}, Err: errors.New("hook lint failed")}
	got = details(hookErr, StatePreHooks)
	if got[0].Kind != "HookError" || got[0].Command != "make lint" || got[0].ExitCode != 2 || got[0].Host != "local" {
		t.Errorf("unexpected hook detail %+v", got[0])
	}
	if got[0].Check != "" {
		t.Errorf("expected no check name on a hook detail, got %q", got[0].Check)
	}

	if details(nil, StateFailed) != nil {
		t.Error("expected no details for a nil error")
	}
}

func TestSummaryNamesPartialHosts(t *testing.T) {
	r := &Result{
		Project: "shop", Env: "prod", Strategy: "rolling", State: StateCommitted, Partial: true,
		Hosts: []HostOutcome{
			{Host: "web1", Status: HostVerified},
			{Host: "web2", Status: HostFailed},
			{Host: "web3", Status: HostNotAttempted},
		},
	}
	s := r.summarize()
	if !strings.Contains(s, "updated [web1]") || !strings.Contains(s, "not updated [web2, web3]") {
		t.Errorf("unexpected summary %q", s)
	}
}
