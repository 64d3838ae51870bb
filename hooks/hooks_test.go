package hooks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// failing returns a channel whose commands exit 1 when they contain any of
// the given markers.
func failing(markers ...string) *remote.MockChannel {
	return &remote.MockChannel{ExecFunc: func(_ context.Context, _ remote.Host, cmd string) (remote.ExecResult, error) {
		for _, m := range markers {
			if strings.Contains(cmd, m) {
				return remote.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
			}
		}
		return remote.ExecResult{}, nil
	}}
}

func commands(ch *remote.MockChannel) []string {
	var out []string
	for _, c := range ch.Calls() {
		out = append(out, c.Command)
	}
	return out
}

func TestRunInOrder(t *testing.T) {
	ch := failing()
	r := NewRunner(ch, ch, testLogger())
	rep := r.Run(context.Background(), []Hook{
		{Name: "build", Command: "make build"},
		{Name: "lint", Command: "make lint"},
		{Name: "notify", Command: "curl hook"},
	}, Context{Phase: "pre_deploy"})

	if rep.Aborted {
		t.Fatalf("unexpected abort: %+v", rep)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(rep.Results))
	}
	cmds := commands(ch)
	for i, want := range []string{"make build", "make lint", "curl hook"} {
		if !strings.HasSuffix(cmds[i], want) {
			t.Errorf("call %d: expected %q, got %q", i, want, cmds[i])
		}
		if !rep.Results[i].Success {
			t.Errorf("result %d should succeed", i)
		}
	}
}

func TestContinuePolicyDoesNotStopLaterHooks(t *testing.T) {
	ch := failing("flaky")
	r := NewRunner(ch, ch, testLogger())
	rep := r.Run(context.Background(), []Hook{
		{Name: "flaky", Command: "flaky-notify", OnFailure: Continue},
		{Name: "after", Command: "echo after"},
	}, Context{Phase: "post_deploy"})

	if rep.Aborted {
		t.Fatal("continue-policy failure must not abort")
	}
	if len(rep.Results) != 2 {
		t.Fatalf("expected both hooks to run, got %d results", len(rep.Results))
	}
	first := rep.Results[0]
	if first.Success || first.Fatal() {
		t.Errorf("expected non-fatal failure, got %+v", first)
	}
	if first.Diagnostics.ExitCode != 1 || !strings.Contains(first.Message, "boom") {
		t.Errorf("expected exit code and stderr in result, got %+v", first)
	}
	if !rep.Results[1].Success {
		t.Error("expected second hook to succeed")
	}
}

func TestAbortPolicyStopsImmediately(t *testing.T) {
	ch := failing("migrate")
	r := NewRunner(ch, ch, testLogger())
	rep := r.Run(context.Background(), []Hook{
		{Name: "migrate", Command: "migrate", OnFailure: Abort},
		{Name: "never", Command: "echo never"},
	}, Context{Phase: "pre_deploy"})

	if !rep.Aborted || rep.AbortedBy == nil || rep.AbortedBy.Name != "migrate" {
		t.Fatalf("expected abort by migrate, got %+v", rep)
	}
	if len(rep.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(rep.Results))
	}
	if len(ch.Calls()) != 1 {
		t.Errorf("expected later hooks not to run, got %d calls", len(ch.Calls()))
	}
}

func TestDefaultPolicyIsAbort(t *testing.T) {
	ch := failing("x")
	rep := NewRunner(ch, ch, testLogger()).Run(context.Background(), []Hook{{Command: "x"}, {Command: "y"}}, Context{})
	if !rep.Aborted || len(rep.Results) != 1 {
		t.Errorf("expected abort after first hook, got %+v", rep)
	}
}

func TestTransportErrorAndTimeout(t *testing.T) {
	ch := &remote.MockChannel{ExecFunc: func(ctx context.Context, _ remote.Host, cmd string) (remote.ExecResult, error) {
		if strings.Contains(cmd, "slow") {
			<-ctx.Done()
			return remote.ExecResult{}, ctx.Err()
		}
		return remote.ExecResult{}, errors.New("connection refused")
	}}
	r := NewRunner(ch, ch, testLogger())
	rep := r.Run(context.Background(), []Hook{
		{Name: "slow", Command: "slow", Timeout: 20 * time.Millisecond, OnFailure: Continue},
		{Name: "down", Command: "down", OnFailure: Continue},
	}, Context{})

	if !strings.Contains(rep.Results[0].Message, "timed out") {
		t.Errorf("expected timeout message, got %q", rep.Results[0].Message)
	}
	if !strings.Contains(rep.Results[1].Message, "connection refused") {
		t.Errorf("expected transport error message, got %q", rep.Results[1].Message)
	}
}

func TestPrimaryHookEnvironment(t *testing.T) {
	local := failing()
	hosts := failing()
	r := NewRunner(local, hosts, testLogger())
	primary := remote.Host{Name: "web1", Address: "10.0.0.1"}
	rep := r.Run(context.Background(), []Hook{{Name: "migrate", Command: "php artisan migrate", RunOn: RunPrimary}}, Context{
		Project: "shop", Env: "prod", Release: "r-1", Revision: "abc", Phase: "post_deploy",
		DeployPath: "/srv/shop/releases/r-1", Primary: primary,
	})
	if rep.Aborted {
		t.Fatalf("unexpected abort: %+v", rep)
	}
	if len(local.Calls()) != 0 {
		t.Error("primary hook must not run locally")
	}
	calls := hosts.CallsFor("execute", "web1")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call on web1, got %d", len(calls))
	}
	cmd := calls[0].Command
	for _, want := range []string{"DEPLOY_PROJECT=shop", "DEPLOY_RELEASE=r-1", "DEPLOY_PHASE=post_deploy",
		"cd /srv/shop/releases/r-1 && php artisan migrate"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("expected %q in %q", want, cmd)
		}
	}
	if rep.Results[0].Diagnostics.Host != "web1" {
		t.Errorf("expected host in diagnostics, got %q", rep.Results[0].Diagnostics.Host)
	}
}

func TestPrimaryHookWithoutHost(t *testing.T) {
	ch := failing()
	rep := NewRunner(ch, ch, testLogger()).Run(context.Background(),
		[]Hook{{Name: "migrate", Command: "migrate", RunOn: RunPrimary}}, Context{})
	if !rep.Aborted {
		t.Error("expected abort without a primary host")
	}
}

func TestCancelledContext(t *testing.T) {
	ch := failing()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := NewRunner(ch, ch, testLogger()).Run(ctx, []Hook{{Command: "x"}}, Context{})
	if !rep.Aborted || !errors.Is(rep.Err, context.Canceled) {
		t.Errorf("expected cancelled abort, got %+v", rep)
	}
	if len(ch.Calls()) != 0 {
		t.Error("expected no hook to run")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		hook    Hook
		wantErr bool
	}{
		{Hook{Command: "x"}, false},
		{Hook{Command: "x", OnFailure: Continue, RunOn: RunPrimary}, false},
		{Hook{Command: " "}, true},
		{Hook{Command: "x", OnFailure: "retry"}, true},
		{Hook{Command: "x", RunOn: "everywhere"}, true},
	}
	for _, tt := range tests {
		if err := tt.hook.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.hook, err, tt.wantErr)
		}
	}
}
