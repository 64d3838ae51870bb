package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/deployctl/config"
	"github.com/GoCodeAlone/deployctl/ledger"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeHost is the release layout of one host held in memory.
type fakeHost struct {
	current string
	// files maps a directory to the content synced into it.
	files map[string]string
}

// fleet is a remote.Channel over in-memory hosts. It understands the layout
// commands, the liveness probe and "healthcheck"; anything else exits 0.
type fleet struct {
	mu      sync.Mutex
	hosts   map[string]*fakeHost
	calls   []remote.Call
	content string

	failSync    map[string]bool
	failSwitch  map[string]bool
	unreachable map[string]bool
	unhealthy   map[string]bool
	failCommand string
	syncDelay   time.Duration
}

func newFleet(content string) *fleet {
	return &fleet{
		hosts:       make(map[string]*fakeHost),
		content:     content,
		failSync:    make(map[string]bool),
		failSwitch:  make(map[string]bool),
		unreachable: make(map[string]bool),
		unhealthy:   make(map[string]bool),
	}
}

func (f *fleet) host(name string) *fakeHost {
	h, ok := f.hosts[name]
	if !ok {
		h = &fakeHost{files: make(map[string]string)}
		f.hosts[name] = h
	}
	return h
}

// seed installs a live release on host.
func (f *fleet) seed(host, root, id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.host(host)
	dir := Layout{Root: root}.Release(id)
	h.files[dir] = content
	h.current = dir
}

func (f *fleet) current(host string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host(host).current
}

func (f *fleet) file(host, dir string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.host(host).files[dir]
	return c, ok
}

func (f *fleet) Execute(ctx context.Context, host remote.Host, command string, _ time.Duration) (remote.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remote.Call{Op: "execute", Host: host.ID(), Command: command})
	if err := ctx.Err(); err != nil {
		return remote.ExecResult{}, err
	}
	if f.unreachable[host.ID()] {
		return remote.ExecResult{}, errors.New("dial tcp: connection refused")
	}
	h := f.host(host.ID())
	fields := strings.Fields(command)
	switch {
	case command == remote.ProbeCommand, strings.HasPrefix(command, "mkdir -p "):
	case strings.HasPrefix(command, "readlink "):
		return remote.ExecResult{Stdout: h.current + "\n"}, nil
	case strings.HasPrefix(command, "ln -sfn "):
		if f.failSwitch[host.ID()] {
			// fails once, like a transient rename error
			delete(f.failSwitch, host.ID())
			return remote.ExecResult{ExitCode: 1, Stderr: "mv: cannot overwrite"}, nil
		}
		h.current = fields[2]
	case strings.HasPrefix(command, "test -d "):
		if _, ok := h.files[fields[2]]; !ok {
			return remote.ExecResult{ExitCode: 1}, nil
		}
	case strings.HasPrefix(command, "ls -1 "):
		var names []string
		for dir := range h.files {
			if path.Dir(dir) == fields[2] {
				names = append(names, path.Base(dir))
			}
		}
		slices.Sort(names)
		return remote.ExecResult{Stdout: strings.Join(names, "\n")}, nil
	case strings.HasPrefix(command, "rm -rf "):
		for _, dir := range fields[2:] {
			delete(h.files, dir)
		}
	case strings.Contains(command, "healthcheck"):
		if f.unhealthy[host.ID()] {
			return remote.ExecResult{ExitCode: 1, Stderr: "503"}, nil
		}
	case f.failCommand != "" && strings.Contains(command, f.failCommand):
		return remote.ExecResult{ExitCode: 2, Stderr: "failed"}, nil
	}
	return remote.ExecResult{}, nil
}

func (f *fleet) SyncTree(ctx context.Context, host remote.Host, localPath, remotePath string, _ []string) (remote.SyncResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, remote.Call{Op: "sync", Host: host.ID(), Local: localPath, Remote: remotePath})
	delay := f.syncDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return remote.SyncResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[host.ID()] {
		return remote.SyncResult{}, errors.New("dial tcp: connection refused")
	}
	h := f.host(host.ID())
	if f.failSync[host.ID()] {
		h.files[remotePath] = "partial"
		return remote.SyncResult{Files: []remote.FileStatus{
			{Path: "index.php", Outcome: remote.FileFailed, Error: "No space left on device"},
		}}, nil
	}
	h.files[remotePath] = f.content
	return remote.SyncResult{Success: true, Files: []remote.FileStatus{
		{Path: "index.php", Outcome: remote.FileTransferred},
	}}, nil
}

// callsTo returns the calls of op, optionally limited to one host.
func (f *fleet) callsTo(op, host string) []remote.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Call
	for _, c := range f.calls {
		if c.Op == op && (host == "" || c.Host == host) {
			out = append(out, c)
		}
	}
	return out
}

// mutating returns every call that could change a host.
func (f *fleet) mutating() []remote.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Call
	for _, c := range f.calls {
		if c.Op == "sync" || (c.Command != remote.ProbeCommand && !strings.HasPrefix(c.Command, "readlink ")) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fleet) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func testHosts(n int) []remote.Host {
	hosts := make([]remote.Host, 0, n)
	for i := 1; i <= n; i++ {
		hosts = append(hosts, remote.Host{Name: fmt.Sprintf("web%d", i), Address: fmt.Sprintf("10.0.0.%d", i)})
	}
	return hosts
}

func testEnv(strategy string, hosts int) *config.Environment {
	return &config.Environment{
		Project:      "shop",
		Name:         "prod",
		Source:       "./build",
		Strategy:     strategy,
		DeployPath:   "/srv/shop",
		KeepReleases: 5,
		Timeout:      time.Minute,
		Retry:        &retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Hosts:        testHosts(hosts),
	}
}

// configs is a ConfigStore over fixed environments.
type configs map[string]*config.Environment

func (c configs) Environment(project, env string) (*config.Environment, error) {
	e, ok := c[project+"/"+env]
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownEnvironment, env)
	}
	return e, nil
}

type harness struct {
	fleet  *fleet
	ledger *ledger.Ledger
	engine *Engine
	env    *config.Environment
}

func newHarness(t *testing.T, env *config.Environment, mutate ...func(*Deps)) *harness {
	t.Helper()
	fl := newFleet("v2")
	l := ledger.New(ledger.NewMemoryStore(), nil, testLogger())
	t.Cleanup(func() { _ = l.Close() })
	deps := Deps{
		Configs: configs{env.Project + "/" + env.Name: env},
		Ledger:  l,
		Channel: fl,
		Local:   fl,
	}
	for _, m := range mutate {
		m(&deps)
	}
	return &harness{fleet: fl, ledger: l, engine: NewEngine(deps, testLogger()), env: env}
}

func (h *harness) run(t *testing.T, opts Options) *Result {
	t.Helper()
	return h.engine.Run(context.Background(), Request{Project: h.env.Project, Env: h.env.Name, Options: opts})
}

func statuses(res *Result) map[string]HostStatus {
	out := make(map[string]HostStatus, len(res.Hosts))
	for _, h := range res.Hosts {
		out[h.Host] = h.Status
	}
	return out
}
