package health

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/retry"
	"gopkg.in/yaml.v3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func fastChecker(opts Options) *Checker {
	opts.Policy = retry.Policy{Backoff: retry.BackoffLinear, BaseDelay: time.Millisecond}
	return NewChecker(opts, testLogger())
}

func TestReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","db":{"connected":true},"version":"abc123"}`))
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		default:
			_, _ = w.Write([]byte("<html>Welcome to the shop</html>"))
		}
	}))
	defer srv.Close()

	c := fastChecker(Options{})
	target := Target{Name: "web1", URL: srv.URL}
	tests := []struct {
		name string
		chk  Check
		pass bool
	}{
		{"base url", Check{Kind: Reachability}, true},
		{"contains", Check{Kind: Reachability, Expected: Expected{Contains: "Welcome"}}, true},
		{"missing marker", Check{Kind: Reachability, Retries: 1, Expected: Expected{Contains: "Maintenance"}}, false},
		{"jq truthy", Check{Kind: Reachability, URL: "/health", Expected: Expected{JQ: `.status == "ok" and .db.connected`}}, true},
		{"jq falsy", Check{Kind: Reachability, URL: "/health", Retries: 1, Expected: Expected{JQ: `.version == "zzz"`}}, false},
		{"expected status", Check{Kind: Reachability, URL: "/teapot", Expected: Expected{Status: http.StatusTeapot}}, true},
		{"non 2xx", Check{Kind: Reachability, URL: "/teapot", Retries: 1}, false},
		{"absolute url", Check{Kind: Reachability, URL: srv.URL + "/health", Expected: Expected{Status: 200}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Run(context.Background(), []Check{tt.chk}, target)[0]
			if res.Success != tt.pass {
				t.Errorf("expected success=%v, got %+v", tt.pass, res)
			}
			if res.Target != "web1" {
				t.Errorf("expected target web1, got %q", res.Target)
			}
		})
	}
}

func TestReachabilityRetriesLinearly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := fastChecker(Options{}).Run(context.Background(), []Check{{Kind: Reachability, Retries: 3}}, Target{URL: srv.URL})[0]
	if !res.Success {
		t.Fatalf("expected success after retries, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestReachabilityGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := fastChecker(Options{}).Run(context.Background(), []Check{{Kind: Reachability, Retries: 2}}, Target{URL: srv.URL})[0]
	if res.Success {
		t.Fatal("expected failure")
	}
	if hits.Load() != 3 || res.Attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d hits / %d attempts", hits.Load(), res.Attempts)
	}
	if res.Diagnostics["status"] != http.StatusInternalServerError {
		t.Errorf("expected status in diagnostics, got %v", res.Diagnostics)
	}
}

func TestReachabilityTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	res := fastChecker(Options{}).Run(context.Background(),
		[]Check{{Kind: Reachability, Timeout: 30 * time.Millisecond, Retries: 1}}, Target{URL: srv.URL})[0]
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Message, "timed out") {
		t.Errorf("expected timeout message, got %q", res.Message)
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct{ base, ref, want string }{
		{"https://blue.example.com", "", "https://blue.example.com"},
		{"https://blue.example.com", "/health", "https://blue.example.com/health"},
		{"https://blue.example.com/app", "health", "https://blue.example.com/app/health"},
		{"https://blue.example.com", "https://other/x", "https://other/x"},
	}
	for _, tt := range tests {
		got, err := resolveURL(tt.base, tt.ref)
		if err != nil {
			t.Fatalf("resolveURL(%q, %q): %v", tt.base, tt.ref, err)
		}
		if got != tt.want {
			t.Errorf("resolveURL(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
	if _, err := resolveURL("", "/health"); err == nil {
		t.Error("expected error for relative url without base")
	}
}

func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE migrations (version INTEGER, name TEXT)`,
		`INSERT INTO migrations VALUES (1, 'init'), (2, 'orders'), (3, 'invoices')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return path
}

func TestDataAssertion(t *testing.T) {
	dsn := newTestDB(t)
	q := NewSQLQuerier()
	t.Cleanup(func() { q.Close() })
	c := fastChecker(Options{Querier: q})

	tests := []struct {
		name string
		chk  Check
		pass bool
	}{
		{"rows present", Check{Kind: DataAssertion, DSN: dsn, Query: "SELECT * FROM migrations"}, true},
		{"no rows", Check{Kind: DataAssertion, DSN: dsn, Retries: 1, Query: "SELECT * FROM migrations WHERE version > 99"}, false},
		{"count", Check{Kind: DataAssertion, DSN: dsn, Query: "SELECT * FROM migrations", Expected: Expected{Expr: "count == 3"}}, true},
		{"first row", Check{Kind: DataAssertion, DSN: dsn, Query: "SELECT MAX(version) AS v FROM migrations", Expected: Expected{Expr: "first.v >= 3"}}, true},
		{"all rows", Check{Kind: DataAssertion, DSN: dsn, Query: "SELECT name FROM migrations", Expected: Expected{Expr: `all(rows, {.name != ""})`}}, true},
		{"assertion fails", Check{Kind: DataAssertion, DSN: dsn, Retries: 1, Query: "SELECT * FROM migrations", Expected: Expected{Expr: "count > 10"}}, false},
		{"bad query", Check{Kind: DataAssertion, DSN: dsn, Retries: 1, Query: "SELECT * FROM nope"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Run(context.Background(), []Check{tt.chk}, Target{Name: "db"})[0]
			if res.Success != tt.pass {
				t.Errorf("expected success=%v, got %+v", tt.pass, res)
			}
		})
	}
}

type fakeQuerier struct {
	rows []map[string]any
	err  error
}

func (f fakeQuerier) Query(context.Context, string, string) ([]map[string]any, error) {
	return f.rows, f.err
}

func TestDataAssertionQuerierError(t *testing.T) {
	c := fastChecker(Options{Querier: fakeQuerier{err: errors.New("connection refused")}})
	res := c.Run(context.Background(), []Check{{Kind: DataAssertion, DSN: "postgres://x", Query: "SELECT 1", Retries: 1}}, Target{})[0]
	if res.Success || !strings.Contains(res.Message, "connection refused") {
		t.Errorf("expected querier error, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestDriverFor(t *testing.T) {
	tests := []struct{ dsn, driver string }{
		{"postgres://u@h/db", "pgx"},
		{"postgresql://u@h/db", "pgx"},
		{"sqlite:///var/app.db", "sqlite"},
		{"/var/app.db", "sqlite"},
	}
	for _, tt := range tests {
		if d, _ := driverFor(tt.dsn); d != tt.driver {
			t.Errorf("driverFor(%q) = %q, want %q", tt.dsn, d, tt.driver)
		}
	}
}

func TestCustomCheck(t *testing.T) {
	ch := &remote.MockChannel{ExecFunc: func(_ context.Context, h remote.Host, cmd string) (remote.ExecResult, error) {
		if strings.Contains(cmd, "queue") {
			return remote.ExecResult{ExitCode: 0, Stdout: "workers: 4 running"}, nil
		}
		return remote.ExecResult{ExitCode: 2, Stderr: "not found"}, nil
	}}
	c := fastChecker(Options{Channel: ch})
	host := remote.Host{Name: "web1", Address: "10.0.0.1"}

	res := c.Run(context.Background(), []Check{
		{Name: "queue", Kind: Custom, Command: "queue status", Expected: Expected{Contains: "running"}},
		{Name: "cron", Kind: Custom, Command: "cron status", Retries: 1},
	}, Target{Name: "web1", Host: host})

	if !res[0].Success {
		t.Errorf("expected queue check to pass, got %+v", res[0])
	}
	if res[1].Success || res[1].Diagnostics["exit_code"] != 2 {
		t.Errorf("expected cron check to fail with exit code, got %+v", res[1])
	}
	if got := len(ch.CallsFor("execute", "web1")); got != 3 {
		t.Errorf("expected 3 calls (1 + 2 attempts), got %d", got)
	}
}

func decodeChecks(src string) ([]Check, error) {
	var checks []Check
	dec := yaml.NewDecoder(strings.NewReader(src))
	dec.KnownFields(true)
	err := dec.Decode(&checks)
	return checks, err
}

func TestCheckRetriesFromYAML(t *testing.T) {
	checks, err := decodeChecks(`
- name: default
  kind: custom
  command: cron status
- name: once
  kind: custom
  command: cron status
  retries: 0
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if checks[0].Retries != DefaultRetries {
		t.Errorf("expected omitted retries to be %d, got %d", DefaultRetries, checks[0].Retries)
	}
	if checks[1].Retries != 0 {
		t.Errorf("expected explicit retries 0 kept, got %d", checks[1].Retries)
	}

	ch := &remote.MockChannel{ExecFunc: func(context.Context, remote.Host, string) (remote.ExecResult, error) {
		return remote.ExecResult{ExitCode: 1}, nil
	}}
	c := fastChecker(Options{Channel: ch})
	res := c.Run(context.Background(), checks[1:], Target{Name: "web1", Host: remote.Host{Name: "web1"}})
	if res[0].Success {
		t.Error("expected the check to fail")
	}
	if got := len(ch.Calls()); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}

	if _, err := decodeChecks("- name: x\n  kind: custom\n  retry: 3\n"); err == nil {
		t.Error("expected unknown field to be rejected")
	}
}

func TestCustomCheckLocal(t *testing.T) {
	local := &remote.MockChannel{}
	c := fastChecker(Options{Local: local})
	res := c.Run(context.Background(), []Check{{Kind: Custom, Command: "true"}}, Target{Name: "env"})[0]
	if !res.Success {
		t.Errorf("expected local custom check to pass, got %+v", res)
	}
	if len(local.Calls()) != 1 {
		t.Error("expected the local channel to run the check")
	}
}

func TestQuorum(t *testing.T) {
	results := []Result{{Success: true}, {Success: true}, {Success: false}, {Success: true}}
	if got := PassRatio(results); got != 0.75 {
		t.Errorf("expected ratio 0.75, got %v", got)
	}
	if !Passed(results, 0.75) {
		t.Error("expected quorum 0.75 to pass")
	}
	if Passed(results, 0.8) {
		t.Error("expected quorum 0.8 to fail")
	}
	if Passed(results, 0) {
		t.Error("expected zero min ratio to require all checks")
	}
	if !Passed(nil, 1) {
		t.Error("expected empty set to pass")
	}
	if len(Failures(results)) != 1 {
		t.Error("expected one failure")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		chk     Check
		wantErr bool
	}{
		{"reachability", Check{Kind: Reachability}, false},
		{"bad jq", Check{Kind: Reachability, Expected: Expected{JQ: ".status =="}}, true},
		{"data", Check{Kind: DataAssertion, DSN: "x.db", Query: "SELECT 1", Expected: Expected{Expr: "count > 0"}}, false},
		{"data without query", Check{Kind: DataAssertion, DSN: "x.db"}, true},
		{"bad expr", Check{Kind: DataAssertion, DSN: "x.db", Query: "SELECT 1", Expected: Expected{Expr: "count >"}}, true},
		{"custom without command", Check{Kind: Custom}, true},
		{"unknown kind", Check{Kind: "ping"}, true},
		{"missing kind", Check{}, true},
		{"too many retries", Check{Kind: Reachability, Retries: 50}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.chk.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
