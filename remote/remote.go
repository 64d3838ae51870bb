// Package remote defines the Remote Operations Channel: running a command on
// a host and synchronizing a file tree to it. Adapters cover local execution,
// SSH, retries, throttling and a recording mock for tests.
package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Host is one deployable endpoint. It is supplied by configuration and is
// read-only to the deployment core.
type Host struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	User    string `json:"user,omitempty" yaml:"user,omitempty"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	// AuthRef names the credential used to reach the host, e.g.
	// "env:DEPLOY_KEY", "file:deploy_key" or "vault:deploy/ssh#private_key".
	AuthRef string `json:"auth_ref,omitempty" yaml:"auth_ref,omitempty"`
	// KnownHosts is the path to a known_hosts file used to verify the host key.
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	// Role partitions hosts for rolling batches and blue-green groups.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
	// URL is the host's own HTTP endpoint used by health checks.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// ID returns the name used to identify the host in results and logs.
func (h Host) ID() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Address
}

// DialAddress returns host:port, defaulting the port to 22.
func (h Host) DialAddress() string {
	if _, _, err := net.SplitHostPort(h.Address); err == nil {
		return h.Address
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(port))
}

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// OK reports whether the command exited zero.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// ExitError describes a command that ran but exited non-zero.
type ExitError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %q exited %d: %s", e.Host, e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: %q exited %d", e.Host, e.Command, e.ExitCode)
}

// Check converts a non-zero exit into an *ExitError.
func (r ExecResult) Check(host Host, command string) error {
	if r.OK() {
		return nil
	}
	return &ExitError{Host: host.ID(), Command: command, ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// FileOutcome classifies one entry of a tree synchronization.
type FileOutcome string

const (
	FileTransferred FileOutcome = "transferred"
	FileDeleted     FileOutcome = "deleted"
	FileUnchanged   FileOutcome = "unchanged"
	FileFailed      FileOutcome = "failed"
)

// FileStatus reports what happened to one path.
type FileStatus struct {
	Path    string      `json:"path"`
	Outcome FileOutcome `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

// SyncResult is the outcome of a tree synchronization.
type SyncResult struct {
	Files   []FileStatus `json:"files,omitempty"`
	Success bool         `json:"success"`
}

// Failed returns the paths that did not transfer.
func (r SyncResult) Failed() []FileStatus {
	var out []FileStatus
	for _, f := range r.Files {
		if f.Outcome == FileFailed {
			out = append(out, f)
		}
	}
	return out
}

// Channel executes commands on hosts and transfers file trees to them.
// A returned error means the operation could not be carried out (transport
// failure, timeout); a command that ran and exited non-zero is reported in
// ExecResult with a nil error. Implementations must be safe to retry.
type Channel interface {
	Execute(ctx context.Context, host Host, command string, timeout time.Duration) (ExecResult, error)
	SyncTree(ctx context.Context, host Host, localPath, remotePath string, excludes []string) (SyncResult, error)
}

// ProbeCommand is the side-effect free command used for liveness probes.
const ProbeCommand = "true"

// Probe checks that host accepts commands.
func Probe(ctx context.Context, ch Channel, host Host, timeout time.Duration) error {
	res, err := ch.Execute(ctx, host, ProbeCommand, timeout)
	if err != nil {
		return err
	}
	return res.Check(host, ProbeCommand)
}

// withTimeout derives a context bounded by timeout when it is positive.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
