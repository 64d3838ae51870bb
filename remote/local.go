package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LocalChannel runs commands and tree syncs on the local machine, ignoring the
// host address. It backs hooks with run_on: local and single-machine setups.
type LocalChannel struct {
	Shell string
	Rsync string
	// Env is appended to the process environment of every command.
	Env []string
}

// NewLocalChannel creates a LocalChannel using /bin/sh and rsync from PATH.
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{Shell: "/bin/sh", Rsync: "rsync"}
}

// Execute runs command through the shell.
func (c *LocalChannel) Execute(ctx context.Context, _ Host, command string, timeout time.Duration) (ExecResult, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Shell, "-c", command) //nolint:gosec // G204: commands come from deployment config
	cmd.Env = append(os.Environ(), c.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("local command timed out: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("run local command: %w", err)
}

// SyncTree mirrors localPath into remotePath on the local filesystem.
func (c *LocalChannel) SyncTree(ctx context.Context, _ Host, localPath, remotePath string, excludes []string) (SyncResult, error) {
	if err := os.MkdirAll(remotePath, 0o755); err != nil { //nolint:gosec // G301: release directories are world-readable
		return SyncResult{}, fmt.Errorf("create %s: %w", remotePath, err)
	}
	return runRsync(ctx, c.Rsync, rsyncArgs(localPath, remotePath, excludes, ""))
}
