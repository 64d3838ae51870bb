package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// rsyncFailedPath extracts the quoted path from rsync per-file error lines,
// e.g. `rsync: [sender] send_files failed to open "/src/a.php": Permission denied (13)`.
var rsyncFailedPath = regexp.MustCompile(`^rsync: .*?"([^"]+)"`)

// rsyncPartialCodes are exit codes meaning the transfer ran but some files
// failed; every other non-zero code is a transport failure.
var rsyncPartialCodes = map[int]bool{23: true, 24: true}

// rsyncArgs builds the argument list for syncing src into dest.
func rsyncArgs(src, dest string, excludes []string, rsh string) []string {
	args := []string{"-a", "--delete", "--itemize-changes", "--out-format=%i %n"}
	if rsh != "" {
		args = append(args, "-e", rsh)
	}
	for _, ex := range excludes {
		args = append(args, "--exclude="+ex)
	}
	return append(args, strings.TrimRight(src, "/")+"/", strings.TrimRight(dest, "/")+"/")
}

// runRsync executes rsync and converts its output into a SyncResult.
func runRsync(ctx context.Context, binary string, args []string) (SyncResult, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // G204: args are built internally
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	files := parseItemized(stdout.String())
	files = append(files, parseRsyncErrors(stderr.String())...)

	if err == nil {
		return SyncResult{Files: files, Success: true}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && rsyncPartialCodes[exitErr.ExitCode()] {
		return SyncResult{Files: files, Success: false}, nil
	}
	if ctx.Err() != nil {
		return SyncResult{Files: files}, ctx.Err()
	}
	return SyncResult{Files: files}, fmt.Errorf("rsync failed: %s: %w", strings.TrimSpace(stderr.String()), err)
}

// parseItemized reads `--out-format=%i %n` lines.
func parseItemized(out string) []FileStatus {
	var files []FileStatus
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "*deleting"); ok {
			files = append(files, FileStatus{Path: strings.TrimSpace(rest), Outcome: FileDeleted})
			continue
		}
		code, path, ok := strings.Cut(line, " ")
		if !ok || code == "" {
			continue
		}
		outcome := FileUnchanged
		switch code[0] {
		case '<', '>', 'c', 'h':
			outcome = FileTransferred
		}
		files = append(files, FileStatus{Path: strings.TrimSpace(path), Outcome: outcome})
	}
	return files
}

func parseRsyncErrors(stderr string) []FileStatus {
	var files []FileStatus
	sc := bufio.NewScanner(strings.NewReader(stderr))
	for sc.Scan() {
		line := sc.Text()
		m := rsyncFailedPath.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		files = append(files, FileStatus{Path: m[1], Outcome: FileFailed, Error: line})
	}
	return files
}
