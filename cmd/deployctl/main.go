package main

import (
	"errors"
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"deploy":   runDeploy,
	"plan":     runPlan,
	"rollback": runRollback,
	"history":  runHistory,
	"show":     runShow,
	"validate": runValidate,
}

func usage() {
	fmt.Fprintf(stderr, `deployctl - deployment orchestrator (version %s)

Usage:
  deployctl <command> [options]

Commands:
  deploy     Deploy a project to an environment
  plan       Show what a deployment would do without touching any host
  rollback   Re-activate the previous (or a named) release
  history    List the releases of an environment
  show       Show one release record
  validate   Validate a configuration file

Exit codes: 0 success, 1 usage or configuration error, 2 rolled back, 3 failed.
Run 'deployctl <command> -h' for command-specific help.
`, version)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// run dispatches args and returns the process exit code.
func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}
	cmd := args[0]
	switch cmd {
	case "-h", "--help", "help":
		usage()
		return 0
	case "-v", "--version", "version":
		fmt.Fprintln(stdout, version)
		return 0
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		return 1
	}
	err := fn(args[1:])
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", ee.err) //nolint:gosec // G705: CLI error output
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
	return 1
}

func main() {
	os.Exit(run(os.Args[1:]))
}
