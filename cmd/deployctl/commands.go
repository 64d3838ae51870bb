package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/deployctl/config"
	"github.com/GoCodeAlone/deployctl/deploy"
	"github.com/GoCodeAlone/deployctl/ledger"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// globalFlags are accepted by every command.
type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
	json      bool
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.config, "config", "deployctl.yaml", "Path to the configuration file")
	fs.StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&g.logFormat, "log-format", "text", "Log format (text or json)")
	fs.BoolVar(&g.json, "json", false, "Print machine-readable JSON")
	return g
}

// open builds the app for a command, with logs on stderr.
func (g *globalFlags) open(ctx context.Context) (*app, error) {
	logger, err := newLogger(stderr, g.logLevel, g.logFormat)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, g.config, logger)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM; an interrupted campaign
// still rolls back.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func projectEnv(fs *flag.FlagSet) (string, string, error) {
	if fs.NArg() != 2 {
		fs.Usage()
		return "", "", &exitError{code: deploy.ExitUsage, err: errors.New("project and environment are required")}
	}
	return fs.Arg(0), fs.Arg(1), nil
}

// parse parses args; -h exits 0 and any other flag error is a usage error.
func parse(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(stderr)
	err := fs.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		return &exitError{code: deploy.ExitOK}
	}
	if err != nil {
		return &exitError{code: deploy.ExitUsage, err: err}
	}
	return nil
}

func usageFor(fs *flag.FlagSet, synopsis, desc string) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "Usage: deployctl %s\n\n%s\n\nOptions:\n", synopsis, desc)
		fs.PrintDefaults()
	}
}

func runDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	strategy := fs.String("strategy", "", "Override the environment's strategy (atomic, rolling, blue_green)")
	var opts deploy.Options
	var excludes stringList
	fs.BoolVar(&opts.BuildAssets, "build", false, "Run the environment's build_command first")
	fs.BoolVar(&opts.RunMigrations, "migrate", false, "Run the environment's migrate_command after cutover")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Describe the plan without touching any host")
	fs.StringVar(&opts.Revision, "revision", "", "Source revision recorded in the ledger")
	fs.StringVar(&opts.TargetRelease, "release", "", "Re-activate this retained release instead of syncing")
	fs.BoolVar(&opts.SkipBackup, "skip-backup", false, "Skip the pre-deploy snapshot")
	fs.BoolVar(&opts.AllowBackupFailure, "allow-backup-failure", false, "Continue when the snapshot fails")
	fs.BoolVar(&opts.AcceptPartial, "accept-partial", false, "Commit a rolling deployment that halted part way")
	fs.BoolVar(&opts.ReplaceRetained, "replace-retained", false, "Deploy over the previous blue-green color before its grace period ends")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Override the campaign timeout")
	fs.Var(&excludes, "exclude", "Additional exclude pattern (repeatable)")
	fs.Usage = usageFor(fs, "deploy [options] <project> <env>", "Deploy a project to an environment.")
	if err := parse(fs, args); err != nil {
		return err
	}
	project, env, err := projectEnv(fs)
	if err != nil {
		return err
	}
	opts.Excludes = excludes
	return execute(g, deploy.Request{Project: project, Env: env, Strategy: *strategy, Options: opts})
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	strategy := fs.String("strategy", "", "Override the environment's strategy")
	build := fs.Bool("build", false, "Include the build hook")
	migrate := fs.Bool("migrate", false, "Include the migrate hook")
	fs.Usage = usageFor(fs, "plan [options] <project> <env>", "Show what a deployment would do without touching any host.")
	if err := parse(fs, args); err != nil {
		return err
	}
	project, env, err := projectEnv(fs)
	if err != nil {
		return err
	}
	return execute(g, deploy.Request{Project: project, Env: env, Strategy: *strategy,
		Options: deploy.Options{DryRun: true, BuildAssets: *build, RunMigrations: *migrate}})
}

func runRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	release := fs.String("release", "", "Release to re-activate (default: the one the active release superseded)")
	steps := fs.Int("steps", 1, "How many live releases to go back when -release is not given")
	fs.Usage = usageFor(fs, "rollback [options] <project> <env>", "Re-activate a previously live release.")
	if err := parse(fs, args); err != nil {
		return err
	}
	project, env, err := projectEnv(fs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	target := *release
	if target == "" {
		rec, err := a.ledger.Previous(ctx, project, env, *steps)
		if errors.Is(err, ledger.ErrNotFound) {
			return &exitError{code: deploy.ExitFailed, err: fmt.Errorf("%s/%s has no earlier release to roll back to", project, env)}
		}
		if err != nil {
			return err
		}
		target = rec.ID
	}
	res := a.engine.Run(ctx, deploy.Request{Project: project, Env: env,
		Options: deploy.Options{TargetRelease: target, SkipBackup: true}})
	return report(res, g.json)
}

// execute runs one request and reports it.
func execute(g *globalFlags, req deploy.Request) error {
	ctx, cancel := signalContext()
	defer cancel()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return report(a.engine.Run(ctx, req), g.json)
}

// report prints res and turns its state into the exit code.
func report(res *deploy.Result, asJSON bool) error {
	if asJSON {
		if err := writeJSON(res); err != nil {
			return err
		}
	} else {
		printResult(stdout, res)
	}
	if code := res.ExitCode(); code != deploy.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, res *deploy.Result) {
	fmt.Fprintln(w, res.Summary)
	if p := res.Plan; p != nil {
		fmt.Fprintf(w, "\nplan (%s, source %s):\n", p.Strategy, p.Source)
		if p.FromColor != "" {
			fmt.Fprintf(w, "  traffic: %s -> %s\n", p.FromColor, p.ToColor)
		}
		for _, h := range p.Hosts {
			fmt.Fprintf(w, "  %-16s batch %-3d %-14s %s\n", h.Host, h.Batch, h.Action, h.Path)
		}
		fmt.Fprintf(w, "  backup: %v\n", p.Backup)
		if len(p.PreHooks) > 0 {
			fmt.Fprintf(w, "  pre-deploy hooks: %s\n", strings.Join(p.PreHooks, ", "))
		}
		if len(p.PostHooks) > 0 {
			fmt.Fprintf(w, "  post-deploy hooks: %s\n", strings.Join(p.PostHooks, ", "))
		}
		if len(p.Checks) > 0 {
			fmt.Fprintf(w, "  health checks: %s\n", strings.Join(p.Checks, ", "))
		}
		return
	}
	if len(res.Hosts) > 0 {
		fmt.Fprintln(w, "\nhosts:")
		for _, h := range res.Hosts {
			line := fmt.Sprintf("  %-16s %-14s", h.Host, h.Status)
			if h.Error != "" {
				line += " " + h.Error
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
	if len(res.Errors) > 0 {
		fmt.Fprintln(w, "\nerrors:")
		for _, d := range res.Errors {
			where := string(d.Phase)
			if d.Host != "" {
				where += " " + d.Host
			}
			fmt.Fprintf(w, "  [%s] %s: %s\n", where, d.Kind, d.Message)
		}
	}
	if !res.RetainUntil.IsZero() {
		fmt.Fprintf(w, "\nprevious color retained until %s\n", res.RetainUntil.Format(time.RFC3339))
	}
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	limit := fs.Int("limit", 20, "Maximum number of releases to list (0 for all)")
	fs.Usage = usageFor(fs, "history [options] <project> <env>", "List the releases of an environment, newest first.")
	if err := parse(fs, args); err != nil {
		return err
	}
	project, env, err := projectEnv(fs)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if _, err := a.cfg.Environment(project, env); err != nil {
		return err
	}

	recs, err := a.ledger.History(ctx, project, env, *limit)
	if err != nil {
		return err
	}
	if g.json {
		if recs == nil {
			recs = []ledger.Record{}
		}
		return writeJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintf(stdout, "no releases for %s/%s\n", project, env)
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(stdout, "%s  %-11s %-12s %s\n", r.ID, r.Status, r.Revision, r.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	fs.Usage = usageFor(fs, "show [options] <release-id>", "Show one release record.")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return &exitError{code: deploy.ExitUsage, err: errors.New("release id is required")}
	}
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	rec, err := a.ledger.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if g.json {
		return writeJSON(rec)
	}
	fmt.Fprintf(stdout, "id:          %s\n", rec.ID)
	fmt.Fprintf(stdout, "environment: %s/%s\n", rec.Project, rec.Env)
	fmt.Fprintf(stdout, "revision:    %s\n", rec.Revision)
	fmt.Fprintf(stdout, "status:      %s\n", rec.Status)
	fmt.Fprintf(stdout, "created:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.BackupHandle != "" {
		fmt.Fprintf(stdout, "backup:      %s\n", rec.BackupHandle)
	}
	if rec.RestoredFrom != "" {
		fmt.Fprintf(stdout, "restored:    %s\n", rec.RestoredFrom)
	}
	if rec.Reason != "" {
		fmt.Fprintf(stdout, "reason:      %s\n", rec.Reason)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	fs.Usage = usageFor(fs, "validate [options]", "Validate a configuration file.")
	if err := parse(fs, args); err != nil {
		return err
	}
	cfg, err := config.LoadFromFile(g.config)
	if err != nil {
		return err
	}
	n := 0
	for _, p := range cfg.Projects {
		n += len(p.Environments)
	}
	fmt.Fprintf(stdout, "config %s is valid (%d projects, %d environments)\n", g.config, len(cfg.Projects), n)
	fmt.Fprintf(stdout, "digest %s\n", cfg.Digest())
	return nil
}
