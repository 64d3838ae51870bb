package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/GoCodeAlone/deployctl/config"
	"github.com/GoCodeAlone/deployctl/deploy"
	"github.com/GoCodeAlone/deployctl/health"
	"github.com/GoCodeAlone/deployctl/ledger"
	"github.com/GoCodeAlone/deployctl/observability"
	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/GoCodeAlone/deployctl/scale"
	"github.com/GoCodeAlone/deployctl/secrets"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// app holds the collaborators built from one configuration file.
type app struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	engine   *deploy.Engine
	metrics  *observability.Metrics
	provider *observability.Provider
	logger   *slog.Logger
	closers  []io.Closer
}

// newLogger builds the process logger from the -log-level and -log-format
// flags.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

// openLedger opens the ledger store and activation lock named in cfg.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Ledger, []io.Closer, error) {
	var closers []io.Closer
	var store ledger.Store
	switch cfg.Ledger.Driver {
	case "memory":
		store = ledger.NewMemoryStore()
	case "sqlite":
		s, err := ledger.NewSQLiteStore(cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		store = s
	case "postgres":
		s, err := ledger.NewPostgresStore(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		store = s
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}

	var locker scale.Locker
	switch cfg.Lock.Driver {
	case "memory":
		locker = scale.NewInMemoryLock()
	case "redis":
		rl := scale.NewRedisLock(cfg.Lock.Address)
		closers = append(closers, rl)
		locker = rl
	case "postgres":
		db, err := sql.Open("pgx", cfg.Lock.DSN)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("open lock database: %w", err)
		}
		closers = append(closers, db)
		locker = scale.NewPGAdvisoryLock(db)
	default:
		_ = store.Close()
		return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Lock.Driver)
	}

	l := ledger.New(store, locker, logger)
	l.SetLockTTL(cfg.Lock.TTL)
	return l, closers, nil
}

// newResolver registers the configured secret providers.
func newResolver(cfg config.SecretsConfig) (*secrets.Resolver, error) {
	r := secrets.NewResolver()
	if cfg.FileDir != "" {
		r.Register("file", secrets.NewFileProvider(cfg.FileDir))
	}
	if cfg.Vault != nil {
		vp, err := secrets.NewVaultProvider(*cfg.Vault)
		if err != nil {
			return nil, err
		}
		r.Register("vault", vp)
	}
	return r, nil
}

// newApp loads the configuration at path and wires the deployment engine.
func newApp(ctx context.Context, path string, logger *slog.Logger) (*app, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	l, closers, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.ledger = l
	a.closers = closers

	resolver, err := newResolver(cfg.Secrets)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var ch remote.Channel
	if cfg.SSH.Local {
		ch = remote.NewLocalChannel()
	} else {
		ssh := remote.NewSSHChannel(remote.SSHConfig{
			DefaultUser:           cfg.SSH.User,
			DialTimeout:           cfg.SSH.DialTimeout,
			KnownHosts:            cfg.SSH.KnownHosts,
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		}, resolver, logger)
		a.closers = append(a.closers, ssh)
		ch = ssh
	}

	tracer := observability.NewTracer(nil)
	if t := cfg.Telemetry; t.OTLPEndpoint != "" {
		tc := observability.DefaultTracingConfig()
		tc.Endpoint = t.OTLPEndpoint
		tc.ServiceName = t.ServiceName
		tc.ServiceVersion = version
		tc.Insecure = t.Insecure
		if t.SampleRate > 0 {
			tc.SampleRate = t.SampleRate
		}
		p, err := observability.NewProvider(ctx, tc)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("tracing: %w", err)
		}
		a.provider = p
		tracer = observability.NewTracer(p.Tracer())
	}

	querier := health.NewSQLQuerier()
	a.closers = append(a.closers, querier)

	a.engine = deploy.NewEngine(deploy.Deps{
		Configs:    cfg,
		Ledger:     l,
		Channel:    ch,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Querier:    querier,
		Metrics:    a.metrics,
		Tracer:     tracer,
	}, logger)
	return a, nil
}

// Close flushes telemetry and releases every connection. Errors are logged.
func (a *app) Close(ctx context.Context) {
	if t := a.cfg.Telemetry; t.Pushgateway != "" {
		if err := a.metrics.Push(ctx, t.Pushgateway, t.Job); err != nil {
			a.logger.Warn("metrics push failed", "gateway", t.Pushgateway, "error", err)
		}
	}
	if err := a.provider.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", "error", err)
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

// stderr is swapped in tests.
var stderr io.Writer = os.Stderr
