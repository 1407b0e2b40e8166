// Package app builds the gateway's collaborators from configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/config"
	"github.com/ppiankov/proofvault/internal/metrics"
	"github.com/ppiankov/proofvault/internal/orchestrator"
	"github.com/ppiankov/proofvault/internal/planner"
	"github.com/ppiankov/proofvault/internal/policy"
	"github.com/ppiankov/proofvault/internal/sandbox"
	"github.com/ppiankov/proofvault/internal/sqlguard"
)

// Options override pieces of the configured stack. Zero values use the
// configuration.
type Options struct {
	Executor sandbox.Executor
	Planner  planner.Planner
}

// App is a fully wired gateway.
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Ledger       *audit.Ledger
	Resolver     policy.Resolver
	Guard        *sqlguard.Guard
	Metrics      metrics.Recorder

	registry *prometheus.Registry
	watcher  *policy.Watcher
	closers  []func() error
	logger   *slog.Logger
}

// New wires every collaborator. On error anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger, Guard: sqlguard.New(cfg.Guard), Metrics: metrics.Noop{}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	resolver, watcher, closeResolver, err := OpenResolver(cfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	a.Resolver, a.watcher = resolver, watcher
	a.closers = append(a.closers, closeResolver)

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		prom, err := metrics.NewProm(cfg.Metrics.Namespace, a.registry)
		if err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		a.Metrics = prom
	}

	store, err := OpenStore(ctx, cfg.Audit)
	if err != nil {
		return nil, err
	}
	a.Ledger = audit.NewLedger(store)
	a.closers = append(a.closers, a.Ledger.Close)

	exec := opts.Executor
	if exec == nil {
		if exec, err = OpenExecutor(cfg.Execution, logger); err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, exec.Close)

	plan := opts.Planner
	if plan == nil {
		if plan, err = OpenPlanner(ctx, cfg.Planner, logger); err != nil {
			return nil, err
		}
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Resolver: a.Resolver,
		Planner:  plan,
		Guard:    a.Guard,
		Executor: exec,
		Ledger:   a.Ledger,
		Metrics:  a.Metrics,
		Logger:   logger,
	}, cfg.Orchestrator())
	if err != nil {
		return nil, err
	}

	logger.Info("gateway wired",
		"policy_source", cfg.Policy.Source,
		"execution_mode", cfg.Execution.Mode,
		"audit_store", cfg.Audit.Store,
		"planner", cfg.Planner.Kind,
		"metrics", cfg.Metrics.Enabled,
	)
	return a, nil
}

// Watch runs the policy file watcher until ctx is cancelled. It returns
// immediately when hot reload is disabled.
func (a *App) Watch(ctx context.Context) error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Run(ctx)
}

// MetricsHandler serves the gateway's metrics, or nil when disabled.
func (a *App) MetricsHandler() http.Handler {
	if a.registry == nil {
		return nil
	}
	return metrics.Handler(a.registry)
}

// Close releases stores, pools and clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
