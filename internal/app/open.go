package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/config"
	"github.com/ppiankov/proofvault/internal/planner"
	"github.com/ppiankov/proofvault/internal/policy"
	"github.com/ppiankov/proofvault/internal/sandbox"
)

func noClose() error { return nil }

// OpenResolver builds the configured policy source, wrapped in a TTL cache.
// The watcher is nil unless the file source has watch enabled.
func OpenResolver(cfg config.PolicyConfig, logger *slog.Logger) (policy.Resolver, *policy.Watcher, func() error, error) {
	switch cfg.Source {
	case config.PolicySourceRedis:
		r, err := policy.NewRedisResolver(cfg.Redis.URL, cfg.Redis.Prefix, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return policy.NewCachedResolver(r, cfg.CacheTTL), nil, r.Close, nil

	case config.PolicySourceFile, "":
		fr, err := policy.NewFileResolver(cfg.Path, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if !cfg.Watch {
			return fr, nil, noClose, nil
		}
		// The file resolver already holds the latest document; the cache
		// only needs dropping when a reload lands.
		cached := policy.NewCachedResolver(fr, cfg.CacheTTL)
		w, err := policy.NewWatcher(fr, logger, cached.Invalidate)
		if err != nil {
			return nil, nil, nil, err
		}
		return cached, w, w.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("app: unknown policy source %q", cfg.Source)
	}
}

// OpenStore opens the configured receipt store.
func OpenStore(ctx context.Context, cfg config.AuditConfig) (audit.Store, error) {
	switch cfg.Store {
	case config.AuditStoreMemory, "":
		return audit.NewMemoryStore(), nil
	case config.AuditStoreFile:
		s, err := audit.OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.AuditStorePostgres, config.AuditStoreSQLite:
		s, err := audit.OpenSQL(ctx, audit.Dialect(cfg.Store), cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown audit store %q", cfg.Store)
	}
}

// OpenExecutor builds the pooled or isolated executor.
func OpenExecutor(cfg config.ExecutionConfig, logger *slog.Logger) (sandbox.Executor, error) {
	switch cfg.Mode {
	case config.ExecModeIsolated:
		rc := cfg.Runner
		rc.DSNs = cfg.Pools.DSNs()
		rc.Limits = cfg.Limits
		return sandbox.NewIsolatedExecutor(rc, logger)
	case config.ExecModePooled, "":
		pools, err := sandbox.OpenPools(cfg.Pools.ByRole(), cfg.AcquireTimeout)
		if err != nil {
			return nil, err
		}
		return sandbox.NewPooledExecutor(pools, cfg.Limits, logger), nil
	default:
		return nil, fmt.Errorf("app: unknown execution mode %q", cfg.Mode)
	}
}

// OpenPlanner builds the configured planner.
func OpenPlanner(ctx context.Context, cfg config.PlannerConfig, logger *slog.Logger) (planner.Planner, error) {
	kind, err := planner.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if kind == planner.KindBedrock {
		return planner.NewBedrock(ctx, cfg.Bedrock, logger)
	}
	return planner.Stub{}, nil
}
