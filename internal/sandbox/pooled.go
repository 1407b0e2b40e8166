package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// PooledExecutor runs statements on the gateway's own per-role pools.
type PooledExecutor struct {
	pools  *Pools
	limits Limits
	logger *slog.Logger
}

// NewPooledExecutor returns an executor over pools.
func NewPooledExecutor(pools *Pools, limits Limits, logger *slog.Logger) *PooledExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PooledExecutor{pools: pools, limits: limits.withDefaults(), logger: logger}
}

// Execute validates the scope, acquires a connection for the role and
// runs the statement in a scoped read-only transaction. The connection is
// always returned to its pool.
func (e *PooledExecutor) Execute(ctx context.Context, stmt string, ec ExecutionContext) ([]map[string]any, error) {
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	conn, err := e.pools.Acquire(ctx, ec.Role)
	if err != nil {
		e.logger.Warn("connection acquire failed", "role", ec.Role, "error", err)
		return nil, err
	}
	defer conn.Close()

	rows, err := RunTx(ctx, conn, stmt, ec, e.limits)
	if err != nil {
		e.logger.Warn("sandboxed execution failed", "role", ec.Role, "clearance", ec.Clearance, "error", err)
		return nil, err
	}
	e.logger.Debug("sandboxed execution", "role", ec.Role, "rows", len(rows), "elapsed", time.Since(start))
	return rows, nil
}

// Close closes the underlying pools.
func (e *PooledExecutor) Close() error {
	return e.pools.Close()
}
