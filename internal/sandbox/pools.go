package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
)

// DefaultAcquireTimeout bounds how long a request waits for a connection.
const DefaultAcquireTimeout = 2 * time.Second

// PoolConfig describes one per-role connection pool.
type PoolConfig struct {
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpen         int           `yaml:"max_open" mapstructure:"max_open"`
	MaxIdle         int           `yaml:"max_idle" mapstructure:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// Pools holds one connection pool per session role. The user pool
// connects with a credential that cannot bypass row-level security.
type Pools struct {
	dbs            map[model.Role]*sql.DB
	acquireTimeout time.Duration
}

// NewPools wraps already opened pools.
func NewPools(dbs map[model.Role]*sql.DB, acquireTimeout time.Duration) *Pools {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Pools{dbs: dbs, acquireTimeout: acquireTimeout}
}

// OpenPools opens a PostgreSQL pool for every configured role.
func OpenPools(cfgs map[model.Role]PoolConfig, acquireTimeout time.Duration) (*Pools, error) {
	dbs := make(map[model.Role]*sql.DB, len(cfgs))
	for role, cfg := range cfgs {
		if cfg.DSN == "" {
			closeAll(dbs)
			return nil, fmt.Errorf("sandbox: no DSN configured for role %q", role)
		}
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			closeAll(dbs)
			return nil, fmt.Errorf("sandbox: open %s pool: %w", role, err)
		}
		if cfg.MaxOpen > 0 {
			db.SetMaxOpenConns(cfg.MaxOpen)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		dbs[role] = db
	}
	return NewPools(dbs, acquireTimeout), nil
}

// Acquire checks out a connection for role, waiting at most the acquire
// timeout. The caller must Close the connection to return it.
func (p *Pools) Acquire(ctx context.Context, role model.Role) (*sql.Conn, error) {
	db, ok := p.dbs[role]
	if !ok {
		return nil, fault.New(fault.ExecutionFailure, "query execution failed").
			WithReason(fault.ReasonExecutionFailed + ":no_pool_for_role")
	}
	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	conn, err := db.Conn(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fault.Wrap(fault.ExecutionFailure, "query execution failed", err).
				WithReason(fault.ReasonExecutionFailed + ":pool_acquire_timeout")
		}
		return nil, execFault("acquire", err)
	}
	return conn, nil
}

// Close closes every pool.
func (p *Pools) Close() error {
	return closeAll(p.dbs)
}

func closeAll(dbs map[model.Role]*sql.DB) error {
	var errs []error
	for _, db := range dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
