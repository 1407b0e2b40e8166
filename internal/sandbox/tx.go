package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
)

// Limits are transaction-scoped resource bounds.
type Limits struct {
	StatementTimeout time.Duration `yaml:"statement_timeout" mapstructure:"statement_timeout"`
	LockTimeout      time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
	IdleInTxTimeout  time.Duration `yaml:"idle_in_transaction_timeout" mapstructure:"idle_in_transaction_timeout"`
}

// DefaultLimits returns the production bounds.
func DefaultLimits() Limits {
	return Limits{
		StatementTimeout: 2 * time.Second,
		LockTimeout:      500 * time.Millisecond,
		IdleInTxTimeout:  5 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.StatementTimeout <= 0 {
		l.StatementTimeout = d.StatementTimeout
	}
	if l.LockTimeout <= 0 {
		l.LockTimeout = d.LockTimeout
	}
	if l.IdleInTxTimeout <= 0 {
		l.IdleInTxTimeout = d.IdleInTxTimeout
	}
	return l
}

// Variables that carry the gateway's limits into a runner process.
const (
	RunnerStatementTimeoutEnv = "PROOFVAULT_RUNNER_STATEMENT_TIMEOUT"
	RunnerLockTimeoutEnv      = "PROOFVAULT_RUNNER_LOCK_TIMEOUT"
	RunnerIdleTimeoutEnv      = "PROOFVAULT_RUNNER_IDLE_TIMEOUT"
)

// Env encodes the effective limits as NAME=duration pairs for a runner.
func (l Limits) Env() []string {
	l = l.withDefaults()
	return []string{
		RunnerStatementTimeoutEnv + "=" + l.StatementTimeout.String(),
		RunnerLockTimeoutEnv + "=" + l.LockTimeout.String(),
		RunnerIdleTimeoutEnv + "=" + l.IdleInTxTimeout.String(),
	}
}

// LimitsFromEnv reads limits written by Env. Unset variables keep the
// value from fallback.
func LimitsFromEnv(fallback Limits) (Limits, error) {
	l := fallback
	for name, dst := range map[string]*time.Duration{
		RunnerStatementTimeoutEnv: &l.StatementTimeout,
		RunnerLockTimeoutEnv:      &l.LockTimeout,
		RunnerIdleTimeoutEnv:      &l.IdleInTxTimeout,
	} {
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return fallback, fmt.Errorf("sandbox: %s: invalid duration %q", name, raw)
		}
		*dst = d
	}
	return l, nil
}

// Setup statements, in execution order. Values are integers or fixed
// literals so formatting them into SQL is safe.
func setupStatements(l Limits) []string {
	return []string{
		"SET TRANSACTION READ ONLY",
		fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", l.StatementTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.LockTimeout.Milliseconds()),
		fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = '%dms'", l.IdleInTxTimeout.Milliseconds()),
		"SET LOCAL search_path = 'pg_catalog'",
	}
}

const (
	setOrgID      = "SELECT set_config('app.org_id', $1, true)"
	setAccountIDs = "SELECT set_config('app.allowed_account_ids', $1, true)"
)

// RunTx runs stmt on conn inside a read-only transaction with the scope
// variables injected and the clearance role assumed. Any failure rolls
// back and returns a fault of kind ExecutionFailure whose public message
// carries no store internals. The caller owns conn and must close it.
func RunTx(ctx context.Context, conn *sql.Conn, stmt string, ec ExecutionContext, limits Limits) ([]map[string]any, error) {
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	limits = limits.withDefaults()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, execFault("begin", err)
	}

	rows, err := runInTx(ctx, tx, stmt, ec, limits)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, execFault("commit", err)
	}
	return rows, nil
}

func runInTx(ctx context.Context, tx *sql.Tx, stmt string, ec ExecutionContext, limits Limits) ([]map[string]any, error) {
	for _, s := range setupStatements(limits) {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return nil, execFault("setup", err)
		}
	}
	if _, err := tx.ExecContext(ctx, setOrgID, ec.OrgID); err != nil {
		return nil, execFault("scope", err)
	}
	if _, err := tx.ExecContext(ctx, setAccountIDs, ec.JoinedAccountIDs()); err != nil {
		return nil, execFault("scope", err)
	}

	// The role name cannot be bound as a parameter. Re-validate right here
	// even though ec.Validate already did.
	clearance, err := model.ParseClearance(ec.Clearance)
	if err != nil {
		return nil, fault.Wrap(fault.ExecutionFailure, "query execution failed", err).
			WithReason(fault.ReasonExecutionFailed + ":invalid_clearance")
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+string(clearance)); err != nil {
		return nil, execFault("clearance", err)
	}

	rs, err := tx.QueryContext(ctx, stmt)
	if err != nil {
		return nil, execFault("query", err)
	}
	defer rs.Close()

	out, err := scanRows(rs)
	if err != nil {
		return nil, execFault("scan", err)
	}
	return out, nil
}

// execFault wraps a store error. The reason names the failing step and,
// for PostgreSQL errors, the SQLSTATE condition (e.g. query_canceled).
func execFault(step string, err error) error {
	reason := fault.ReasonExecutionFailed + ":" + step
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		reason += ":" + pqErr.Code.Name()
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		reason += ":" + "canceled"
	}
	return fault.Wrap(fault.ExecutionFailure, "query execution failed", err).WithReason(reason)
}
