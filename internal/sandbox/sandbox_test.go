package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/policy"
	"github.com/ppiankov/proofvault/internal/redact"
)

var (
	_ Executor = (*PooledExecutor)(nil)
	_ Executor = (*IsolatedExecutor)(nil)
)

func testContext() ExecutionContext {
	return ExecutionContext{
		Role:              model.RoleUser,
		OrgID:             "org-1",
		AllowedAccountIDs: []string{"acc-1", "acc-2"},
		Clearance:         "qg_analyst",
	}
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// expectSetup registers the scope statements in the order RunTx issues them.
func expectSetup(mock sqlmock.Sqlmock, ec ExecutionContext) {
	ok := sqlmock.NewResult(0, 0)
	mock.ExpectBegin()
	for _, s := range setupStatements(DefaultLimits()) {
		mock.ExpectExec(s).WillReturnResult(ok)
	}
	mock.ExpectExec(setOrgID).WithArgs(ec.OrgID).WillReturnResult(ok)
	mock.ExpectExec(setAccountIDs).WithArgs(ec.JoinedAccountIDs()).WillReturnResult(ok)
	mock.ExpectExec("SET LOCAL ROLE " + ec.Clearance).WillReturnResult(ok)
}

func TestSetupStatementsOrderAndValues(t *testing.T) {
	got := setupStatements(DefaultLimits())
	want := []string{
		"SET TRANSACTION READ ONLY",
		"SET LOCAL statement_timeout = '2000ms'",
		"SET LOCAL lock_timeout = '500ms'",
		"SET LOCAL idle_in_transaction_session_timeout = '5000ms'",
		"SET LOCAL search_path = 'pg_catalog'",
	}
	require.Equal(t, want, got)
}

func TestPooledExecutorRunsScopedTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	ec := testContext()
	stmt := "SELECT tx_id, amount FROM transactions_public.transactions LIMIT 100"

	expectSetup(mock, ec)
	mock.ExpectQuery(stmt).WillReturnRows(
		sqlmock.NewRows([]string{"tx_id", "amount"}).
			AddRow(int64(1), []byte("12.50")).
			AddRow(int64(2), []byte("7.00")),
	)
	mock.ExpectCommit()

	exec := NewPooledExecutor(NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), Limits{}, nil)
	rows, err := exec.Execute(context.Background(), stmt, ec)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, json.Number("1"), rows[0]["tx_id"])
	require.Equal(t, "12.50", rows[0]["amount"], "byte values are surfaced as strings")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPooledExecutorEmptyResultIsNotNil(t *testing.T) {
	db, mock := newMockDB(t)
	ec := testContext()
	stmt := "SELECT 1 FROM transactions_public.transactions LIMIT 100"

	expectSetup(mock, ec)
	mock.ExpectQuery(stmt).WillReturnRows(sqlmock.NewRows([]string{"x"}))
	mock.ExpectCommit()

	exec := NewPooledExecutor(NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), Limits{}, nil)
	rows, err := exec.Execute(context.Background(), stmt, ec)
	require.NoError(t, err)
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestQueryFailureRollsBackWithBoundedError(t *testing.T) {
	db, mock := newMockDB(t)
	ec := testContext()
	stmt := "SELECT pg_sleep(10) FROM transactions_public.transactions LIMIT 100"

	expectSetup(mock, ec)
	mock.ExpectQuery(stmt).WillReturnError(&pq.Error{
		Code:    "57014",
		Message: "canceling statement due to statement timeout",
	})
	mock.ExpectRollback()

	exec := NewPooledExecutor(NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), Limits{}, nil)
	_, err := exec.Execute(context.Background(), stmt, ec)
	require.Error(t, err)
	require.Equal(t, fault.ExecutionFailure, fault.KindOf(err))

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "execution_failed:query:query_canceled", fe.Reason)
	require.NotContains(t, fe.Public(), "statement timeout", "store internals must not leak")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackErrorIsSwallowed(t *testing.T) {
	db, mock := newMockDB(t)
	ec := testContext()

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION READ ONLY").WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback().WillReturnError(errors.New("rollback failed too"))

	exec := NewPooledExecutor(NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), Limits{}, nil)
	_, err := exec.Execute(context.Background(), "SELECT 1", ec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "execution_failed:setup")
	require.NotContains(t, err.Error(), "rollback failed")
}

func TestInvalidScopeNeverTouchesTheStore(t *testing.T) {
	db, mock := newMockDB(t)
	exec := NewPooledExecutor(NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), Limits{}, nil)

	cases := map[string]func(*ExecutionContext){
		"missing org":        func(c *ExecutionContext) { c.OrgID = " " },
		"nil accounts":       func(c *ExecutionContext) { c.AllowedAccountIDs = nil },
		"comma in account":   func(c *ExecutionContext) { c.AllowedAccountIDs = []string{"a,b"} },
		"unknown clearance":  func(c *ExecutionContext) { c.Clearance = "postgres" },
		"injected clearance": func(c *ExecutionContext) { c.Clearance = "qg_analyst; DROP ROLE x" },
		"unknown role":       func(c *ExecutionContext) { c.Role = "root" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ec := testContext()
			mutate(&ec)
			_, err := exec.Execute(context.Background(), "SELECT 1", ec)
			require.Error(t, err)
			require.Equal(t, fault.ExecutionFailure, fault.KindOf(err))
		})
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmptyAccountListIsAllowed(t *testing.T) {
	ec := testContext()
	ec.AllowedAccountIDs = []string{}
	require.NoError(t, ec.Validate())
	require.Equal(t, "", ec.JoinedAccountIDs())
}

func TestAcquireTimesOutWhenPoolExhausted(t *testing.T) {
	db, _ := newMockDB(t)
	db.SetMaxOpenConns(1)
	pools := NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, 50*time.Millisecond)

	held, err := pools.Acquire(context.Background(), model.RoleUser)
	require.NoError(t, err)
	defer held.Close()

	_, err = pools.Acquire(context.Background(), model.RoleUser)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pool_acquire_timeout")
}

func TestAcquireUnknownRole(t *testing.T) {
	pools := NewPools(map[model.Role]*sql.DB{}, 0)
	_, err := pools.Acquire(context.Background(), model.RoleAdmin)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no_pool_for_role")
}

func TestOpenPoolsRequiresDSN(t *testing.T) {
	_, err := OpenPools(map[model.Role]PoolConfig{model.RoleUser: {}}, 0)
	require.Error(t, err)
}

func TestFromSchemaUsesPrimaryDatabase(t *testing.T) {
	s := policy.AuthorizedSchema{Databases: []policy.Database{
		{
			Name:      "primary",
			Tables:    []policy.Table{{Name: "transactions_public.transactions"}},
			Scope:     policy.Scope{OrgID: "org-9", AllowedAccountIDs: []string{"a"}},
			Clearance: "qg_risk_analyst",
		},
		{
			Name:      "secondary",
			Tables:    []policy.Table{{Name: "risk_public.risk_flags"}},
			Scope:     policy.Scope{OrgID: "org-other", AllowedAccountIDs: []string{"b"}},
			Clearance: "qg_compliance",
		},
	}}
	ec, err := FromSchema(model.RoleAdmin, s)
	require.NoError(t, err)
	require.Equal(t, "org-9", ec.OrgID)
	require.Equal(t, "qg_risk_analyst", ec.Clearance)
	require.Equal(t, []string{"a"}, ec.AllowedAccountIDs)

	_, err = FromSchema(model.RoleUser, policy.AuthorizedSchema{})
	require.Equal(t, fault.PolicyMissing, fault.KindOf(err))
}

func TestNewIsolatedExecutorModes(t *testing.T) {
	_, err := NewIsolatedExecutor(IsolatedConfig{Mode: RunnerDocker}, nil)
	require.Error(t, err, "docker mode requires an image")

	_, err = NewIsolatedExecutor(IsolatedConfig{Mode: "vm"}, nil)
	require.Error(t, err)

	e, err := NewIsolatedExecutor(IsolatedConfig{}, nil)
	require.NoError(t, err)
	require.Equal(t, RunnerLocal, e.cfg.Mode)
	require.Equal(t, []string{"runner"}, e.cfg.Args)
}

func TestDockerCommandKeepsDSNOffArgv(t *testing.T) {
	e, err := NewIsolatedExecutor(IsolatedConfig{
		Mode:    RunnerDocker,
		Image:   "proofvault-runner:latest",
		Network: "qg-net",
	}, nil)
	require.NoError(t, err)

	dsn := "postgres://qg_user:secret@db:5432/app"
	cmd := e.command(context.Background(), model.RoleUser, dsn)
	argv := strings.Join(cmd.Args, " ")
	require.Equal(t, "docker run --rm -i --network qg-net -e PROOFVAULT_RUNNER_DSN -e PROOFVAULT_RUNNER_ROLE "+
		"-e PROOFVAULT_RUNNER_STATEMENT_TIMEOUT -e PROOFVAULT_RUNNER_LOCK_TIMEOUT -e PROOFVAULT_RUNNER_IDLE_TIMEOUT "+
		"proofvault-runner:latest", argv)
	require.NotContains(t, argv, "secret")
	require.Contains(t, cmd.Env, RunnerDSNEnv+"="+dsn)
	require.Contains(t, cmd.Env, RunnerRoleEnv+"=user")
}

func TestIsolatedExecutorMissingDSN(t *testing.T) {
	e, err := NewIsolatedExecutor(IsolatedConfig{Command: "/bin/true"}, nil)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), "SELECT 1", testContext())
	require.Error(t, err)
	require.Contains(t, err.Error(), "runner_spawn")
}

func TestJSONColumnsAreScrubbedByKey(t *testing.T) {
	db, mock := newMockDB(t)
	ec := testContext()
	stmt := "SELECT customer_id, profile FROM kyc_private.customers_pii LIMIT 100"

	expectSetup(mock, ec)
	mock.ExpectQuery(stmt).WillReturnRows(
		sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("customer_id").OfType("TEXT", ""),
			sqlmock.NewColumn("profile").OfType("JSONB", []byte{}),
		).AddRow("c-1", []byte(`{"address":"12 Main St","ssn":"123456789","date_of_birth":"1990-01-01","tier":"gold","phones":["5551234567"]}`)),
	)
	mock.ExpectCommit()

	exec := NewPooledExecutor(NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), Limits{}, nil)
	rows, err := exec.Execute(context.Background(), stmt, ec)
	require.NoError(t, err)

	scrubbed := redact.Scrub(rows)
	profile, ok := scrubbed[0]["profile"].(map[string]any)
	require.True(t, ok, "jsonb column must decode to an object, got %T", scrubbed[0]["profile"])
	require.Equal(t, "[REDACTED_ADDRESS]", profile["address"])
	require.Equal(t, "[REDACTED_SSN]", profile["ssn"])
	require.Equal(t, "[REDACTED_DOB]", profile["date_of_birth"])
	require.Equal(t, "gold", profile["tier"])
	require.Equal(t, []any{"[REDACTED_PHONE]"}, profile["phones"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMalformedJSONColumnStaysText(t *testing.T) {
	require.Equal(t, "{broken", columnValue([]byte("{broken"), true))
	require.Equal(t, "plain", columnValue([]byte("plain"), false))
	require.Equal(t, []any{json.Number("1"), "a"}, columnValue([]byte(`[1,"a"]`), true))
}

func TestNormalizeRowsUsesWireForm(t *testing.T) {
	rows, err := NormalizeRows([]map[string]any{{
		"id":     int64(9007199254740993),
		"at":     time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		"amount": 12.5,
		"note":   nil,
	}})
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{
		"id":     json.Number("9007199254740993"),
		"at":     "2025-03-01T12:30:00Z",
		"amount": json.Number("12.5"),
		"note":   nil,
	}}, rows)

	empty, err := NormalizeRows(nil)
	require.NoError(t, err)
	require.NotNil(t, empty)
}

func TestLimitsEnvRoundTrip(t *testing.T) {
	want := Limits{StatementTimeout: 7 * time.Second, LockTimeout: 250 * time.Millisecond, IdleInTxTimeout: 9 * time.Second}
	for _, kv := range want.Env() {
		name, value, _ := strings.Cut(kv, "=")
		t.Setenv(name, value)
	}
	got, err := LimitsFromEnv(DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, want, got)

	t.Setenv(RunnerLockTimeoutEnv, "-1s")
	_, err = LimitsFromEnv(DefaultLimits())
	require.ErrorContains(t, err, RunnerLockTimeoutEnv)
}

func TestLimitsFromEnvKeepsFallback(t *testing.T) {
	for _, k := range []string{RunnerStatementTimeoutEnv, RunnerLockTimeoutEnv, RunnerIdleTimeoutEnv} {
		t.Setenv(k, "")
	}
	got, err := LimitsFromEnv(DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, DefaultLimits(), got)
}

func TestRunnerCommandCarriesLimits(t *testing.T) {
	limits := Limits{StatementTimeout: 7 * time.Second}

	local, err := NewIsolatedExecutor(IsolatedConfig{Mode: RunnerLocal, Command: "/usr/local/bin/proofvault", Args: []string{"runner"}, Limits: limits}, nil)
	require.NoError(t, err)
	cmd := local.command(context.Background(), model.RoleUser, "postgres://u@db/fintech")
	require.Contains(t, cmd.Env, RunnerStatementTimeoutEnv+"=7s")
	require.Contains(t, cmd.Env, RunnerLockTimeoutEnv+"=500ms")
	for _, arg := range cmd.Args {
		require.NotContains(t, arg, "postgres://", "DSN must not appear on the command line")
	}

	docker, err := NewIsolatedExecutor(IsolatedConfig{Mode: RunnerDocker, Image: "proofvault:latest", Limits: limits}, nil)
	require.NoError(t, err)
	cmd = docker.command(context.Background(), model.RoleUser, "postgres://u@db/fintech")
	require.Contains(t, cmd.Env, RunnerStatementTimeoutEnv+"=7s")
	require.Contains(t, strings.Join(cmd.Args, " "), "-e "+RunnerStatementTimeoutEnv+" -e "+RunnerLockTimeoutEnv+" -e "+RunnerIdleTimeoutEnv+" proofvault:latest")
}
