package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/sandbox"
)

const testSQL = "SELECT tx_id FROM transactions_public.transactions LIMIT 100"

func newTestServer(t *testing.T, role model.Role) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := New(Config{DB: db, Role: role})
	require.NoError(t, err)
	return s, mock
}

func testInput() sandbox.RunnerInput {
	return sandbox.RunnerInput{
		SQL:               testSQL,
		Role:              "user",
		OrgID:             "org-1",
		AllowedAccountIDs: []string{"acc-1", "acc-2"},
		Clearance:         "qg_analyst",
	}
}

func expectScopedQuery(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	expectScopedQueryWithin(mock, rows, sandbox.DefaultLimits())
}

// expectScopedQueryWithin pins the exact timeout values the transaction sets.
func expectScopedQueryWithin(mock sqlmock.Sqlmock, rows *sqlmock.Rows, l sandbox.Limits) {
	ok := sqlmock.NewResult(0, 0)
	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION READ ONLY").WillReturnResult(ok)
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", l.StatementTimeout.Milliseconds()))).WillReturnResult(ok)
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.LockTimeout.Milliseconds()))).WillReturnResult(ok)
	mock.ExpectExec(regexp.QuoteMeta(fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = '%dms'", l.IdleInTxTimeout.Milliseconds()))).WillReturnResult(ok)
	mock.ExpectExec("SET LOCAL search_path").WillReturnResult(ok)
	mock.ExpectExec("set_config\\('app.org_id'").WithArgs("org-1").WillReturnResult(ok)
	mock.ExpectExec("set_config\\('app.allowed_account_ids'").WithArgs("acc-1,acc-2").WillReturnResult(ok)
	mock.ExpectExec("SET LOCAL ROLE qg_analyst").WillReturnResult(ok)
	mock.ExpectQuery("SELECT tx_id FROM transactions_public.transactions").WillReturnRows(rows)
	mock.ExpectCommit()
}

func TestNewRequiresDBAndRole(t *testing.T) {
	if _, err := New(Config{Role: model.RoleUser}); err == nil {
		t.Fatal("expected error without database handle")
	}
	db, _, _ := sqlmock.New()
	defer db.Close()
	if _, err := New(Config{DB: db, Role: "root"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestExecuteAllowed(t *testing.T) {
	s, mock := newTestServer(t, model.RoleUser)
	expectScopedQuery(mock, sqlmock.NewRows([]string{"tx_id"}).AddRow(1).AddRow(2))

	result, out, err := s.handleExecute(context.Background(), &mcpsdk.CallToolRequest{}, testInput())
	require.NoError(t, err)
	require.Nil(t, result)
	require.True(t, out.OK)
	require.Equal(t, 2, out.RowCount)
	require.Equal(t, "qg_analyst", out.DBRole)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRejectsWrites(t *testing.T) {
	s, mock := newTestServer(t, model.RoleUser)

	for _, stmt := range []string{
		"DELETE FROM transactions_public.transactions",
		"select 1; drop table x",
		"Update t set a = 1",
	} {
		in := testInput()
		in.SQL = stmt
		result, out, err := s.handleExecute(context.Background(), &mcpsdk.CallToolRequest{}, in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result == nil || !result.IsError {
			t.Fatalf("%q: expected IsError result", stmt)
		}
		if out.OK || out.Error != sandbox.RunnerErrWriteBlocked {
			t.Fatalf("%q: expected write_or_ddl_blocked, got %+v", stmt, out)
		}
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, model.RoleUser)

	tests := []struct {
		name   string
		mutate func(*sandbox.RunnerInput)
		code   string
	}{
		{"empty sql", func(in *sandbox.RunnerInput) { in.SQL = "  " }, sandbox.RunnerErrBadRequest},
		{"clearance injection", func(in *sandbox.RunnerInput) { in.Clearance = "qg_analyst; reset role" }, sandbox.RunnerErrBadRequest},
		{"clearance not whitelisted", func(in *sandbox.RunnerInput) { in.Clearance = "postgres" }, sandbox.RunnerErrBadRequest},
		{"role mismatch", func(in *sandbox.RunnerInput) { in.Role = "admin" }, sandbox.RunnerErrRoleMismatch},
		{"missing org", func(in *sandbox.RunnerInput) { in.OrgID = "" }, sandbox.RunnerErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.mutate(&in)
			_, out, err := s.handleExecute(context.Background(), &mcpsdk.CallToolRequest{}, in)
			require.NoError(t, err)
			require.False(t, out.OK)
			require.Equal(t, tt.code, out.Error)
		})
	}
}

func TestExecuteFailureIsBounded(t *testing.T) {
	s, mock := newTestServer(t, model.RoleUser)
	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION READ ONLY").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, out, err := s.handleExecute(context.Background(), &mcpsdk.CallToolRequest{}, testInput())
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Equal(t, sandbox.RunnerErrExecution, out.Error)
	require.Equal(t, "query execution failed", out.Message)
}

// inMemoryDial connects an IsolatedExecutor straight to s.
func inMemoryDial(t *testing.T, s *Server) sandbox.DialFunc {
	return func(ctx context.Context, ec sandbox.ExecutionContext) (mcpsdk.Transport, error) {
		clientT, serverT := mcpsdk.NewInMemoryTransports()
		ss, err := s.Connect(ctx, serverT)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { ss.Close() })
		return clientT, nil
	}
}

func TestIsolatedExecutorRoundTrip(t *testing.T) {
	s, mock := newTestServer(t, model.RoleUser)
	expectScopedQuery(mock, sqlmock.NewRows([]string{"tx_id"}).AddRow(7))

	exec, err := sandbox.NewIsolatedExecutor(sandbox.IsolatedConfig{Dial: inMemoryDial(t, s)}, nil)
	require.NoError(t, err)

	ec := sandbox.ExecutionContext{
		Role:              model.RoleUser,
		OrgID:             "org-1",
		AllowedAccountIDs: []string{"acc-1", "acc-2"},
		Clearance:         "qg_analyst",
	}
	rows, err := exec.Execute(context.Background(), testSQL, ec)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, json.Number("7"), rows[0]["tx_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsolatedExecutorSurfacesRunnerRejection(t *testing.T) {
	s, _ := newTestServer(t, model.RoleAdmin)

	exec, err := sandbox.NewIsolatedExecutor(sandbox.IsolatedConfig{Dial: inMemoryDial(t, s)}, nil)
	require.NoError(t, err)

	ec := sandbox.ExecutionContext{
		Role:              model.RoleUser,
		OrgID:             "org-1",
		AllowedAccountIDs: []string{},
		Clearance:         "qg_analyst",
	}
	_, err = exec.Execute(context.Background(), testSQL, ec)
	require.Error(t, err)
	require.Equal(t, fault.ExecutionFailure, fault.KindOf(err))
	require.Contains(t, err.Error(), sandbox.RunnerErrRoleMismatch)
}

func TestExecuteAcceptsKeywordsInsideLiterals(t *testing.T) {
	s, mock := newTestServer(t, model.RoleUser)
	stmt := `SELECT tx_id FROM transactions_public.transactions WHERE note = 'update' AND "delete" = 'it''s drop' LIMIT 100`
	ok := sqlmock.NewResult(0, 0)
	mock.ExpectBegin()
	for i := 0; i < 5; i++ {
		mock.ExpectExec("SET").WillReturnResult(ok)
	}
	mock.ExpectExec("set_config").WillReturnResult(ok)
	mock.ExpectExec("set_config").WillReturnResult(ok)
	mock.ExpectExec("SET LOCAL ROLE").WillReturnResult(ok)
	mock.ExpectQuery("SELECT tx_id").WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).AddRow(1))
	mock.ExpectCommit()

	in := testInput()
	in.SQL = stmt
	_, out, err := s.handleExecute(context.Background(), &mcpsdk.CallToolRequest{}, in)
	require.NoError(t, err)
	require.True(t, out.OK, "literal text must not trip the write filter: %+v", out)
	require.NoError(t, mock.ExpectationsWereMet())

	require.True(t, hasWriteKeyword(`SELECT 'x' FROM t; UPDATE t SET a = 1`))
	require.True(t, hasWriteKeyword(`SELECT $$update$$ FROM t`))
}

func TestExecuteAppliesConfiguredLimits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	limits := sandbox.Limits{
		StatementTimeout: 7 * time.Second,
		LockTimeout:      250 * time.Millisecond,
		IdleInTxTimeout:  9 * time.Second,
	}
	s, err := New(Config{DB: db, Role: model.RoleUser, Limits: limits})
	require.NoError(t, err)
	expectScopedQueryWithin(mock, sqlmock.NewRows([]string{"tx_id"}).AddRow(1), limits)

	_, out, err := s.handleExecute(context.Background(), &mcpsdk.CallToolRequest{}, testInput())
	require.NoError(t, err)
	require.True(t, out.OK)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFromEnvAppliesGatewayLimits(t *testing.T) {
	gateway := sandbox.Limits{StatementTimeout: 7 * time.Second, LockTimeout: time.Second, IdleInTxTimeout: 9 * time.Second}
	for _, kv := range gateway.Env() {
		name, value, _ := strings.Cut(kv, "=")
		t.Setenv(name, value)
	}
	t.Setenv(sandbox.RunnerDSNEnv, "postgres://runner@localhost/fintech?sslmode=disable")
	t.Setenv(sandbox.RunnerRoleEnv, "user")

	s, err := FromEnv(sandbox.DefaultLimits(), nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, gateway, s.limits)

	t.Setenv(sandbox.RunnerStatementTimeoutEnv, "soon")
	_, err = FromEnv(sandbox.DefaultLimits(), nil)
	require.ErrorContains(t, err, sandbox.RunnerStatementTimeoutEnv)
}

// resultRows builds the same result set for each executor under test.
func resultRows() *sqlmock.Rows {
	return sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("tx_id").OfType("INT8", int64(0)),
		sqlmock.NewColumn("posted_at").OfType("TIMESTAMPTZ", time.Time{}),
		sqlmock.NewColumn("meta").OfType("JSONB", []byte{}),
	).AddRow(
		int64(9007199254740993),
		time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		[]byte(`{"address":"12 Main St","score":0.5}`),
	)
}

func TestPooledAndIsolatedReturnIdenticalRows(t *testing.T) {
	ec := sandbox.ExecutionContext{
		Role:              model.RoleUser,
		OrgID:             "org-1",
		AllowedAccountIDs: []string{"acc-1", "acc-2"},
		Clearance:         "qg_analyst",
	}

	s, runnerMock := newTestServer(t, model.RoleUser)
	expectScopedQuery(runnerMock, resultRows())
	isolated, err := sandbox.NewIsolatedExecutor(sandbox.IsolatedConfig{Dial: inMemoryDial(t, s)}, nil)
	require.NoError(t, err)
	viaRunner, err := isolated.Execute(context.Background(), testSQL, ec)
	require.NoError(t, err)

	db, poolMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	expectScopedQuery(poolMock, resultRows())
	pooled := sandbox.NewPooledExecutor(sandbox.NewPools(map[model.Role]*sql.DB{model.RoleUser: db}, time.Second), sandbox.Limits{}, nil)
	viaPool, err := pooled.Execute(context.Background(), testSQL, ec)
	require.NoError(t, err)

	require.Equal(t, viaPool, viaRunner)
	require.Equal(t, json.Number("9007199254740993"), viaPool[0]["tx_id"])
	require.Equal(t, "2025-03-01T12:30:00Z", viaPool[0]["posted_at"])
	require.Equal(t, map[string]any{"address": "12 Main St", "score": json.Number("0.5")}, viaPool[0]["meta"])
}
