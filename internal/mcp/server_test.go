package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/orchestrator"
	"github.com/ppiankov/proofvault/internal/planner"
	"github.com/ppiankov/proofvault/internal/policy"
	"github.com/ppiankov/proofvault/internal/sandbox"
)

const testPolicy = `
roles:
  user:
    databases:
      - name: fintech
        tables:
          - name: transactions_public.transactions
        scope:
          org_id: org_demo
          allowed_account_ids: [acc_001]
        clearance: qg_analyst
  admin:
    databases:
      - name: fintech
        tables:
          - name: transactions_public.transactions
          - name: kyc_private.customers_pii
        scope:
          org_id: org_demo
          allowed_account_ids: [acc_001, acc_002]
        clearance: qg_compliance
`

var (
	user  = SessionInput{Sub: "u-1", Role: "user", Email: "user@example.com"}
	user2 = SessionInput{Sub: "u-2", Role: "user"}
	admin = SessionInput{Sub: "a-1", Role: "admin", Email: "admin@example.com"}
)

type rowsExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *rowsExecutor) Execute(context.Context, string, sandbox.ExecutionContext) ([]map[string]any, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return []map[string]any{
		{"customer_id": "c-1", "email": "jane@example.com", "kyc_status": "verified"},
	}, nil
}

func (e *rowsExecutor) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *rowsExecutor) {
	t.Helper()
	doc, err := policy.Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("failed to parse policy: %v", err)
	}
	exec := &rowsExecutor{}
	ledger := audit.NewLedger(audit.NewMemoryStore())
	orch, err := orchestrator.New(orchestrator.Deps{
		Resolver: doc,
		Planner:  planner.Stub{},
		Executor: exec,
		Ledger:   ledger,
	}, orchestrator.Config{})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	s, err := New(Config{Orchestrator: orch, Ledger: ledger, Version: "test"})
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	return s, exec
}

func TestQueryAllowed(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()

	result, out, err := s.handleQuery(ctx, &mcpsdk.CallToolRequest{}, QueryInput{
		Session: user,
		Prompt:  "show recent transactions",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success, got error result")
	}
	if !out.OK || out.Decision != "SAFE" {
		t.Fatalf("expected ok SAFE, got ok=%v decision=%q", out.OK, out.Decision)
	}
	if out.ReceiptID == "" || out.WorkflowID == "" {
		t.Fatal("expected receipt and workflow ids")
	}
	if out.RowCount != 1 || exec.calls != 1 {
		t.Fatalf("expected one row from one execution, got %d rows, %d calls", out.RowCount, exec.calls)
	}
}

func TestQueryScrubsRows(t *testing.T) {
	s, _ := newTestServer(t)

	_, out, err := s.handleQuery(context.Background(), &mcpsdk.CallToolRequest{}, QueryInput{
		Session:  admin,
		Prompt:   "customer emails please",
		Approved: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Decision != "NEEDS_APPROVAL" {
		t.Fatalf("expected NEEDS_APPROVAL, got %q", out.Decision)
	}
	if got := out.Rows[0]["email"]; got != "[REDACTED_EMAIL]" {
		t.Fatalf("expected redacted email, got %v", got)
	}
}

func TestQueryDeniedOutOfScope(t *testing.T) {
	s, exec := newTestServer(t)

	result, out, err := s.handleQuery(context.Background(), &mcpsdk.CallToolRequest{}, QueryInput{
		Session: user,
		Prompt:  "customer emails please",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for denied query")
	}
	if out.OK || out.Decision != "BLOCKED" {
		t.Fatalf("expected blocked, got ok=%v decision=%q", out.OK, out.Decision)
	}
	if out.ReceiptID == "" {
		t.Fatal("denials must carry a receipt id")
	}
	if out.Message != orchestrator.MessageDenied {
		t.Fatalf("unexpected message %q", out.Message)
	}
	if exec.calls != 0 {
		t.Fatal("denied query must not execute")
	}
}

func TestQueryApprovalRequired(t *testing.T) {
	s, _ := newTestServer(t)

	result, out, err := s.handleQuery(context.Background(), &mcpsdk.CallToolRequest{}, QueryInput{
		Session: admin,
		Prompt:  "customer emails please",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result")
	}
	if out.Error != "approval_required" {
		t.Fatalf("expected approval_required, got %q", out.Error)
	}
	if !strings.Contains(out.Message, `{"approved": true}`) {
		t.Fatalf("expected approval hint, got %q", out.Message)
	}
}

func TestQueryInvalidSession(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.handleQuery(context.Background(), &mcpsdk.CallToolRequest{}, QueryInput{
		Session: SessionInput{Sub: "x", Role: "root"},
		Prompt:  "anything",
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestLintDryRun(t *testing.T) {
	s, exec := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleLint(ctx, &mcpsdk.CallToolRequest{}, LintInput{
		Role: "user",
		SQL:  "SELECT tx_id FROM transactions_public.transactions",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK || !strings.HasSuffix(out.SanitizedSQL, "LIMIT 100") {
		t.Fatalf("expected ok with limit added, got %+v", out)
	}

	_, out, err = s.handleLint(ctx, &mcpsdk.CallToolRequest{}, LintInput{
		Role: "user",
		SQL:  "DELETE FROM transactions_public.transactions",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.OK || out.Decision != "BLOCKED" {
		t.Fatalf("expected blocked, got %+v", out)
	}
	if exec.calls != 0 {
		t.Fatal("lint must never execute")
	}
	list, _ := s.ledger.List(ctx, admin.session(), audit.Query{})
	if len(list) != 0 {
		t.Fatalf("lint must not write receipts, got %d", len(list))
	}
}

func TestLintRejectsUnknownRole(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.handleLint(context.Background(), &mcpsdk.CallToolRequest{}, LintInput{Role: "root", SQL: "SELECT 1"})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestAuditScopedToCaller(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	for _, sess := range []SessionInput{user, user2, admin} {
		if _, _, err := s.handleQuery(ctx, &mcpsdk.CallToolRequest{}, QueryInput{Session: sess, Prompt: "recent transactions"}); err != nil {
			t.Fatalf("seed query: %v", err)
		}
	}

	// A non-admin asking for someone else's receipts still only sees their own.
	_, out, err := s.handleAudit(ctx, &mcpsdk.CallToolRequest{}, AuditInput{Session: user, UserID: "u-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Count != 1 || out.Receipts[0].UserID != "u-1" {
		t.Fatalf("expected only u-1's receipt, got %+v", out.Receipts)
	}

	_, out, err = s.handleAudit(ctx, &mcpsdk.CallToolRequest{}, AuditInput{Session: admin})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("admin expected 3 receipts, got %d", out.Count)
	}

	_, out, err = s.handleAudit(ctx, &mcpsdk.CallToolRequest{}, AuditInput{Session: admin, UserID: "u-2", EventType: "EXECUTED"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Count != 1 || out.Receipts[0].UserID != "u-2" {
		t.Fatalf("expected u-2's receipt, got %+v", out.Receipts)
	}
}

func TestAuditRejectsUnknownEventType(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.handleAudit(context.Background(), &mcpsdk.CallToolRequest{}, AuditInput{Session: admin, EventType: "MAYBE"})
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without orchestrator")
	}
}

func TestToolsOverInMemoryTransport(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverT)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{ToolQuery, ToolLint, ToolAudit} {
		if !names[want] {
			t.Fatalf("tool %s not registered", want)
		}
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name: ToolQuery,
		Arguments: map[string]any{
			"session": map[string]any{"sub": "u-1", "role": "user"},
			"prompt":  "recent transactions",
		},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got error result: %+v", res.Content)
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var out QueryOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !out.OK || out.ReceiptID == "" {
		t.Fatalf("expected ok with receipt, got %+v", out)
	}
}
