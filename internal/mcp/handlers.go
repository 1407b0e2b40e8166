package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/orchestrator"
)

// --- Input/Output types ---

// SessionInput is the authenticated caller, as established upstream.
type SessionInput struct {
	Sub    string `json:"sub" jsonschema:"subject id of the caller"`
	Role   string `json:"role" jsonschema:"session role: user or admin"`
	Email  string `json:"email,omitempty" jsonschema:"caller email"`
	Region string `json:"region,omitempty" jsonschema:"caller region"`
}

func (in SessionInput) session() model.Session {
	return model.Session{
		SubjectID: in.Sub,
		Role:      model.Role(in.Role),
		Email:     in.Email,
		Region:    in.Region,
	}
}

// QueryInput defines parameters for the proofvault_query tool.
type QueryInput struct {
	Session  SessionInput `json:"session" jsonschema:"authenticated caller"`
	Prompt   string       `json:"prompt" jsonschema:"natural-language question"`
	Approved bool         `json:"approved,omitempty" jsonschema:"admin approval for sensitive statements"`
}

// QueryOutput contains the scrubbed result or refusal details.
type QueryOutput struct {
	OK         bool             `json:"ok"`
	WorkflowID string           `json:"workflowId,omitempty"`
	Decision   string           `json:"decision,omitempty"`
	Risk       string           `json:"risk,omitempty"`
	SQL        string           `json:"sql,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	RowCount   int              `json:"rowCount"`
	ReceiptID  string           `json:"receiptId,omitempty"`
	ResultHash string           `json:"resultHash,omitempty"`
	TablesUsed []string         `json:"tablesUsed,omitempty"`
	Reasons    []string         `json:"reasons,omitempty"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// LintInput defines parameters for the proofvault_lint tool.
type LintInput struct {
	Role string `json:"role" jsonschema:"role whose authorized schema applies: user or admin"`
	SQL  string `json:"sql" jsonschema:"candidate SQL statement"`
}

// LintOutput contains the guard verdict.
type LintOutput struct {
	OK           bool     `json:"ok"`
	Decision     string   `json:"decision"`
	Risk         string   `json:"risk"`
	SanitizedSQL string   `json:"sanitizedSql,omitempty"`
	TablesUsed   []string `json:"tablesUsed"`
	Reasons      []string `json:"reasons"`
}

// AuditInput defines parameters for the proofvault_audit tool.
type AuditInput struct {
	Session   SessionInput `json:"session" jsonschema:"authenticated caller"`
	EventType string       `json:"eventType,omitempty" jsonschema:"EXECUTED or DENIED, omit for both"`
	UserID    string       `json:"userId,omitempty" jsonschema:"filter by user (admin only)"`
	Limit     int          `json:"limit,omitempty" jsonschema:"max receipts, 1-100, default 20"`
}

// AuditOutput lists receipts visible to the caller.
type AuditOutput struct {
	Receipts []ReceiptItem `json:"receipts"`
	Count    int           `json:"count"`
}

// ReceiptItem describes a single audit receipt.
type ReceiptItem struct {
	ReceiptID  string `json:"receiptId"`
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
	Prompt     string `json:"prompt"`
	SQL        string `json:"sql"`
	ResultHash string `json:"resultHash"`
	EventType  string `json:"eventType"`
	CreatedAt  string `json:"createdAt"`
}

// --- Handlers ---

func (s *Server) handleQuery(ctx context.Context, req *mcpsdk.CallToolRequest, input QueryInput) (*mcpsdk.CallToolResult, QueryOutput, error) {
	resp, err := s.orch.Handle(ctx, orchestrator.Request{
		Prompt:   input.Prompt,
		Session:  input.Session.session(),
		Approved: input.Approved,
	})
	if err != nil {
		var denied *orchestrator.DeniedError
		if errors.As(err, &denied) {
			out := QueryOutput{
				WorkflowID: denied.WorkflowID,
				Decision:   string(denied.Decision),
				ReceiptID:  denied.ReceiptID,
				ResultHash: denied.ResultHash,
				TablesUsed: denied.TablesUsed,
				Reasons:    denied.Reasons,
				Message:    denied.Message,
				Error:      string(denied.Kind),
			}
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		var fe *fault.Error
		if errors.As(err, &fe) {
			s.logger.Error("query failed without a receipt", "kind", fe.Kind, "error", err)
			return nil, QueryOutput{}, errors.New(fe.Public())
		}
		return nil, QueryOutput{}, err
	}

	return nil, QueryOutput{
		OK:         true,
		WorkflowID: resp.WorkflowID,
		Decision:   string(resp.Decision),
		Risk:       string(resp.Risk),
		SQL:        resp.SQL,
		Rows:       resp.Result,
		RowCount:   len(resp.Result),
		ReceiptID:  resp.ReceiptID,
		ResultHash: resp.ResultHash,
		TablesUsed: resp.TablesUsed,
		Reasons:    resp.Reasons,
	}, nil
}

func (s *Server) handleLint(ctx context.Context, req *mcpsdk.CallToolRequest, input LintInput) (*mcpsdk.CallToolResult, LintOutput, error) {
	role, err := model.ParseRole(input.Role)
	if err != nil {
		return nil, LintOutput{}, err
	}
	v, err := s.orch.Lint(ctx, role, input.SQL)
	if err != nil {
		return nil, LintOutput{}, err
	}
	return nil, LintOutput{
		OK:           v.OK,
		Decision:     string(v.Decision),
		Risk:         string(v.Risk),
		SanitizedSQL: v.SanitizedSQL,
		TablesUsed:   v.TablesUsed,
		Reasons:      v.Reasons,
	}, nil
}

func (s *Server) handleAudit(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditInput) (*mcpsdk.CallToolResult, AuditOutput, error) {
	eventType, err := audit.ParseEventType(input.EventType)
	if err != nil {
		return nil, AuditOutput{}, err
	}
	list, err := s.ledger.List(ctx, input.Session.session(), audit.Query{
		EventType: eventType,
		UserID:    input.UserID,
		Limit:     input.Limit,
	})
	if err != nil {
		return nil, AuditOutput{}, fmt.Errorf("list receipts: %w", err)
	}

	items := make([]ReceiptItem, len(list))
	for i, r := range list {
		items[i] = ReceiptItem{
			ReceiptID:  r.ReceiptID,
			WorkflowID: r.WorkflowID,
			UserID:     r.UserID,
			Prompt:     r.Prompt,
			SQL:        r.SQL,
			ResultHash: r.ResultHash,
			EventType:  string(r.EventType),
			CreatedAt:  r.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return nil, AuditOutput{Receipts: items, Count: len(items)}, nil
}
