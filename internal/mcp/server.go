// Package mcp exposes the governance gateway as MCP tools on stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/proofvault/internal/audit"
	"github.com/ppiankov/proofvault/internal/orchestrator"
)

// Tool names.
const (
	ToolQuery = "proofvault_query"
	ToolLint  = "proofvault_lint"
	ToolAudit = "proofvault_audit"
)

// Config holds MCP server configuration.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       *audit.Ledger
	Logger       *slog.Logger
	Version      string
}

// Server wraps the MCP SDK server with the gateway tools.
type Server struct {
	mcpServer *mcpsdk.Server
	orch      *orchestrator.Orchestrator
	ledger    *audit.Ledger
	logger    *slog.Logger
}

// New creates an MCP server over a wired orchestrator and ledger.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("mcp: orchestrator is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("mcp: audit ledger is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		orch:   cfg.Orchestrator,
		ledger: cfg.Ledger,
		logger: logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "proofvault",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// registerTools adds all gateway tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        ToolQuery,
		Description: "Answer a natural-language data question under the caller's role. Refusals return an error result with the receipt id and reasons.",
	}, s.handleQuery)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        ToolLint,
		Description: "Validate a SQL statement against a role's authorized schema without running it or writing a receipt (dry-run).",
	}, s.handleLint)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        ToolAudit,
		Description: "List audit receipts, newest first. Non-admin callers only see their own receipts.",
	}, s.handleAudit)
}
