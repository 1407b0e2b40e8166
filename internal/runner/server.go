// Package runner is the isolated SQL runner: a short-lived MCP server on
// stdio that executes one guard-approved statement with a single role's
// credential and exits.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/sandbox"
)

// Config holds runner configuration.
type Config struct {
	DB     *sql.DB
	Role   model.Role
	Limits sandbox.Limits
	Logger *slog.Logger
}

// Server wraps the MCP SDK server with the execute_sql tool.
type Server struct {
	mcpServer *mcpsdk.Server
	db        *sql.DB
	role      model.Role
	limits    sandbox.Limits
	logger    *slog.Logger
}

// New creates a runner bound to one role's database handle.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("runner: database handle is required")
	}
	if _, err := model.ParseRole(string(cfg.Role)); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		db:     cfg.DB,
		role:   cfg.Role,
		limits: cfg.Limits,
		logger: logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "proofvault-runner",
			Version: "0.1.0",
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// FromEnv opens the runner's database handle from the environment the
// gateway passes to the child process. Limits set by the gateway override
// the ones given here.
func FromEnv(limits sandbox.Limits, logger *slog.Logger) (*Server, error) {
	limits, err := sandbox.LimitsFromEnv(limits)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	dsn := os.Getenv(sandbox.RunnerDSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("runner: %s is not set", sandbox.RunnerDSNEnv)
	}
	role, err := model.ParseRole(os.Getenv(sandbox.RunnerRoleEnv))
	if err != nil {
		return nil, fmt.Errorf("runner: %s: %w", sandbox.RunnerRoleEnv, err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("runner: open database: %w", err)
	}
	// One call per process.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Minute)
	return New(Config{DB: db, Role: role, Limits: limits, Logger: logger})
}

// Run serves on stdio. Blocks until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// Close releases the database handle.
func (s *Server) Close() error {
	return s.db.Close()
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        sandbox.RunnerToolName,
		Description: "Execute one read-only SELECT inside a scoped transaction. Writes and DDL are rejected.",
	}, s.handleExecute)
}
