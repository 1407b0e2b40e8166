package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
)

// Runner wire contract shared with the runner process.
const (
	RunnerToolName = "execute_sql"
	RunnerDSNEnv   = "PROOFVAULT_RUNNER_DSN"
	RunnerRoleEnv  = "PROOFVAULT_RUNNER_ROLE"
)

// Runner error codes.
const (
	RunnerErrWriteBlocked  = "write_or_ddl_blocked"
	RunnerErrBadRequest    = "invalid_request"
	RunnerErrRoleMismatch  = "role_mismatch"
	RunnerErrExecution     = "execution_error"
	RunnerErrNotConfigured = "not_configured"
)

// RunnerInput is the execute_sql tool argument.
type RunnerInput struct {
	SQL               string   `json:"sql" jsonschema:"sanitized single SELECT statement"`
	Role              string   `json:"role" jsonschema:"session role: user or admin"`
	OrgID             string   `json:"orgId" jsonschema:"tenant organization id"`
	AllowedAccountIDs []string `json:"allowedAccountIds" jsonschema:"account ids visible to this request"`
	Clearance         string   `json:"clearance" jsonschema:"database clearance role to assume"`
}

// RunnerOutput is the execute_sql tool result.
type RunnerOutput struct {
	OK       bool             `json:"ok"`
	Rows     []map[string]any `json:"rows,omitempty"`
	RowCount int              `json:"rowCount"`
	DBRole   string           `json:"dbRole,omitempty"`
	Error    string           `json:"error,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// DialFunc opens the transport to a runner serving one call for ec.
type DialFunc func(ctx context.Context, ec ExecutionContext) (mcpsdk.Transport, error)

// RunnerMode selects how a runner process is started.
type RunnerMode string

const (
	RunnerLocal  RunnerMode = "local"
	RunnerDocker RunnerMode = "docker"
)

// IsolatedConfig configures the per-call runner.
type IsolatedConfig struct {
	Mode    RunnerMode    `yaml:"mode" mapstructure:"mode"`
	Command string        `yaml:"command" mapstructure:"command"`
	Args    []string      `yaml:"args" mapstructure:"args"`
	Image   string        `yaml:"image" mapstructure:"image"`
	Network string        `yaml:"network" mapstructure:"network"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// DSNs are handed to the runner one role at a time.
	DSNs map[model.Role]string `yaml:"-" mapstructure:"-"`
	// Limits are the gateway's transaction limits, passed to every runner.
	Limits Limits `yaml:"-" mapstructure:"-"`
	// Dial overrides process spawning.
	Dial DialFunc `yaml:"-" mapstructure:"-"`
}

// DefaultRunnerTimeout bounds one isolated call end to end.
const DefaultRunnerTimeout = 10 * time.Second

// IsolatedExecutor spawns a short-lived runner per call over stdio. The
// runner holds a credential for the requesting role only and exits after
// the call.
type IsolatedExecutor struct {
	cfg    IsolatedConfig
	logger *slog.Logger
}

// NewIsolatedExecutor returns an executor that runs each call in its own
// runner process.
func NewIsolatedExecutor(cfg IsolatedConfig, logger *slog.Logger) (*IsolatedExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRunnerTimeout
	}
	if cfg.Dial == nil {
		switch cfg.Mode {
		case RunnerDocker:
			if cfg.Image == "" {
				return nil, fmt.Errorf("sandbox: docker runner requires an image")
			}
		case RunnerLocal, "":
			cfg.Mode = RunnerLocal
			if cfg.Command == "" {
				self, err := os.Executable()
				if err != nil {
					return nil, fmt.Errorf("sandbox: resolve runner binary: %w", err)
				}
				cfg.Command = self
				if len(cfg.Args) == 0 {
					cfg.Args = []string{"runner"}
				}
			}
		default:
			return nil, fmt.Errorf("sandbox: unknown runner mode %q", cfg.Mode)
		}
	}
	return &IsolatedExecutor{cfg: cfg, logger: logger}, nil
}

// Execute sends one statement to a fresh runner and decodes its reply.
func (e *IsolatedExecutor) Execute(ctx context.Context, stmt string, ec ExecutionContext) ([]map[string]any, error) {
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	transport, err := e.dial(ctx, ec)
	if err != nil {
		return nil, runnerFault("spawn", err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "proofvault-gateway", Version: "1"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, runnerFault("connect", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name: RunnerToolName,
		Arguments: RunnerInput{
			SQL:               stmt,
			Role:              string(ec.Role),
			OrgID:             ec.OrgID,
			AllowedAccountIDs: ec.AllowedAccountIDs,
			Clearance:         ec.Clearance,
		},
	})
	if err != nil {
		return nil, runnerFault("call", err)
	}
	out, err := decodeRunnerOutput(res)
	if err != nil {
		return nil, runnerFault("decode", err)
	}
	if !out.OK {
		e.logger.Warn("runner rejected statement", "role", ec.Role, "error", out.Error)
		return nil, fault.New(fault.ExecutionFailure, "query execution failed").
			WithReason(fault.ReasonExecutionFailed + ":" + out.Error)
	}
	if out.Rows == nil {
		out.Rows = []map[string]any{}
	}
	return out.Rows, nil
}

// Close is a no-op; runners do not outlive their call.
func (e *IsolatedExecutor) Close() error { return nil }

func (e *IsolatedExecutor) dial(ctx context.Context, ec ExecutionContext) (mcpsdk.Transport, error) {
	if e.cfg.Dial != nil {
		return e.cfg.Dial(ctx, ec)
	}
	dsn := e.cfg.DSNs[ec.Role]
	if dsn == "" {
		return nil, fmt.Errorf("no runner DSN for role %s", ec.Role)
	}
	return &mcpsdk.CommandTransport{Command: e.command(ctx, ec.Role, dsn)}, nil
}

// command builds the runner process. The DSN travels in the environment,
// never on the command line.
func (e *IsolatedExecutor) command(ctx context.Context, role model.Role, dsn string) *exec.Cmd {
	env := []string{
		RunnerDSNEnv + "=" + dsn,
		RunnerRoleEnv + "=" + string(role),
		"PATH=" + os.Getenv("PATH"),
	}
	env = append(env, e.cfg.Limits.Env()...)
	var cmd *exec.Cmd
	switch e.cfg.Mode {
	case RunnerDocker:
		args := []string{"run", "--rm", "-i"}
		if e.cfg.Network != "" {
			args = append(args, "--network", e.cfg.Network)
		}
		for _, k := range []string{RunnerDSNEnv, RunnerRoleEnv, RunnerStatementTimeoutEnv, RunnerLockTimeoutEnv, RunnerIdleTimeoutEnv} {
			args = append(args, "-e", k)
		}
		args = append(args, e.cfg.Image)
		args = append(args, e.cfg.Args...)
		cmd = exec.CommandContext(ctx, "docker", args...)
		for _, k := range []string{"HOME", "DOCKER_HOST", "DOCKER_CONFIG"} {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
			}
		}
	default:
		cmd = exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	}
	cmd.Env = env
	cmd.Stderr = os.Stderr
	return cmd
}

// decodeRunnerOutput prefers the JSON text block, which carries numbers
// exactly as the runner wrote them, and falls back to structured content.
// Rows come back in the same normalized form the pooled executor returns.
func decodeRunnerOutput(res *mcpsdk.CallToolResult) (RunnerOutput, error) {
	var out RunnerOutput
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			if err := decodeInto([]byte(tc.Text), &out); err == nil {
				return out, nil
			}
			out = RunnerOutput{}
		}
	}
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return out, err
		}
		return out, decodeInto(raw, &out)
	}
	return out, errors.New("runner returned no content")
}

func runnerFault(step string, err error) error {
	return fault.Wrap(fault.ExecutionFailure, "query execution failed", err).
		WithReason(fault.ReasonExecutionFailed + ":runner_" + step)
}
