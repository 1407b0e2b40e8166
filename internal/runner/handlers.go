package runner

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/sandbox"
)

// writeRe is a second, independent write filter. The gateway guard has
// already approved the statement.
var writeRe = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke)\b`)

// quotedRe matches string literals and quoted identifiers, which are
// masked before the write filter runs so data such as 'update' is not
// mistaken for a statement. Dollar-quoted bodies stay visible.
var quotedRe = regexp.MustCompile(`'(?:[^']|'')*'|"(?:[^"]|"")*"`)

func hasWriteKeyword(sql string) bool {
	return writeRe.MatchString(quotedRe.ReplaceAllString(sql, "''"))
}

// identRe is the shape of an assumable clearance role.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s *Server) handleExecute(ctx context.Context, req *mcpsdk.CallToolRequest, input sandbox.RunnerInput) (*mcpsdk.CallToolResult, sandbox.RunnerOutput, error) {
	if strings.TrimSpace(input.SQL) == "" {
		return reject(sandbox.RunnerErrBadRequest, "sql is required")
	}
	if hasWriteKeyword(input.SQL) {
		return reject(sandbox.RunnerErrWriteBlocked, "only read-only statements are accepted")
	}
	if !identRe.MatchString(input.Clearance) {
		return reject(sandbox.RunnerErrBadRequest, "clearance is not a valid identifier")
	}
	if model.Role(input.Role) != s.role {
		s.logger.Warn("runner role mismatch", "bound", s.role, "requested", input.Role)
		return reject(sandbox.RunnerErrRoleMismatch, "runner is not bound to the requested role")
	}

	ec := sandbox.ExecutionContext{
		Role:              s.role,
		OrgID:             input.OrgID,
		AllowedAccountIDs: input.AllowedAccountIDs,
		Clearance:         input.Clearance,
	}
	if err := ec.Validate(); err != nil {
		return reject(sandbox.RunnerErrBadRequest, publicMessage(err))
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.logger.Error("runner connection failed", "error", err)
		return reject(sandbox.RunnerErrExecution, "database connection failed")
	}
	defer conn.Close()

	rows, err := sandbox.RunTx(ctx, conn, input.SQL, ec, s.limits)
	if err != nil {
		s.logger.Warn("runner execution failed", "clearance", ec.Clearance, "error", err)
		return reject(sandbox.RunnerErrExecution, publicMessage(err))
	}

	return nil, sandbox.RunnerOutput{
		OK:       true,
		Rows:     rows,
		RowCount: len(rows),
		DBRole:   ec.Clearance,
	}, nil
}

// reject reports a refusal as an error result. The payload is also set as
// text content so clients that ignore structured content can decode it.
func reject(code, message string) (*mcpsdk.CallToolResult, sandbox.RunnerOutput, error) {
	out := sandbox.RunnerOutput{OK: false, Error: code, Message: message}
	text, _ := json.Marshal(out)
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}, out, nil
}

func publicMessage(err error) string {
	var f *fault.Error
	if errors.As(err, &f) {
		return f.Public()
	}
	return "query execution failed"
}
