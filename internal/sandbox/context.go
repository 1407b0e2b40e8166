// Package sandbox executes guard-approved SQL inside a read-only,
// time-boxed, row-level-security scoped transaction.
package sandbox

import (
	"context"
	"regexp"
	"strings"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/policy"
)

// ExecutionContext scopes one statement execution.
type ExecutionContext struct {
	Role              model.Role `json:"role"`
	OrgID             string     `json:"orgId"`
	AllowedAccountIDs []string   `json:"allowedAccountIds"`
	Clearance         string     `json:"clearance"`
}

// accountIDRe keeps ids free of the ',' list separator.
var accountIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FromSchema derives the execution scope from the role's primary database.
func FromSchema(role model.Role, s policy.AuthorizedSchema) (ExecutionContext, error) {
	if err := s.ExecutionReady(); err != nil {
		return ExecutionContext{}, err
	}
	db, _ := s.Primary()
	return ExecutionContext{
		Role:              role,
		OrgID:             db.Scope.OrgID,
		AllowedAccountIDs: append([]string{}, db.Scope.AllowedAccountIDs...),
		Clearance:         db.Clearance,
	}, nil
}

// Validate checks the scope. A failure here is a configuration fault and
// stops execution before any connection is acquired.
func (c ExecutionContext) Validate() error {
	if _, err := model.ParseRole(string(c.Role)); err != nil {
		return scopeFault("invalid_role")
	}
	if strings.TrimSpace(c.OrgID) == "" {
		return scopeFault("missing_org_id")
	}
	if c.AllowedAccountIDs == nil {
		return scopeFault("missing_allowed_account_ids")
	}
	for _, id := range c.AllowedAccountIDs {
		if !accountIDRe.MatchString(id) {
			return scopeFault("malformed_account_id")
		}
	}
	if _, err := model.ParseClearance(c.Clearance); err != nil {
		return scopeFault("invalid_clearance")
	}
	return nil
}

// JoinedAccountIDs is the value injected into app.allowed_account_ids.
func (c ExecutionContext) JoinedAccountIDs() string {
	return strings.Join(c.AllowedAccountIDs, ",")
}

func scopeFault(detail string) error {
	return fault.New(fault.ExecutionFailure, "execution scope is not configured").
		WithReason(fault.ReasonExecutionFailed + ":" + detail)
}

// Executor runs one sanitized statement under an execution context.
// Topologies (pooled, isolated) are interchangeable behind it.
type Executor interface {
	Execute(ctx context.Context, sql string, ec ExecutionContext) ([]map[string]any, error)
	Close() error
}
