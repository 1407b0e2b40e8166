package model

import "fmt"

// Role is the application role carried by a session.
// It selects the policy document and the database login pool.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole maps a string to a Role. Fail-closed: unknown roles are rejected.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q (expected user or admin)", s)
	}
}

// Elevated reports whether the role may approve NEEDS_APPROVAL statements.
func (r Role) Elevated() bool {
	return r == RoleAdmin
}

// Session is the caller identity issued by the external auth collaborator.
type Session struct {
	SubjectID string `json:"sub"`
	Role      Role   `json:"role"`
	Email     string `json:"email"`
	Region    string `json:"region,omitempty"`
}

// Validate checks that the session carries a subject and a known role.
func (s Session) Validate() error {
	if s.SubjectID == "" {
		return fmt.Errorf("session subject is required")
	}
	if _, err := ParseRole(string(s.Role)); err != nil {
		return err
	}
	return nil
}

// Decision is the guard outcome for a candidate statement.
type Decision string

const (
	Safe          Decision = "SAFE"
	NeedsApproval Decision = "NEEDS_APPROVAL"
	Blocked       Decision = "BLOCKED"
)

// Risk mirrors Decision in lower-case form for consumers that display risk.
type Risk string

const (
	RiskSafe        Risk = "safe"
	RiskNeedsReview Risk = "needs_review"
	RiskBlocked     Risk = "blocked"
)

// RiskFor returns the risk label that mirrors a decision.
// Unknown decisions map to blocked.
func RiskFor(d Decision) Risk {
	switch d {
	case Safe:
		return RiskSafe
	case NeedsApproval:
		return RiskNeedsReview
	default:
		return RiskBlocked
	}
}

// Clearance names a database privilege role assumed for one transaction.
type Clearance string

const (
	ClearanceAnalyst     Clearance = "qg_analyst"
	ClearanceRiskAnalyst Clearance = "qg_risk_analyst"
	ClearanceCompliance  Clearance = "qg_compliance"
)

// Clearances is the closed whitelist of assumable privilege roles.
var Clearances = []Clearance{ClearanceAnalyst, ClearanceRiskAnalyst, ClearanceCompliance}

// ParseClearance validates s against the whitelist. The result is safe to
// splice into a SET ROLE directive; nothing else is.
func ParseClearance(s string) (Clearance, error) {
	for _, c := range Clearances {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("clearance %q is not in the whitelist", s)
}
