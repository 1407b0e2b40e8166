package policy

import (
	"strings"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
)

// Table is one authorized table. Columns are advisory only: the guard does
// not enforce them, the planner may use them to shape prompts.
type Table struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []string `yaml:"columns,omitempty" json:"columns,omitempty"`
}

// Scope holds the row-level-security variables injected at execution time.
type Scope struct {
	OrgID             string   `yaml:"org_id" json:"org_id"`
	AllowedAccountIDs []string `yaml:"allowed_account_ids" json:"allowed_account_ids"`
}

// Database is one authorized data source for a role.
type Database struct {
	Name      string  `yaml:"name" json:"name"`
	Tables    []Table `yaml:"tables" json:"tables"`
	Scope     Scope   `yaml:"scope" json:"scope"`
	Clearance string  `yaml:"clearance" json:"clearance"`
}

// AuthorizedSchema is the data surface a role may touch.
// The zero value authorizes nothing.
type AuthorizedSchema struct {
	Databases []Database `yaml:"databases" json:"databases"`
}

// Empty reports whether the schema authorizes no tables at all.
func (s AuthorizedSchema) Empty() bool {
	for _, db := range s.Databases {
		if len(db.Tables) > 0 {
			return false
		}
	}
	return true
}

// Primary returns the database whose scope and clearance govern execution.
func (s AuthorizedSchema) Primary() (Database, bool) {
	if len(s.Databases) == 0 {
		return Database{}, false
	}
	return s.Databases[0], true
}

// AllowedTables returns the normalized union of tables across all databases.
func (s AuthorizedSchema) AllowedTables() map[string]struct{} {
	out := make(map[string]struct{})
	for _, db := range s.Databases {
		for _, t := range db.Tables {
			if n := NormalizeIdent(t.Name); n != "" {
				out[n] = struct{}{}
			}
		}
	}
	return out
}

// TableNames returns normalized table names in declaration order, deduplicated.
func (s AuthorizedSchema) TableNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, db := range s.Databases {
		for _, t := range db.Tables {
			n := NormalizeIdent(t.Name)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// ExecutionReady checks that the primary database carries everything the
// executor needs. A schema that fails here must never reach a credential.
func (s AuthorizedSchema) ExecutionReady() error {
	db, ok := s.Primary()
	if !ok || s.Empty() {
		return fault.New(fault.PolicyMissing, "no authorized database configured for this role")
	}
	if strings.TrimSpace(db.Scope.OrgID) == "" {
		return fault.New(fault.PolicyMissing, "policy is missing the org_id scope").WithReason(db.Name)
	}
	if db.Scope.AllowedAccountIDs == nil {
		return fault.New(fault.PolicyMissing, "policy is missing the allowed_account_ids scope").WithReason(db.Name)
	}
	if _, err := model.ParseClearance(db.Clearance); err != nil {
		return fault.Wrap(fault.PolicyMissing, "policy clearance is invalid", err).WithReason(db.Name)
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate resolver state.
func (s AuthorizedSchema) Clone() AuthorizedSchema {
	out := AuthorizedSchema{Databases: make([]Database, 0, len(s.Databases))}
	for _, db := range s.Databases {
		c := db
		c.Tables = make([]Table, len(db.Tables))
		for i, t := range db.Tables {
			c.Tables[i] = Table{Name: t.Name, Columns: append([]string(nil), t.Columns...)}
		}
		if db.Scope.AllowedAccountIDs != nil {
			c.Scope.AllowedAccountIDs = append([]string{}, db.Scope.AllowedAccountIDs...)
		}
		out.Databases = append(out.Databases, c)
	}
	return out
}

// NormalizeIdent strips double quotes, surrounding whitespace and case from
// a possibly schema-qualified identifier: `"KYC"."Customers"` -> kyc.customers.
func NormalizeIdent(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, `"`, "")
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// SchemaOf returns the schema qualifier of a normalized table name, or "".
func SchemaOf(table string) string {
	i := strings.IndexByte(table, '.')
	if i < 0 {
		return ""
	}
	return table[:i]
}
