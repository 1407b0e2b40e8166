// Package policydiff compares two policy documents role by role so grant
// changes and revocations can be reviewed before a reload.
package policydiff

import (
	"sort"

	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/policy"
)

// Change represents a scalar field change within one role.
type Change struct {
	Role    string `json:"role"`
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// GrantChange represents a table or account grant added or revoked.
type GrantChange struct {
	Role string `json:"role"`
	Type string `json:"type"` // "added", "removed"
	Kind string `json:"kind"` // "table", "account"
	Name string `json:"name"`
}

// DiffResult holds the comparison of two policy documents.
type DiffResult struct {
	OldPath      string        `json:"old_path"`
	NewPath      string        `json:"new_path"`
	Changes      []Change      `json:"changes"`
	GrantChanges []GrantChange `json:"grant_changes"`
	HasChanges   bool          `json:"has_changes"`
	Revocations  int           `json:"revocations"`
}

// clearanceRank orders clearances from least to most privileged.
var clearanceRank = map[string]int{
	string(model.ClearanceAnalyst):     1,
	string(model.ClearanceRiskAnalyst): 2,
	string(model.ClearanceCompliance):  3,
}

// Diff compares two documents and returns the differences. Roles are
// visited in sorted order so output is stable.
func Diff(old, new *policy.Document) *DiffResult {
	r := &DiffResult{}

	for _, role := range roleUnion(old, new) {
		o, n := schemaFor(old, role), schemaFor(new, role)
		name := string(role)

		diffSet(r, name, "table", o.TableNames(), n.TableNames())

		op, _ := o.Primary()
		np, _ := n.Primary()
		diffField(r, name, "database", op.Name, np.Name, "")
		diffField(r, name, "clearance", op.Clearance, np.Clearance, clearanceComment(op.Clearance, np.Clearance))
		diffField(r, name, "scope.org_id", op.Scope.OrgID, np.Scope.OrgID, "")
		diffSet(r, name, "account", op.Scope.AllowedAccountIDs, np.Scope.AllowedAccountIDs)
	}

	for _, g := range r.GrantChanges {
		if g.Type == "removed" {
			r.Revocations++
		}
	}
	r.HasChanges = len(r.Changes) > 0 || len(r.GrantChanges) > 0
	return r
}

func schemaFor(doc *policy.Document, role model.Role) policy.AuthorizedSchema {
	if doc == nil {
		return policy.AuthorizedSchema{}
	}
	return doc.Roles[role]
}

func roleUnion(docs ...*policy.Document) []model.Role {
	seen := make(map[model.Role]bool)
	for _, d := range docs {
		if d == nil {
			continue
		}
		for role := range d.Roles {
			seen[role] = true
		}
	}
	roles := make([]model.Role, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func diffField(r *DiffResult, role, field, old, new, comment string) {
	if old != new {
		r.Changes = append(r.Changes, Change{
			Role:    role,
			Field:   field,
			Old:     old,
			New:     new,
			Comment: comment,
		})
	}
}

func clearanceComment(old, new string) string {
	o, n := clearanceRank[old], clearanceRank[new]
	switch {
	case o == 0 || n == 0:
		return ""
	case n > o:
		return "looser"
	case n < o:
		return "stricter"
	}
	return ""
}

func diffSet(r *DiffResult, role, kind string, oldItems, newItems []string) {
	oldSet := make(map[string]bool)
	for _, k := range oldItems {
		oldSet[k] = true
	}
	newSet := make(map[string]bool)
	for _, k := range newItems {
		newSet[k] = true
	}

	for _, k := range newItems {
		if !oldSet[k] {
			r.GrantChanges = append(r.GrantChanges, GrantChange{Role: role, Type: "added", Kind: kind, Name: k})
		}
	}
	for _, k := range oldItems {
		if !newSet[k] {
			r.GrantChanges = append(r.GrantChanges, GrantChange{Role: role, Type: "removed", Kind: kind, Name: k})
		}
	}
}
