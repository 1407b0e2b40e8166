package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text, grouped by role.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)

	for _, role := range roles(r) {
		fmt.Fprintf(&b, "\n  %s:\n", role)
		for _, c := range r.Changes {
			if c.Role != role {
				continue
			}
			fmt.Fprintf(&b, "    %-16s %s → %s", c.Field+":", orNone(c.Old), orNone(c.New))
			if c.Comment != "" {
				fmt.Fprintf(&b, "  (%s)", c.Comment)
			}
			b.WriteString("\n")
		}
		for _, g := range r.GrantChanges {
			if g.Role != role {
				continue
			}
			switch g.Type {
			case "added":
				fmt.Fprintf(&b, "    + %s %s\n", g.Kind, g.Name)
			case "removed":
				fmt.Fprintf(&b, "    - %s %s\n", g.Kind, g.Name)
			}
		}
	}

	if r.Revocations > 0 {
		fmt.Fprintf(&b, "\n%d revocation(s). Cached resolvers keep serving the old grants for up to policy.cache_ttl.\n", r.Revocations)
	}
	return b.String()
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

// roles returns the roles that have changes, in first-seen order.
func roles(r *DiffResult) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(role string) {
		if !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	for _, g := range r.GrantChanges {
		add(g.Role)
	}
	for _, c := range r.Changes {
		add(c.Role)
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
