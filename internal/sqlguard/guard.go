// Package sqlguard validates and sanitizes candidate SQL against a role's
// authorized schema. It accepts a restricted subset of read-only SELECT
// statements and rejects everything else.
package sqlguard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ppiankov/proofvault/internal/fault"
	"github.com/ppiankov/proofvault/internal/model"
	"github.com/ppiankov/proofvault/internal/policy"
)

// DefaultLimit is the row cap appended to statements without a LIMIT.
const DefaultLimit = 100

// DefaultSensitiveSchemas lists schemas whose tables always need approval.
var DefaultSensitiveSchemas = []string{"kyc_private", "risk_private"}

// ForbiddenKeywords are write and DDL keywords rejected on sight.
var ForbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter",
	"create", "truncate", "grant", "revoke",
}

// Config controls the guard.
type Config struct {
	DefaultLimit     int      `yaml:"default_limit" mapstructure:"default_limit"`
	SensitiveSchemas []string `yaml:"sensitive_schemas" mapstructure:"sensitive_schemas"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:     DefaultLimit,
		SensitiveSchemas: append([]string(nil), DefaultSensitiveSchemas...),
	}
}

// Verdict is the outcome of validating one candidate statement.
// SanitizedSQL is set if and only if Decision is not Blocked.
type Verdict struct {
	OK           bool           `json:"ok"`
	Decision     model.Decision `json:"decision"`
	Risk         model.Risk     `json:"risk"`
	SanitizedSQL string         `json:"sanitizedSql,omitempty"`
	TablesUsed   []string       `json:"tablesUsed"`
	Reasons      []string       `json:"reasons"`
}

// Err returns the fault for a blocked verdict, or nil.
func (v Verdict) Err() error {
	if v.Decision != model.Blocked {
		return nil
	}
	kind := fault.FirstKind(v.Reasons)
	if kind == "" {
		kind = fault.NonSelectStatement
	}
	return fault.New(kind, "statement rejected by guard").WithReason(strings.Join(v.Reasons, ","))
}

// Guard validates statements. It holds no per-request state and is safe
// for concurrent use.
type Guard struct {
	limit     int
	sensitive map[string]struct{}
	forbidden map[string]struct{}
}

// New builds a Guard. Zero values in cfg fall back to the defaults.
func New(cfg Config) *Guard {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.SensitiveSchemas == nil {
		cfg.SensitiveSchemas = DefaultSensitiveSchemas
	}
	g := &Guard{
		limit:     cfg.DefaultLimit,
		sensitive: make(map[string]struct{}, len(cfg.SensitiveSchemas)),
		forbidden: make(map[string]struct{}, len(ForbiddenKeywords)),
	}
	for _, s := range cfg.SensitiveSchemas {
		g.sensitive[policy.NormalizeIdent(s)] = struct{}{}
	}
	for _, k := range ForbiddenKeywords {
		g.forbidden[k] = struct{}{}
	}
	return g
}

func blocked(tables []string, reasons ...string) Verdict {
	if tables == nil {
		tables = []string{}
	}
	return Verdict{
		Decision:   model.Blocked,
		Risk:       model.RiskBlocked,
		TablesUsed: tables,
		Reasons:    reasons,
	}
}

// Validate checks sql against schema. Checks run in a fixed order and the
// first failing check decides the verdict.
func (g *Guard) Validate(sql string, schema policy.AuthorizedSchema) Verdict {
	toks, err := scan(sql)
	if err != nil {
		return blocked(nil, fault.ReasonMalformedSQL)
	}

	stmts := splitStatements(toks)
	if len(stmts) != 1 {
		return blocked(nil, fault.ReasonMultiStatement)
	}
	stmt := stmts[0]

	tables, extractErr := extractTables(stmt)

	for _, t := range stmt {
		if _, bad := g.forbidden[t.lower()]; bad {
			return blocked(tables, fault.ReasonWriteOrDDL)
		}
	}

	if stmt[0].lower() != "select" {
		return blocked(tables, fault.ReasonOnlySelect)
	}

	if extractErr != nil {
		return blocked(tables, fault.ReasonMalformedSQL)
	}

	var unqualified []string
	for _, t := range tables {
		if policy.SchemaOf(t) == "" {
			unqualified = append(unqualified, t)
		}
	}
	if len(unqualified) > 0 {
		return blocked(tables, fault.ReasonUnqualified+":"+strings.Join(unqualified, ","))
	}

	allowed := schema.AllowedTables()
	var outOfScope []string
	for _, t := range tables {
		if _, ok := allowed[t]; !ok {
			outOfScope = append(outOfScope, t)
		}
	}
	if len(outOfScope) > 0 {
		return blocked(tables, fault.ReasonOutOfScope+":"+strings.Join(outOfScope, ","))
	}

	reasons := []string{}
	for _, t := range tables {
		if _, ok := g.sensitive[policy.SchemaOf(t)]; ok {
			reasons = append(reasons, fault.ReasonSensitiveSchema)
			break
		}
	}

	sanitized, capped := g.capRows(sql, stmt)
	if capped {
		reasons = append(reasons, fault.ReasonLimitAdded)
	}

	decision := model.Safe
	if len(reasons) > 0 {
		decision = model.NeedsApproval
	}
	if tables == nil {
		tables = []string{}
	}
	return Verdict{
		OK:           true,
		Decision:     decision,
		Risk:         model.RiskFor(decision),
		SanitizedSQL: sanitized,
		TablesUsed:   tables,
		Reasons:      reasons,
	}
}

// capRows renders the statement with a row cap of at most g.limit. A
// missing top-level LIMIT is appended; LIMIT ALL, a larger count or a
// non-literal count expression is replaced by the cap. It reports whether
// the statement was changed.
func (g *Guard) capRows(sql string, stmt []token) (string, bool) {
	lo, hi, found := rowCountSpan(stmt)
	if !found {
		return fmt.Sprintf("%s LIMIT %d", render(sql, stmt), g.limit), true
	}
	if lo == hi {
		// FETCH FIRST ROW ONLY
		return render(sql, stmt), false
	}
	if hi-lo == 1 && stmt[lo].kind == tokNumber {
		if n, err := strconv.ParseUint(stmt[lo].text, 10, 64); err == nil && n <= uint64(g.limit) {
			return render(sql, stmt), false
		}
	}

	count := token{
		kind:  tokNumber,
		text:  strconv.Itoa(g.limit),
		start: stmt[lo].start,
		end:   stmt[hi-1].end,
	}
	out := make([]token, 0, len(stmt)-(hi-lo)+1)
	out = append(out, stmt[:lo]...)
	out = append(out, count)
	out = append(out, stmt[hi:]...)
	return render(sql, out), true
}

// rowCountSpan locates the row count of a LIMIT or FETCH clause outside any
// parentheses, so a limit inside a subquery does not cap the outer result.
// The count is stmt[lo:hi]; an empty span is FETCH's implicit single row.
func rowCountSpan(stmt []token) (lo, hi int, found bool) {
	depth := 0
	for i, t := range stmt {
		switch {
		case t.is('('):
			depth++
			continue
		case t.is(')'):
			depth--
			continue
		case depth != 0:
			continue
		}

		switch t.lower() {
		case "limit":
			lo = i + 1
			return lo, clauseEnd(stmt, lo, "offset", "for", "fetch"), true
		case "fetch":
			lo = i + 1
			if lo < len(stmt) {
				if kw := stmt[lo].lower(); kw == "first" || kw == "next" {
					lo++
				}
			}
			return lo, clauseEnd(stmt, lo, "row", "rows"), true
		}
	}
	return 0, 0, false
}

// clauseEnd returns the index of the first top-level token at or after
// from that is one of the stop words, or len(stmt).
func clauseEnd(stmt []token, from int, stop ...string) int {
	depth := 0
	for i := from; i < len(stmt); i++ {
		t := stmt[i]
		switch {
		case t.is('('):
			depth++
		case t.is(')'):
			depth--
		case depth == 0:
			for _, w := range stop {
				if t.lower() == w {
					return i
				}
			}
		}
	}
	return len(stmt)
}
