package sqlguard

import (
	"errors"
	"strings"

	"github.com/ppiankov/proofvault/internal/policy"
)

var (
	errDottedIdent    = errors.New("quoted identifier contains a dot")
	errUnreadableFrom = errors.New("FROM clause item is not a table or subquery")
)

// Functions whose argument lists use FROM as a separator, not a clause.
var fromArgFuncs = map[string]bool{
	"extract":   true,
	"substring": true,
	"trim":      true,
	"overlay":   true,
	"position":  true,
}

// Words that close a FROM clause at the depth where it was opened. ON and
// USING are absent: a comma after a join condition continues the list.
var fromEnders = map[string]bool{
	"where": true, "group": true, "order": true, "limit": true, "offset": true,
	"having": true, "union": true, "intersect": true, "except": true,
	"window": true, "fetch": true, "for": true, "returning": true,
	"select": true,
}

// frame is the parse state of one parenthesis level.
type frame struct {
	argList bool // FROM here separates function arguments
	inFrom  bool // between FROM and the clause that ends it
	expect  bool // next token starts a table reference
}

// extractTables returns every table referenced in a FROM list or after JOIN,
// normalized and de-duplicated in discovery order. Each parenthesis level
// tracks its own FROM clause, so every top-level comma inside one starts a
// new reference and subqueries are scanned in place.
func extractTables(stmt []token) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	stack := []*frame{{}}
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := 0; i < len(stmt); i++ {
		t := stmt[i]
		f := stack[len(stack)-1]

		if f.expect {
			kw := t.lower()
			if kw == "only" || kw == "lateral" {
				continue
			}
			f.expect = false
			switch {
			case t.is('('):
				// subquery or parenthesized join; scanned as a nested level
			case fromEnders[kw] || kw == "join" || kw == "on" || kw == "using":
				fail(errUnreadableFrom)
			case isIdent(t):
				name, next, err := qualifiedName(stmt, i)
				if err != nil {
					fail(err)
					continue
				}
				add(name)
				i = next - 1
				continue
			default:
				fail(errUnreadableFrom)
			}
		}

		switch {
		case t.is('('):
			fn := i > 0 && fromArgFuncs[stmt[i-1].lower()]
			stack = append(stack, &frame{argList: fn})
			continue
		case t.is(')'):
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		case t.is(','):
			if f.inFrom {
				f.expect = true
			}
			continue
		}

		switch kw := t.lower(); {
		case kw == "from":
			if f.argList {
				continue
			}
			// IS [NOT] DISTINCT FROM
			if i > 0 && stmt[i-1].lower() == "distinct" {
				continue
			}
			f.inFrom, f.expect = true, true
		case kw == "join":
			f.inFrom, f.expect = true, true
		case fromEnders[kw]:
			f.inFrom = false
		}
	}

	for _, f := range stack {
		if f.expect {
			fail(errUnreadableFrom)
		}
	}
	return out, firstErr
}

// qualifiedName consumes ident(.ident)* starting at toks[i].
func qualifiedName(toks []token, i int) (string, int, error) {
	var parts []string
	for {
		part := unquote(toks[i])
		if toks[i].kind == tokQuoted && strings.Contains(part, ".") {
			return "", i, errDottedIdent
		}
		parts = append(parts, part)
		i++
		if i+1 < len(toks) && toks[i].is('.') && isIdent(toks[i+1]) {
			i++
			continue
		}
		break
	}
	return policy.NormalizeIdent(strings.Join(parts, ".")), i, nil
}

func isIdent(t token) bool {
	return t.kind == tokWord || t.kind == tokQuoted
}
