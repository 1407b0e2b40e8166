// Package redact scrubs personal data from query result rows before they
// leave the gateway or are hashed into a receipt.
package redact

import "strings"

// keyRule maps a field-name fragment to the category it redacts.
type keyRule struct {
	fragment string
	exact    bool
	typ      PatternType
}

// Checked in order; the first matching rule wins.
var keyRules = []keyRule{
	{fragment: "email", typ: PatternEmail},
	{fragment: "phone", typ: PatternPhone},
	{fragment: "ssn", typ: PatternSSN},
	{fragment: "dob", exact: true, typ: PatternDOB},
	{fragment: "date_of_birth", typ: PatternDOB},
	{fragment: "dateofbirth", typ: PatternDOB},
	{fragment: "birth_date", typ: PatternDOB},
	{fragment: "birthdate", typ: PatternDOB},
	{fragment: "address", typ: PatternAddress},
}

// KeyCategory returns the category a field name redacts, if any.
// Matching is case-insensitive.
func KeyCategory(key string) (PatternType, bool) {
	k := strings.ToLower(key)
	for _, r := range keyRules {
		if r.exact && k == r.fragment {
			return r.typ, true
		}
		if !r.exact && strings.Contains(k, r.fragment) {
			return r.typ, true
		}
	}
	return "", false
}

// Scrub returns a redacted deep copy of rows. It is pure and idempotent.
func Scrub(rows []map[string]any) []map[string]any {
	if rows == nil {
		return nil
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = scrubMap(r, nil)
	}
	return out
}

// ScrubValue redacts an arbitrary decoded value (maps, slices, scalars).
func ScrubValue(v any) any {
	return scrub(v, nil)
}

// scrub walks v. keys holds the field names on the path to v, innermost
// last; array elements inherit the key of their array.
func scrub(v any, keys []string) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return scrubMap(val, keys)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, m := range val {
			out[i] = scrubMap(m, keys)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = scrub(e, keys)
		}
		return out
	}

	// Scalar leaf: the nearest sensitive field name wins over value patterns.
	for i := len(keys) - 1; i >= 0; i-- {
		if typ, ok := KeyCategory(keys[i]); ok {
			return typ.Marker()
		}
	}
	if s, ok := v.(string); ok {
		return ScrubText(s)
	}
	return v
}

func scrubMap(m map[string]any, keys []string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := append(keys[:len(keys):len(keys)], k)
		out[k] = scrub(v, path)
	}
	return out
}
