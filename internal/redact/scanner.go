package redact

import (
	"regexp"
	"sort"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternEmail   PatternType = "EMAIL"
	PatternPhone   PatternType = "PHONE"
	PatternSSN     PatternType = "SSN"
	PatternDOB     PatternType = "DOB"
	PatternAddress PatternType = "ADDRESS"
)

// Marker returns the fixed replacement text for a category.
func (p PatternType) Marker() string {
	return "[REDACTED_" + string(p) + "]"
}

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

// Compiled value patterns, applied to free text in this order.
var (
	// US social security number.
	ssnRe = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

	// Email addresses.
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

	// North American phone numbers with optional +1 prefix and separators.
	phoneRe = regexp.MustCompile(`(?:\+?1[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
)

type valuePattern struct {
	typ PatternType
	re  *regexp.Regexp
}

var valuePatterns = []valuePattern{
	{PatternSSN, ssnRe},
	{PatternEmail, emailRe},
	{PatternPhone, phoneRe},
}

// Scan finds value-shaped sensitive data in text, sorted by position.
// Overlapping matches are all reported.
func Scan(text string) []Match {
	var matches []Match
	for _, p := range valuePatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{
				Type:  p.typ,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// ScrubText replaces every SSN, email and phone shaped substring with its
// marker. Markers contain no digits or '@', so a second pass is a no-op.
func ScrubText(text string) string {
	for _, p := range valuePatterns {
		text = p.re.ReplaceAllLiteralString(text, p.typ.Marker())
	}
	return text
}
