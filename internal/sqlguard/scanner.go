package sqlguard

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // bare identifier or keyword
	tokQuoted                  // "quoted identifier"
	tokString                  // '...', E'...', $tag$...$tag$
	tokNumber
	tokPunct
)

// token is one lexical unit. start/end are byte offsets into the source so
// the statement can be rebuilt without its comments.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

// lower returns the keyword form of a word token, or "" for anything else.
func (t token) lower() string {
	if t.kind != tokWord {
		return ""
	}
	return strings.ToLower(t.text)
}

func (t token) is(punct byte) bool {
	return t.kind == tokPunct && len(t.text) == 1 && t.text[0] == punct
}

var (
	errUnterminatedString  = errors.New("unterminated string literal")
	errUnterminatedQuote   = errors.New("unterminated quoted identifier")
	errUnterminatedComment = errors.New("unterminated block comment")
)

// scan tokenizes a PostgreSQL-flavoured statement. String literals, quoted
// identifiers and comments are consumed as whole spans so keywords inside
// them are never seen by the guard. Comments produce no tokens.
func scan(src string) ([]token, error) {
	var toks []token
	i := 0
	n := len(src)

	for i < n {
		c := src[i]
		switch {
		case isSpace(c):
			i++

		case c == '-' && i+1 < n && src[i+1] == '-':
			for i < n && src[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && src[i+1] == '*':
			// PostgreSQL block comments nest.
			depth := 0
			j := i
			for j < n {
				if j+1 < n && src[j] == '/' && src[j+1] == '*' {
					depth++
					j += 2
					continue
				}
				if j+1 < n && src[j] == '*' && src[j+1] == '/' {
					depth--
					j += 2
					if depth == 0 {
						break
					}
					continue
				}
				j++
			}
			if depth != 0 {
				return nil, errUnterminatedComment
			}
			i = j

		case c == '\'':
			end, err := scanQuoted(src, i, '\'', false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], start: i, end: end})
			i = end

		case (c == 'e' || c == 'E') && i+1 < n && src[i+1] == '\'':
			end, err := scanQuoted(src, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], start: i, end: end})
			i = end

		case c == '"':
			end, err := scanQuoted(src, i, '"', false)
			if err != nil {
				if errors.Is(err, errUnterminatedString) {
					err = errUnterminatedQuote
				}
				return nil, err
			}
			toks = append(toks, token{kind: tokQuoted, text: src[i:end], start: i, end: end})
			i = end

		case c == '$':
			if tag, ok := dollarTag(src, i); ok {
				closeAt := strings.Index(src[i+len(tag):], tag)
				if closeAt < 0 {
					return nil, errUnterminatedString
				}
				end := i + len(tag) + closeAt + len(tag)
				toks = append(toks, token{kind: tokString, text: src[i:end], start: i, end: end})
				i = end
				continue
			}
			// Positional parameter such as $1.
			j := i + 1
			for j < n && isDigit(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokPunct, text: src[i:j], start: i, end: j})
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: src[i:j], start: i, end: j})
			i = j

		case isDigit(c):
			j := i + 1
			for j < n && (isDigit(src[j]) || src[j] == '.' || src[j] == 'e' || src[j] == 'E') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], start: i, end: j})
			i = j

		default:
			toks = append(toks, token{kind: tokPunct, text: src[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return toks, nil
}

// scanQuoted returns the offset just past the closing quote starting at
// src[open]. A doubled quote is an escaped quote. backslash enables
// E-string escapes.
func scanQuoted(src string, open int, q byte, backslash bool) (int, error) {
	j := open + 1
	for j < len(src) {
		switch {
		case backslash && src[j] == '\\':
			j += 2
			continue
		case src[j] == q:
			if j+1 < len(src) && src[j+1] == q {
				j += 2
				continue
			}
			return j + 1, nil
		}
		j++
	}
	return 0, errUnterminatedString
}

// dollarTag recognizes $$ or $tag$ at src[i].
func dollarTag(src string, i int) (string, bool) {
	j := i + 1
	if j < len(src) && src[j] == '$' {
		return "$$", true
	}
	if j >= len(src) || !isIdentStart(src[j]) {
		return "", false
	}
	for j < len(src) && (isIdentStart(src[j]) || isDigit(src[j])) {
		j++
	}
	if j < len(src) && src[j] == '$' {
		return src[i : j+1], true
	}
	return "", false
}

// splitStatements groups tokens by top-level semicolons, dropping empty
// statements so ";;" and a trailing terminator are normalized away.
func splitStatements(toks []token) [][]token {
	var out [][]token
	var cur []token
	for _, t := range toks {
		if t.is(';') {
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// render rebuilds a statement from its tokens. Whitespace between tokens is
// kept; any gap that held a comment collapses to a single space.
func render(src string, toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 {
			gap := src[toks[i-1].end:t.start]
			if strings.TrimFunc(gap, func(r rune) bool { return r < 128 && isSpace(byte(r)) }) == "" {
				b.WriteString(gap)
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.text)
	}
	return b.String()
}

// unquote returns the identifier text of a word or quoted token.
func unquote(t token) string {
	if t.kind == tokQuoted {
		inner := t.text[1 : len(t.text)-1]
		return strings.ReplaceAll(inner, `""`, `"`)
	}
	return t.text
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}
