package parser

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // identifiers, keywords, numbers, @params
	tokQuoted                  // "x", [x], `x`
	tokString                  // 'x', N'x', E'x', $$x$$
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string // as written
	value string // unquoted identifier or literal content
	start int
	end   int
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (t token) punct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

func isWordRune(r byte) bool {
	return r == '_' || r == '@' || r == '#' || r == '$' || r >= 0x80 ||
		unicode.IsLetter(rune(r)) || unicode.IsDigit(rune(r))
}

// tokenize splits SQL text into tokens, dropping whitespace and comments.
func tokenize(src string) []token {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
			} else {
				i += end + 4
			}
		case c == '\'':
			end := scanQuoted(src, i, '\'')
			toks = append(toks, token{kind: tokString, text: src[i:end], value: unescape(src[i+1:max(i+1, end-1)], "''", "'"), start: i, end: end})
			i = end
		case c == '"':
			end := scanQuoted(src, i, '"')
			toks = append(toks, token{kind: tokQuoted, text: src[i:end], value: unescape(src[i+1:max(i+1, end-1)], `""`, `"`), start: i, end: end})
			i = end
		case c == '`':
			end := scanQuoted(src, i, '`')
			toks = append(toks, token{kind: tokQuoted, text: src[i:end], value: src[i+1 : max(i+1, end-1)], start: i, end: end})
			i = end
		case c == '[':
			end := scanQuoted(src, i, ']')
			toks = append(toks, token{kind: tokQuoted, text: src[i:end], value: unescape(src[i+1:max(i+1, end-1)], "]]", "]"), start: i, end: end})
			i = end
		case c == '$' && dollarTag(src[i:]) != "":
			tag := dollarTag(src[i:])
			end := strings.Index(src[i+len(tag):], tag)
			if end < 0 {
				end = len(src)
			} else {
				end = i + len(tag) + end + len(tag)
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], value: strings.TrimSuffix(src[i+len(tag):end], tag), start: i, end: end})
			i = end
		case isWordRune(c):
			start := i
			for i < len(src) && isWordRune(src[i]) {
				i++
			}
			// N'..' and E'..' string prefixes
			if i-start == 1 && i < len(src) && src[i] == '\'' && strings.ContainsAny(src[start:i], "NnEe") {
				end := scanQuoted(src, i, '\'')
				toks = append(toks, token{kind: tokString, text: src[start:end], value: unescape(src[i+1:max(i+1, end-1)], "''", "'"), start: start, end: end})
				i = end
				continue
			}
			toks = append(toks, token{kind: tokWord, text: src[start:i], value: src[start:i], start: start, end: i})
		default:
			toks = append(toks, token{kind: tokPunct, text: src[i : i+1], value: src[i : i+1], start: i, end: i + 1})
			i++
		}
	}
	return toks
}

// scanQuoted returns the offset just past the closing quote, treating a doubled
// closing quote as an escape.
func scanQuoted(src string, open int, closing byte) int {
	i := open + 1
	for i < len(src) {
		if src[i] == closing {
			if i+1 < len(src) && src[i+1] == closing {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(src)
}

func unescape(s, doubled, single string) string {
	return strings.ReplaceAll(s, doubled, single)
}

// dollarTag returns "$$" or "$tag$" when s starts a PostgreSQL dollar-quoted string
func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	for j := 1; j < len(s); j++ {
		switch c := s[j]; {
		case c == '$':
			return s[:j+1]
		case c == '_' || unicode.IsLetter(rune(c)) || (j > 1 && unicode.IsDigit(rune(c))):
		default:
			return ""
		}
	}
	return ""
}

// splitTop splits tokens on commas that are not nested in parentheses
func splitTop(toks []token) [][]token {
	var (
		items [][]token
		depth int
		start int
	)
	for i, t := range toks {
		switch {
		case t.punct("("):
			depth++
		case t.punct(")"):
			depth--
		case t.punct(",") && depth == 0:
			items = append(items, toks[start:i])
			start = i + 1
		}
	}
	if start < len(toks) {
		items = append(items, toks[start:])
	}
	return items
}

// matching returns the index of the parenthesis closing the one at open, or -1
func matching(toks []token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch {
		case toks[i].punct("("):
			depth++
		case toks[i].punct(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
