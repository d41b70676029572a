package diff

import (
	"fmt"
	"regexp"
	"strings"
)

// stringLiteralRe matches string literals, N'' prefixed ones included, with
// doubled quotes inside
var stringLiteralRe = regexp.MustCompile(`N?'((?:[^']|'')*)'`)

// lineCommentRe matches -- comments up to the end of the line
var lineCommentRe = regexp.MustCompile(`--[^\n]*`)

// normalizeSQL reduces source to a form that differs only when the
// statement does. Literals survive untouched; everything else is lowercased
// with comments and whitespace runs removed.
func normalizeSQL(sql string, stripQuotes bool) string {
	var literals []string
	masked := stringLiteralRe.ReplaceAllStringFunc(sql, func(match string) string {
		literals = append(literals, match)
		return fmt.Sprintf(" __lit_%d__ ", len(literals)-1)
	})

	normalized := collapse(lineCommentRe.ReplaceAllString(masked, " "), stripQuotes)

	for i, lit := range literals {
		normalized = strings.Replace(normalized, fmt.Sprintf("__lit_%d__", i), lit, 1)
	}
	return normalized
}

func collapse(sql string, stripQuotes bool) string {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	if stripQuotes {
		sql = strings.NewReplacer(`"`, "", "`", "", "[", "", "]", "").Replace(sql)
	}

	sql = strings.ToLower(strings.Join(strings.Fields(sql), " "))

	for _, ch := range []string{"(", ")", ",", "=", ";"} {
		sql = strings.ReplaceAll(sql, " "+ch, ch)
		sql = strings.ReplaceAll(sql, ch+" ", ch)
	}
	sql = strings.ReplaceAll(sql, ",", ", ")

	for strings.Contains(sql, "  ") {
		sql = strings.ReplaceAll(sql, "  ", " ")
	}
	return strings.TrimSpace(sql)
}

// formattingOnly reports whether two sources differ only in layout, case,
// comments or identifier quoting
func formattingOnly(a, b string) bool {
	return a != b && normalizeSQL(a, true) == normalizeSQL(b, true)
}
