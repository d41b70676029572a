// Package parser understands the small part of SQL needed to reconcile object
// files: object kind and name, table and table-type columns, and routine
// parameter lists.
package parser

import (
	"fmt"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// Kind is the kind of object a statement defines
type Kind string

const (
	KindTable     Kind = "table"
	KindTableType Kind = "tableType"
	KindType      Kind = "type"
	KindProcedure Kind = "procedure"
	KindFunction  Kind = "function"
	KindView      Kind = "view"
	KindTrigger   Kind = "trigger"
	KindOther     Kind = "other"
)

// Field is a column of a table or table type, or a routine parameter
type Field struct {
	Name     string
	Ident    string // quoted name as written, "" when the name is not quoted
	Type     string
	Length   string
	Scale    string
	Default  *string
	Output   bool
	ReadOnly bool
}

// Column converts the field to a schema column
func (f Field) Column() schema.Column {
	return schema.Column{Name: f.Name, Type: f.Type, Length: f.Length, Scale: f.Scale, Default: f.Default}
}

// Statement is the parsed header of a CREATE or ALTER statement
type Statement struct {
	Kind      Kind
	Name      string // qualified name as written, quoting included
	Namespace string
	Object    string
	Fields    []Field // tables and table types
	Params    []Field // procedures and functions
}

// ID returns the object id of the statement's object
func (s *Statement) ID() schema.ObjectID {
	return schema.NewObjectID(s.Namespace, s.Object)
}

// IsRoutine reports whether the statement defines a procedure or function
func (s *Statement) IsRoutine() bool {
	return s.Kind == KindProcedure || s.Kind == KindFunction
}

// Parser extracts the header of an object definition.
// Other dialects can be supported by providing another implementation.
type Parser interface {
	Parse(text string) (*Statement, error)
}

// New returns the default grammar, which accepts SQL Server and PostgreSQL DDL
func New() Parser {
	return grammar{}
}

type grammar struct{}

var kindKeywords = map[string]Kind{
	"TABLE":     KindTable,
	"TYPE":      KindType,
	"PROCEDURE": KindProcedure,
	"PROC":      KindProcedure,
	"FUNCTION":  KindFunction,
	"VIEW":      KindView,
	"TRIGGER":   KindTrigger,
}

// words that may sit between CREATE and the object kind
var modifiers = map[string]bool{
	"OR": true, "REPLACE": true, "ALTER": true, "TEMP": true, "TEMPORARY": true,
	"UNLOGGED": true, "MATERIALIZED": true, "RECURSIVE": true, "CONSTRAINT": true,
}

// words ending a T-SQL parameter list written without parentheses
var paramListEnd = map[string]bool{
	"AS": true, "WITH": true, "RETURNS": true, "BEGIN": true, "LANGUAGE": true, "FOR": true, "EXTERNAL": true,
}

// Parse parses the header of a CREATE or ALTER statement. Text that is not an
// object definition yields a statement of KindOther.
func (grammar) Parse(text string) (*Statement, error) {
	toks := tokenize(text)
	if len(toks) == 0 || !(toks[0].is("CREATE") || toks[0].is("ALTER")) {
		return &Statement{Kind: KindOther}, nil
	}

	i := 1
	for i < len(toks) && toks[i].kind == tokWord && modifiers[strings.ToUpper(toks[i].text)] {
		i++
	}
	if i >= len(toks) {
		return nil, fmt.Errorf("unexpected end of statement")
	}
	kind, ok := kindKeywords[strings.ToUpper(toks[i].text)]
	if !ok || toks[i].kind != tokWord {
		return &Statement{Kind: KindOther}, nil
	}
	i++

	// PostgreSQL: CREATE TABLE IF NOT EXISTS
	if i+2 < len(toks) && toks[i].is("IF") && toks[i+1].is("NOT") && toks[i+2].is("EXISTS") {
		i += 3
	}

	stmt := &Statement{Kind: kind}
	next, err := stmt.readName(text, toks, i)
	if err != nil {
		return nil, err
	}
	rest := toks[next:]

	switch kind {
	case KindTable:
		fields, err := columnList(text, rest)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", stmt.Name, err)
		}
		stmt.Fields = fields
	case KindType:
		if len(rest) > 0 && rest[0].is("AS") {
			rest = rest[1:]
		}
		if len(rest) > 0 && rest[0].is("TABLE") {
			rest = rest[1:]
		}
		if len(rest) > 0 && rest[0].punct("(") {
			fields, err := columnList(text, rest)
			if err != nil {
				return nil, fmt.Errorf("type %s: %w", stmt.Name, err)
			}
			stmt.Kind = KindTableType
			stmt.Fields = fields
		}
	case KindProcedure, KindFunction:
		params, err := paramList(text, rest)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", kind, stmt.Name, err)
		}
		stmt.Params = params
	}

	return stmt, nil
}

// readName reads a possibly qualified object name starting at toks[i]
func (s *Statement) readName(src string, toks []token, i int) (int, error) {
	if i >= len(toks) || (toks[i].kind != tokWord && toks[i].kind != tokQuoted) {
		return i, fmt.Errorf("expected object name")
	}
	start := toks[i].start
	parts := []string{toks[i].value}
	end := toks[i].end
	i++
	for i+1 < len(toks) && toks[i].punct(".") && (toks[i+1].kind == tokWord || toks[i+1].kind == tokQuoted) {
		parts = append(parts, toks[i+1].value)
		end = toks[i+1].end
		i += 2
	}

	s.Name = src[start:end]
	s.Object = parts[len(parts)-1]
	if len(parts) > 1 {
		s.Namespace = parts[len(parts)-2]
	}
	return i, nil
}

// columnList parses "( column, column, constraint )"
func columnList(src string, toks []token) ([]Field, error) {
	if len(toks) == 0 || !toks[0].punct("(") {
		return nil, fmt.Errorf("expected column list")
	}
	end := matching(toks, 0)
	if end < 0 {
		return nil, fmt.Errorf("unbalanced parentheses in column list")
	}

	var fields []Field
	for _, item := range splitTop(toks[1:end]) {
		if len(item) == 0 || isConstraint(item[0]) {
			continue
		}
		f, err := field(src, item, false)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func isConstraint(t token) bool {
	if t.kind != tokWord {
		return false
	}
	switch strings.ToUpper(t.text) {
	case "CONSTRAINT", "PRIMARY", "UNIQUE", "FOREIGN", "CHECK", "INDEX", "KEY", "EXCLUDE", "PERIOD", "LIKE":
		return true
	}
	return false
}

// paramList parses a routine parameter list, with or without parentheses
func paramList(src string, toks []token) ([]Field, error) {
	if len(toks) > 0 && toks[0].punct("(") {
		end := matching(toks, 0)
		if end < 0 {
			return nil, fmt.Errorf("unbalanced parentheses in parameter list")
		}
		return params(src, toks[1:end])
	}

	// T-SQL: @a int, @b int OUTPUT AS ...
	end := len(toks)
	depth := 0
	for i, t := range toks {
		switch {
		case t.punct("("):
			depth++
		case t.punct(")"):
			depth--
		case depth == 0 && t.kind == tokWord && paramListEnd[strings.ToUpper(t.text)]:
			if t.is("AS") && i > 0 && strings.HasPrefix(toks[i-1].text, "@") {
				continue
			}
			end = i
		}
		if end != len(toks) {
			break
		}
	}
	return params(src, toks[:end])
}

// ParseParams parses a parameter list as reported by a catalog, for example
// "@id int, @name nvarchar(50) OUTPUT" or "a integer, OUT b text".
func ParseParams(list string) ([]Field, error) {
	return params(list, tokenize(list))
}

func params(src string, toks []token) ([]Field, error) {
	var out []Field
	for _, item := range splitTop(toks) {
		if len(item) == 0 {
			continue
		}
		f, err := field(src, item, true)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// keywords ending a type name
var typeEnd = map[string]bool{
	"NOT": true, "NULL": true, "DEFAULT": true, "PRIMARY": true, "REFERENCES": true,
	"CONSTRAINT": true, "IDENTITY": true, "UNIQUE": true, "CHECK": true, "COLLATE": true,
	"GENERATED": true, "OUT": true, "OUTPUT": true, "READONLY": true, "ROWGUIDCOL": true,
	"SPARSE": true, "FILESTREAM": true, "MASKED": true, "INDEX": true,
}

// keywords ending a default expression
var defaultEnd = map[string]bool{
	"NOT": true, "NULL": true, "PRIMARY": true, "REFERENCES": true, "CONSTRAINT": true,
	"UNIQUE": true, "CHECK": true, "COLLATE": true, "OUT": true, "OUTPUT": true, "READONLY": true,
	"IDENTITY": true, "INDEX": true,
}

// field parses "name type[(length[, scale])] [modifiers]". For parameters a
// leading IN/OUT/INOUT mode and unnamed (type only) parameters are accepted.
func field(src string, toks []token, param bool) (Field, error) {
	var f Field
	i := 0

	if param && i < len(toks) {
		switch strings.ToUpper(toks[i].text) {
		case "IN", "VARIADIC":
			i++
		case "OUT", "INOUT":
			f.Output = true
			i++
		}
	}
	if i >= len(toks) || (toks[i].kind != tokWord && toks[i].kind != tokQuoted) {
		return f, fmt.Errorf("expected name near %q", text(src, toks))
	}

	// a parameter with a single word and no modifiers is an unnamed type
	if param && !namedParam(toks[i:]) {
		i = f.readType(src, toks, i)
	} else {
		f.Name = strings.TrimPrefix(toks[i].value, "@")
		if toks[i].kind == tokQuoted {
			f.Ident = toks[i].text
		}
		i++
		if param && i < len(toks) && toks[i].is("AS") {
			i++
		}
		if i >= len(toks) {
			return f, fmt.Errorf("missing type for %q", f.Name)
		}
		i = f.readType(src, toks, i)
	}

	for i < len(toks) {
		t := toks[i]
		switch {
		case t.is("OUT") || t.is("OUTPUT"):
			f.Output = true
			i++
		case t.is("READONLY"):
			f.ReadOnly = true
			i++
		case t.is("DEFAULT") || t.punct("="):
			j := i + 1
			for j < len(toks) && !(toks[j].kind == tokWord && defaultEnd[strings.ToUpper(toks[j].text)] && j > i+1) {
				j++
			}
			if j > i+1 {
				def := src[toks[i+1].start:toks[j-1].end]
				f.Default = &def
			}
			i = j
		default:
			i++
		}
	}
	return f, nil
}

// namedParam reports whether a parameter item starts with a name rather than a type
func namedParam(toks []token) bool {
	if strings.HasPrefix(toks[0].text, "@") {
		return true
	}
	if len(toks) < 2 {
		return false
	}
	next := toks[1]
	if next.punct("(") || next.punct(".") || next.punct("=") || next.text == "[]" {
		return false
	}
	if next.kind == tokWord && (next.is("DEFAULT") || next.is("OUT") || next.is("OUTPUT") || next.is("READONLY")) {
		return false
	}
	// multi-word built-in types: "double precision", "character varying"
	if _, ok := multiWordTypes[strings.ToLower(toks[0].text+" "+next.text)]; ok {
		return false
	}
	return true
}

var multiWordTypes = map[string]bool{
	"double precision":  true,
	"character varying": true,
	"bit varying":       true,
	"timestamp with":    true,
	"timestamp without": true,
	"time with":         true,
	"time without":      true,
}

// readType reads a type name with optional length and scale, returning the
// index of the first token after it
func (f *Field) readType(src string, toks []token, i int) int {
	start := i
	end := i
	for i < len(toks) {
		t := toks[i]
		if t.kind == tokWord && typeEnd[strings.ToUpper(t.text)] {
			break
		}
		if t.kind != tokWord && t.kind != tokQuoted && !t.punct(".") {
			break
		}
		// [] after a type is an array marker, not a quoted identifier
		if t.kind == tokQuoted && t.text == "[]" && i > start {
			break
		}
		end = i + 1
		i++
	}
	if end == start {
		return i
	}
	f.Type = src[toks[start].start:toks[end-1].end]

	if i < len(toks) && toks[i].punct("(") {
		if closing := matching(toks, i); closing > 0 {
			args := splitTop(toks[i+1 : closing])
			if len(args) > 0 && len(args[0]) > 0 {
				f.Length = text(src, args[0])
			}
			if len(args) > 1 && len(args[1]) > 0 {
				f.Scale = text(src, args[1])
			}
			i = closing + 1
		}
	}

	for i < len(toks) && toks[i].kind == tokQuoted && toks[i].text == "[]" {
		f.Type += "[]"
		i++
	}
	return i
}

func text(src string, toks []token) string {
	if len(toks) == 0 {
		return ""
	}
	return strings.TrimSpace(src[toks[0].start:toks[len(toks)-1].end])
}
