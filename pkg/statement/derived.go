package statement

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// Suffixes of the derived bulk types
const (
	BulkSuffix       = "TT"
	BulkUpdateSuffix = "TTU"
	UpdatedSuffix    = "Updated"
)

// TypeStyle describes how a dialect writes table types
type TypeStyle struct {
	Clause   string // "AS TABLE" (SQL Server) or "AS" (PostgreSQL composite)
	BoolType string // type of the <column>Updated columns
	Defaults bool   // whether columns may carry DEFAULT
}

// Derived is a synthesized table type
type Derived struct {
	ID   schema.ObjectID
	Name string
	SQL  string
}

var (
	numericLiteral = regexp.MustCompile(`^[-+]?\d+(\.\d+)?$`)
	stringLiteral  = regexp.MustCompile(`^N?'(?:[^']|'')*'$`)
)

// DerivedTypes builds the bulk (TT) and bulk update (TTU) table types of a table
func DerivedTypes(table *parser.Statement, style TypeStyle) (tt, ttu Derived, err error) {
	if table.Kind != parser.KindTable {
		return tt, ttu, fmt.Errorf("%s is not a table", table.Name)
	}
	if style.Clause == "" {
		style.Clause = "AS TABLE"
	}
	if style.BoolType == "" {
		style.BoolType = "bit"
	}

	id := table.ID()
	bulk := make([]string, 0, len(table.Fields))
	update := make([]string, 0, 2*len(table.Fields))
	for _, f := range table.Fields {
		col := column(f, style.Defaults)
		bulk = append(bulk, col)
		update = append(update, col, SuffixName(ident(f), UpdatedSuffix)+" "+style.BoolType)
	}

	tt = Derived{
		ID:   id + schema.ObjectID(strings.ToLower(BulkSuffix)),
		Name: SuffixName(table.Name, BulkSuffix),
	}
	tt.SQL = createType(tt.Name, style.Clause, bulk)

	ttu = Derived{
		ID:   id + schema.ObjectID(strings.ToLower(BulkUpdateSuffix)),
		Name: SuffixName(table.Name, BulkUpdateSuffix),
	}
	ttu.SQL = createType(ttu.Name, style.Clause, update)

	return tt, ttu, nil
}

// SuffixName appends suffix to a possibly quoted name, before its closing quote
func SuffixName(name, suffix string) string {
	if n := len(name); n > 0 && strings.ContainsRune(`"]`+"`", rune(name[n-1])) {
		return name[:n-1] + suffix + name[n-1:]
	}
	return name + suffix
}

func createType(name, clause string, columns []string) string {
	return fmt.Sprintf("CREATE TYPE %s %s (\n    %s\n)", name, clause, strings.Join(columns, ",\n    "))
}

// ident returns the column name with its quoting, so quoted names keep their
// case and reserved words stay quoted
func ident(f parser.Field) string {
	if f.Ident != "" {
		return f.Ident
	}
	return f.Name
}

func column(f parser.Field, defaults bool) string {
	var sb strings.Builder
	sb.WriteString(ident(f))
	sb.WriteString(" ")
	sb.WriteString(f.Type)
	if f.Length != "" {
		sb.WriteString("(")
		sb.WriteString(f.Length)
		if f.Scale != "" {
			sb.WriteString(", ")
			sb.WriteString(f.Scale)
		}
		sb.WriteString(")")
	}
	if defaults && f.Default != nil {
		if lit, ok := literal(*f.Default); ok {
			sb.WriteString(" DEFAULT ")
			sb.WriteString(lit)
		}
	}
	return sb.String()
}

// literal strips enclosing parentheses and reports whether what remains is a
// numeric or string literal
func literal(expr string) (string, bool) {
	expr = strings.TrimSpace(expr)
	for strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	if numericLiteral.MatchString(expr) || stringLiteral.MatchString(expr) {
		return expr, true
	}
	return "", false
}
