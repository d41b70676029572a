package parser

import (
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// type synonyms folded before comparing signatures, so that a catalog
// reporting "integer" matches a file declaring "int"
var typeSynonyms = map[string]string{
	"integer":                     "int",
	"int4":                        "int",
	"int8":                        "bigint",
	"int2":                        "smallint",
	"bool":                        "boolean",
	"character varying":           "varchar",
	"character":                   "char",
	"float8":                      "double precision",
	"float4":                      "real",
	"decimal":                     "numeric",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamptz",
	"time without time zone":      "time",
	"time with time zone":         "timetz",
}

// NormalizeType lower-cases a type name, removes identifier quoting, collapses
// whitespace and folds common synonyms.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.Join(strings.Fields(schema.Unquote(t)), " "))
	array := strings.HasSuffix(t, "[]")
	t = strings.TrimSuffix(t, "[]")
	if s, ok := typeSynonyms[t]; ok {
		t = s
	}
	if array {
		t += "[]"
	}
	return t
}

// Signature renders the columns of a table type as one tab-delimited
// "name type length scale" line per column. Two table types are equal when
// their signatures are.
func Signature(cols []schema.Column) string {
	lines := make([]string, len(cols))
	for i, c := range cols {
		typ := NormalizeType(c.Type)
		scale := c.Scale
		if scale == "" && c.Length != "" && typ == "numeric" {
			scale = "0"
		}
		lines[i] = strings.ToLower(strings.Join([]string{
			schema.Unquote(c.Name),
			typ,
			strings.TrimSpace(c.Length),
			strings.TrimSpace(scale),
		}, "\t"))
	}
	return strings.Join(lines, "\n")
}

// FieldSignature is Signature over parsed fields
func FieldSignature(fields []Field) string {
	cols := make([]schema.Column, len(fields))
	for i, f := range fields {
		cols[i] = f.Column()
	}
	return Signature(cols)
}
