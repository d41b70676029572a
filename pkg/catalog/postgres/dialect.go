package postgres

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// schemas never reconciled
const systemSchemas = `n.nspname NOT IN ('pg_catalog', 'information_schema')
	AND n.nspname NOT LIKE 'pg\_toast%'
	AND n.nspname NOT LIKE 'pg\_temp%'`

// SourceComment prefixes the routine comment holding the source as applied.
// pg_get_functiondef reformats the definition, so routines without such a
// comment are replaced once and compared by their comment afterwards.
const SourceComment = "sqlport:"

var routineSource = `CASE WHEN obj_description(p.oid, 'pg_proc') LIKE '` + SourceComment + `%'
		THEN substr(obj_description(p.oid, 'pg_proc'), ` + strconv.Itoa(len(SourceComment)+1) + `)
		ELSE pg_get_functiondef(p.oid) END`

// Views have no source here: pg_get_viewdef reformats the definition, so
// comparing it with the file would report a change on every load.
var objectsQuery = `
SELECT 'namespace' AS "type", n.nspname AS "namespace", NULL AS "name", NULL AS "full",
	NULL AS "source", NULL AS "params", false AS "single_row"
FROM pg_namespace n
WHERE ` + systemSchemas + `
UNION ALL
SELECT CASE WHEN c.relkind IN ('v', 'm') THEN 'view' ELSE 'table' END, n.nspname, c.relname,
	n.nspname || '.' || c.relname, NULL, NULL, false
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p', 'v', 'm') AND ` + systemSchemas + `
UNION ALL
SELECT CASE p.prokind WHEN 'p' THEN 'procedure' ELSE 'function' END, n.nspname, p.proname,
	n.nspname || '.' || p.proname, ` + routineSource + `, pg_get_function_arguments(p.oid),
	NOT p.proretset
FROM pg_proc p
JOIN pg_namespace n ON n.oid = p.pronamespace
WHERE p.prokind IN ('f', 'p') AND ` + systemSchemas + `
	AND NOT EXISTS (SELECT 1 FROM pg_depend d WHERE d.objid = p.oid AND d.deptype = 'e')
UNION ALL
SELECT CASE WHEN t.typtype = 'c' THEN 'tableType' ELSE 'type' END, n.nspname, t.typname,
	n.nspname || '.' || t.typname, NULL, NULL, false
FROM pg_type t
JOIN pg_namespace n ON n.oid = t.typnamespace
LEFT JOIN pg_class c ON c.oid = t.typrelid
WHERE (t.typtype IN ('e', 'd') OR (t.typtype = 'c' AND c.relkind = 'c')) AND ` + systemSchemas + `
ORDER BY 2, 4`

const typesQuery = `
SELECT n.nspname || '.' || t.typname AS "type_id",
	a.attname AS "column",
	format_type(a.atttypid, NULL) AS "type",
	CASE
		WHEN a.atttypmod > 0 AND a.atttypid IN (1042, 1043) THEN (a.atttypmod - 4)::text
		WHEN a.atttypmod > 0 AND a.atttypid = 1700 THEN (((a.atttypmod - 4) >> 16) & 65535)::text
	END AS "length",
	CASE
		WHEN a.atttypmod > 0 AND a.atttypid = 1700 THEN ((a.atttypmod - 4) & 65535)::text
	END AS "scale"
FROM pg_type t
JOIN pg_class c ON c.oid = t.typrelid AND c.relkind = 'c'
JOIN pg_namespace n ON n.oid = t.typnamespace
JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
WHERE ` + systemSchemas + `
ORDER BY 1, a.attnum`

// views over relations and functions, and routines taking a composite type
const dependenciesQuery = `
SELECT DISTINCT rn.nspname || '.' || rc.relname AS "full",
	vn.nspname || '.' || v.relname AS "dependent",
	'DROP VIEW IF EXISTS ' || quote_ident(vn.nspname) || '.' || quote_ident(v.relname) AS "drop"
FROM pg_depend d
JOIN pg_rewrite r ON r.oid = d.objid
JOIN pg_class v ON v.oid = r.ev_class
JOIN pg_namespace vn ON vn.oid = v.relnamespace
JOIN pg_class rc ON rc.oid = d.refobjid
JOIN pg_namespace rn ON rn.oid = rc.relnamespace
WHERE d.classid = 'pg_rewrite'::regclass AND d.refclassid = 'pg_class'::regclass
	AND v.oid <> rc.oid AND vn.nspname NOT IN ('pg_catalog', 'information_schema')
UNION
SELECT DISTINCT pn.nspname || '.' || p.proname,
	vn.nspname || '.' || v.relname,
	'DROP VIEW IF EXISTS ' || quote_ident(vn.nspname) || '.' || quote_ident(v.relname)
FROM pg_depend d
JOIN pg_rewrite r ON r.oid = d.objid
JOIN pg_class v ON v.oid = r.ev_class
JOIN pg_namespace vn ON vn.oid = v.relnamespace
JOIN pg_proc p ON p.oid = d.refobjid
JOIN pg_namespace pn ON pn.oid = p.pronamespace
WHERE d.classid = 'pg_rewrite'::regclass AND d.refclassid = 'pg_proc'::regclass
	AND pn.nspname NOT IN ('pg_catalog', 'information_schema')
UNION
SELECT DISTINCT tn.nspname || '.' || t.typname,
	pn.nspname || '.' || p.proname,
	'DROP ' || CASE p.prokind WHEN 'p' THEN 'PROCEDURE' ELSE 'FUNCTION' END || ' IF EXISTS ' || p.oid::regprocedure::text
FROM pg_depend d
JOIN pg_proc p ON p.oid = d.objid
JOIN pg_namespace pn ON pn.oid = p.pronamespace
JOIN pg_type t ON (t.oid = d.refobjid OR t.typarray = d.refobjid) AND t.typtype = 'c'
JOIN pg_namespace tn ON tn.oid = t.typnamespace
WHERE d.classid = 'pg_proc'::regclass AND d.refclassid = 'pg_type'::regclass
	AND tn.nspname NOT IN ('pg_catalog', 'information_schema')`

// Dialect is the PostgreSQL catalog dialect
type Dialect struct{}

var (
	_ catalog.Dialect        = Dialect{}
	_ catalog.Replacer       = Dialect{}
	_ catalog.SourceRecorder = Dialect{}
)

var leadingCreate = regexp.MustCompile(`(?i)^\s*CREATE\s+(OR\s+REPLACE\s+)?(FUNCTION|PROCEDURE)\b`)

func (Dialect) Name() string              { return "postgres" }
func (Dialect) ObjectsQuery() string      { return objectsQuery }
func (Dialect) DependenciesQuery() string { return dependenciesQuery }
func (Dialect) TypesQuery() string        { return typesQuery }

// TypeStyle uses composite types, which take no defaults
func (Dialect) TypeStyle() statement.TypeStyle {
	return statement.TypeStyle{Clause: "AS", BoolType: "boolean"}
}

func (Dialect) DropType(name string) string {
	return "DROP TYPE IF EXISTS " + name
}

// Replace turns CREATE FUNCTION and CREATE PROCEDURE into CREATE OR REPLACE
func (Dialect) Replace(create string) string {
	return leadingCreate.ReplaceAllString(create, "CREATE OR REPLACE $2")
}

// RecordSource keeps source in the routine comment, naming the routine by its
// input argument types so that overloads are told apart
func (Dialect) RecordSource(stmt *parser.Statement, source string) string {
	kind := "FUNCTION"
	if stmt.Kind == parser.KindProcedure {
		kind = "PROCEDURE"
	}
	var types []string
	for _, p := range stmt.Params {
		if !p.Output {
			types = append(types, p.Type)
		}
	}
	return fmt.Sprintf("COMMENT ON %s %s(%s) IS %s",
		kind, stmt.Name, strings.Join(types, ", "), quoteLiteral(SourceComment+source))
}

// Audit records the call through core."auditCall"
func (Dialect) Audit(routine string, params []parser.Field) string {
	return fmt.Sprintf("PERFORM core.\"auditCall\"(%s, %s);", quoteLiteral(routine), jsonObject(params))
}

// CallParams keeps the parameters in a transaction-local setting, since
// plpgsql cannot declare variables in the statement section
func (Dialect) CallParams(params []parser.Field) string {
	return fmt.Sprintf("PERFORM set_config('core.call_params', %s::text, true);", jsonObject(params))
}

func (Dialect) CallParamsRef() string {
	return "current_setting('core.call_params', true)::jsonb"
}

func (Dialect) ErrorContext(file string, line int, ref string) string {
	return fmt.Sprintf(
		`DECLARE "coreErrorFile%[2]d" text := %[1]s; "coreErrorLine%[2]d" integer := %[2]d; BEGIN PERFORM core."errorCall"("coreErrorFile%[2]d", "coreErrorLine%[2]d", %[3]s); END;`,
		quoteLiteral(file), line, ref)
}

func jsonObject(params []parser.Field) string {
	var parts []string
	for _, p := range params {
		if p.Name == "" || p.Output {
			continue
		}
		parts = append(parts, quoteLiteral(p.Name), pgx.Identifier{p.Name}.Sanitize())
	}
	return "jsonb_build_object(" + strings.Join(parts, ", ") + ")"
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
