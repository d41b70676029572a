package mssql

import (
	"fmt"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// declared type of parameter p, with its length, as T-SQL text
const typeExpr = `CASE WHEN ty.is_user_defined = 1 THEN SCHEMA_NAME(ty.schema_id) + '.' + ty.name ELSE ty.name END
	+ CASE
		WHEN ty.name IN ('varchar', 'char', 'varbinary', 'binary')
			THEN '(' + CASE WHEN p.max_length = -1 THEN 'max' ELSE CAST(p.max_length AS varchar(10)) END + ')'
		WHEN ty.name IN ('nvarchar', 'nchar')
			THEN '(' + CASE WHEN p.max_length = -1 THEN 'max' ELSE CAST(p.max_length / 2 AS varchar(10)) END + ')'
		WHEN ty.name IN ('decimal', 'numeric')
			THEN '(' + CAST(p.precision AS varchar(10)) + ',' + CAST(p.scale AS varchar(10)) + ')'
		ELSE ''
	END`

const objectsQuery = `
SELECT 'namespace' AS [type], s.name AS [namespace], NULL AS [name], NULL AS [full],
	NULL AS [source], NULL AS [params], CAST(0 AS bit) AS [single_row]
FROM sys.schemas s
WHERE s.schema_id < 16384 AND s.name NOT IN ('sys', 'INFORMATION_SCHEMA', 'guest')
UNION ALL
SELECT
	CASE o.type WHEN 'U' THEN 'table' WHEN 'V' THEN 'view' WHEN 'P' THEN 'procedure' WHEN 'TR' THEN 'trigger' ELSE 'function' END,
	s.name, o.name, s.name + '.' + o.name, m.definition,
	(
		SELECT STRING_AGG(CAST(p.name + ' ' +` + typeExpr + `
			+ CASE WHEN p.is_output = 1 THEN ' OUTPUT' ELSE '' END
			+ CASE WHEN p.is_readonly = 1 THEN ' READONLY' ELSE '' END AS nvarchar(max)), ', ')
			WITHIN GROUP (ORDER BY p.parameter_id)
		FROM sys.parameters p
		JOIN sys.types ty ON ty.user_type_id = p.user_type_id
		WHERE p.object_id = o.object_id AND p.parameter_id > 0
	),
	CAST(CASE WHEN o.type = 'FN' THEN 1 ELSE 0 END AS bit)
FROM sys.objects o
JOIN sys.schemas s ON s.schema_id = o.schema_id
LEFT JOIN sys.sql_modules m ON m.object_id = o.object_id
WHERE o.type IN ('U', 'V', 'P', 'FN', 'IF', 'TF', 'TR') AND o.is_ms_shipped = 0
UNION ALL
SELECT CASE WHEN t.is_table_type = 1 THEN 'tableType' ELSE 'type' END,
	s.name, t.name, s.name + '.' + t.name, NULL, NULL, CAST(0 AS bit)
FROM sys.types t
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE t.is_user_defined = 1
ORDER BY 2, 4`

const typesQuery = `
SELECT s.name + '.' + tt.name AS [type_id],
	c.name AS [column],
	ty.name AS [type],
	CASE
		WHEN ty.name IN ('varchar', 'char', 'varbinary', 'binary')
			THEN CASE WHEN c.max_length = -1 THEN 'max' ELSE CAST(c.max_length AS varchar(10)) END
		WHEN ty.name IN ('nvarchar', 'nchar')
			THEN CASE WHEN c.max_length = -1 THEN 'max' ELSE CAST(c.max_length / 2 AS varchar(10)) END
		WHEN ty.name IN ('decimal', 'numeric') THEN CAST(c.precision AS varchar(10))
	END AS [length],
	CASE WHEN ty.name IN ('decimal', 'numeric') THEN CAST(c.scale AS varchar(10)) END AS [scale],
	dc.definition AS [default]
FROM sys.table_types tt
JOIN sys.schemas s ON s.schema_id = tt.schema_id
JOIN sys.columns c ON c.object_id = tt.type_table_object_id
JOIN sys.types ty ON ty.user_type_id = c.user_type_id
LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
ORDER BY 1, c.column_id`

const dropExpr = `'DROP ' + CASE d.type WHEN 'V' THEN 'VIEW' WHEN 'P' THEN 'PROCEDURE' WHEN 'TR' THEN 'TRIGGER' ELSE 'FUNCTION' END
	+ ' ' + QUOTENAME(ds.name) + '.' + QUOTENAME(d.name)`

const dependenciesQuery = `
SELECT DISTINCT rs.name + '.' + r.name AS [full], ds.name + '.' + d.name AS [dependent], ` + dropExpr + ` AS [drop]
FROM sys.sql_expression_dependencies x
JOIN sys.objects d ON d.object_id = x.referencing_id
JOIN sys.schemas ds ON ds.schema_id = d.schema_id
JOIN sys.objects r ON r.object_id = x.referenced_id
JOIN sys.schemas rs ON rs.schema_id = r.schema_id
WHERE x.referenced_class = 1 AND d.type IN ('V', 'P', 'FN', 'IF', 'TF', 'TR') AND d.object_id <> r.object_id
UNION
SELECT DISTINCT rs.name + '.' + tt.name, ds.name + '.' + d.name, ` + dropExpr + `
FROM sys.sql_expression_dependencies x
JOIN sys.objects d ON d.object_id = x.referencing_id
JOIN sys.schemas ds ON ds.schema_id = d.schema_id
JOIN sys.table_types tt ON tt.user_type_id = x.referenced_id
JOIN sys.schemas rs ON rs.schema_id = tt.schema_id
WHERE x.referenced_class = 6`

// Dialect is the SQL Server catalog dialect
type Dialect struct{}

var _ catalog.Dialect = Dialect{}

func (Dialect) Name() string              { return "sqlserver" }
func (Dialect) ObjectsQuery() string      { return objectsQuery }
func (Dialect) DependenciesQuery() string { return dependenciesQuery }
func (Dialect) TypesQuery() string        { return typesQuery }

func (Dialect) TypeStyle() statement.TypeStyle {
	return statement.TypeStyle{Clause: "AS TABLE", BoolType: "bit", Defaults: true}
}

func (Dialect) DropType(name string) string {
	return "DROP TYPE " + name
}

func (Dialect) Audit(routine string, params []parser.Field) string {
	return fmt.Sprintf("DECLARE @__auditParams XML = %s; EXEC [audit].[auditCall] @procid = @@PROCID, @params = @__auditParams",
		paramsXML(params))
}

func (Dialect) CallParams(params []parser.Field) string {
	return "DECLARE @callParams XML = " + paramsXML(params)
}

func (Dialect) CallParamsRef() string {
	return "@callParams"
}

// ErrorContext suffixes its variables with the line so several markers can
// share a batch
func (Dialect) ErrorContext(file string, line int, ref string) string {
	return fmt.Sprintf(
		"DECLARE @CORE_ERROR_FILE_%[2]d sysname = N'%[1]s' DECLARE @CORE_ERROR_LINE_%[2]d int = %[2]d "+
			"EXEC [core].[errorCall] @procid = @@PROCID, @file = @CORE_ERROR_FILE_%[2]d, @fileLine = @CORE_ERROR_LINE_%[2]d, @params = %[3]s",
		escapeStringLiteral(file), line, ref)
}

// paramsXML renders the parameters as one XML element; table parameters
// become nested rows
func paramsXML(params []parser.Field) string {
	var cols []string
	for _, p := range params {
		if p.Name == "" {
			continue
		}
		if p.ReadOnly {
			cols = append(cols, fmt.Sprintf("(SELECT * FROM @%s FOR XML RAW('item'), TYPE) %s", p.Name, quoteName(p.Name)))
			continue
		}
		cols = append(cols, fmt.Sprintf("@%s %s", p.Name, quoteName(p.Name)))
	}
	if len(cols) == 0 {
		return "NULL"
	}
	return "(SELECT " + strings.Join(cols, ", ") + " FOR XML RAW('params'), TYPE)"
}

// escapeStringLiteral doubles single quotes for use in a T-SQL string literal
func escapeStringLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// quoteName brackets an identifier the way QUOTENAME() does
func quoteName(identifier string) string {
	return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
}

// qualifiedName brackets each part of a dotted name
func qualifiedName(name string) string {
	parts := strings.SplitN(strings.NewReplacer("[", "", "]", "", `"`, "").Replace(name), ".", 2)
	for i, p := range parts {
		parts[i] = quoteName(p)
	}
	return strings.Join(parts, ".")
}
