// Package sqlite is the SQLite catalog driver, built on modernc.org/sqlite.
// SQLite has no stored routines or table types: its catalog holds tables,
// views and triggers in the "main" namespace.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// Namespace is the schema every object belongs to
const Namespace = "main"

// ErrNoRoutines is returned by Call
var ErrNoRoutines = errors.New("sqlite has no stored routines")

// Tables report no source so they are never altered; views and triggers are
// compared by the text sqlite_master keeps.
const objectsQuery = `
SELECT 'namespace' AS type, 'main' AS namespace, NULL AS name, NULL AS full,
	NULL AS source, NULL AS params, 0 AS single_row
UNION ALL
SELECT type, 'main', name, 'main.' || name,
	CASE WHEN type = 'table' THEN NULL ELSE sql END, NULL, 0
FROM sqlite_master
WHERE type IN ('table', 'view', 'trigger') AND name NOT LIKE 'sqlite_%'
ORDER BY 2, 4`

// SQLite cannot alter views or triggers; they are dropped and recreated
var alterObject = regexp.MustCompile(`(?is)^\s*ALTER\s+(VIEW|TRIGGER)\s+((?:main\.)?("[^"]+"|\[[^\]]+\]|` + "`[^`]+`" + `|[\w$]+))`)

func init() {
	catalog.Register(catalog.Driver{
		Name: "sqlite",
		Open: open,
	})
}

func open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (catalog.Catalog, error) {
	c, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Catalog is an SQLite database file
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ catalog.Catalog = (*Catalog)(nil)

// Open opens the database file named by the DSN, or by the database setting
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Catalog, error) {
	path := cfg.DSN
	if path == "" {
		path = cfg.Database
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection, so an in-memory database is shared by every statement
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an open database
func New(db *sql.DB, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{db: db, logger: logger.Named("sqlite")}
}

func (c *Catalog) Dialect() catalog.Dialect {
	return Dialect{}
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Query(ctx context.Context, text string) ([]catalog.Row, error) {
	rows, err := c.db.QueryContext(ctx, text)
	if err != nil {
		return nil, driverError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var set []catalog.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(catalog.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				values[i] = string(b)
			}
			row[col] = values[i]
		}
		set = append(set, row)
	}
	return set, rows.Err()
}

// Exec runs text; ALTER VIEW and ALTER TRIGGER become a drop and a create
func (c *Catalog) Exec(ctx context.Context, text string) error {
	if _, err := c.db.ExecContext(ctx, rewriteAlter(text)); err != nil {
		return driverError(err)
	}
	return nil
}

func rewriteAlter(text string) string {
	m := alterObject.FindStringSubmatchIndex(text)
	if m == nil {
		return text
	}
	kind := text[m[2]:m[3]]
	name := text[m[4]:m[5]]
	return fmt.Sprintf("DROP %s IF EXISTS %s;\nCREATE %s %s%s", kind, name, kind, name, text[m[1]:])
}

func (c *Catalog) Call(context.Context, string, []catalog.Arg) (*catalog.CallResult, error) {
	return nil, ErrNoRoutines
}

func driverError(err error) error {
	return &catalog.DriverError{Message: err.Error(), Err: err}
}

// Dialect is the SQLite dialect. Markers expand to nothing since SQLite has
// no procedural code.
type Dialect struct{}

var _ catalog.Dialect = Dialect{}

func (Dialect) Name() string              { return "sqlite" }
func (Dialect) ObjectsQuery() string      { return objectsQuery }
func (Dialect) DependenciesQuery() string { return "" }
func (Dialect) TypesQuery() string        { return "" }

func (Dialect) TypeStyle() statement.TypeStyle {
	return statement.TypeStyle{Clause: "AS TABLE", BoolType: "integer"}
}

func (Dialect) DropType(string) string                  { return "" }
func (Dialect) Audit(string, []parser.Field) string     { return "" }
func (Dialect) CallParams([]parser.Field) string        { return "" }
func (Dialect) CallParamsRef() string                   { return "NULL" }
func (Dialect) ErrorContext(string, int, string) string { return "" }
