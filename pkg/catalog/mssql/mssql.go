// Package mssql is the SQL Server catalog driver, built on go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

const defaultPort = 1433

func init() {
	catalog.Register(catalog.Driver{
		Name:   "sqlserver",
		Open:   open,
		Create: Create,
	})
}

func open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (catalog.Catalog, error) {
	c, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// routine kinds, taken from the objects query
const (
	kindProcedure = iota + 1
	kindTableFunction
	kindScalarFunction
)

// Catalog is a SQL Server database
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	routines map[schema.ObjectID]int
}

var _ catalog.Catalog = (*Catalog)(nil)

// buildConnectionString builds a sqlserver URL; the password is escaped so
// it may contain @, / or #.
func buildConnectionString(cfg config.DatabaseConfig, database string) string {
	if cfg.DSN != "" && database == cfg.Database {
		return cfg.DSN
	}

	query := url.Values{}
	query.Add("database", database)
	if cfg.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		port,
		query.Encode(),
	)
}

// Open connects to the configured database and verifies it is reachable
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlserver", buildConnectionString(cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open SQL auth connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connection test failed: %w", driverError(err))
	}
	return New(db, logger), nil
}

// New wraps an open database
func New(db *sql.DB, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		db:       db,
		logger:   logger.Named("mssql"),
		routines: make(map[schema.ObjectID]int),
	}
}

func (c *Catalog) Dialect() catalog.Dialect {
	return Dialect{}
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Query returns the rows of the first result set of text
func (c *Catalog) Query(ctx context.Context, text string) ([]catalog.Row, error) {
	rows, err := c.db.QueryContext(ctx, text)
	if err != nil {
		return nil, driverError(err)
	}
	defer rows.Close()

	set, err := readSet(rows)
	if err != nil {
		return nil, driverError(err)
	}
	if text == objectsQuery {
		c.recordRoutines(set)
	}
	return set, nil
}

func (c *Catalog) recordRoutines(rows []catalog.Row) {
	kinds := make(map[schema.ObjectID]int)
	for _, r := range rows {
		full, _ := r["full"].(string)
		switch r["type"] {
		case catalog.ObjectProcedure:
			kinds[schema.ParseObjectID(full)] = kindProcedure
		case catalog.ObjectFunction:
			if single, _ := r["single_row"].(bool); single {
				kinds[schema.ParseObjectID(full)] = kindScalarFunction
			} else {
				kinds[schema.ParseObjectID(full)] = kindTableFunction
			}
		}
	}

	c.mu.Lock()
	c.routines = kinds
	c.mu.Unlock()
}

func (c *Catalog) kind(routine string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k, ok := c.routines[schema.ParseObjectID(routine)]; ok {
		return k
	}
	return kindProcedure
}

// Exec runs text as one batch
func (c *Catalog) Exec(ctx context.Context, text string) error {
	if _, err := c.db.ExecContext(ctx, text); err != nil {
		return driverError(err)
	}
	return nil
}

// Call runs a procedure as an RPC call, collecting every result set and the
// output parameters. Functions are selected from.
func (c *Catalog) Call(ctx context.Context, routine string, args []catalog.Arg) (*catalog.CallResult, error) {
	var (
		values []any
		names  []string
		outs   = make(map[string]any)
	)
	for _, a := range args {
		switch {
		case a.TableType != "":
			tvp, err := tableValue(a)
			if err != nil {
				return nil, err
			}
			values = append(values, sql.Named(a.Name, tvp))
		case a.Out:
			dest := outDest(a.Type)
			if err := assign(dest, a.Value); err != nil {
				return nil, fmt.Errorf("parameter %s: %w", a.Name, err)
			}
			outs[a.Name] = dest
			values = append(values, sql.Named(a.Name, sql.Out{Dest: dest, In: a.Value != nil}))
		default:
			values = append(values, sql.Named(a.Name, a.Value))
		}
		names = append(names, "@"+a.Name)
	}

	text := qualifiedName(routine)
	switch c.kind(routine) {
	case kindTableFunction:
		text = "SELECT * FROM " + text + "(" + strings.Join(names, ", ") + ")"
	case kindScalarFunction:
		text = "SELECT " + text + "(" + strings.Join(names, ", ") + ") AS [result]"
	}

	rows, err := c.db.QueryContext(ctx, text, values...)
	if err != nil {
		return nil, driverError(err)
	}

	sets, err := readSets(rows)
	if err != nil {
		rows.Close()
		return nil, driverError(err)
	}
	result := &catalog.CallResult{Sets: sets}
	// output parameters are assigned once the rows are closed
	if err := rows.Close(); err != nil {
		return nil, driverError(err)
	}

	if len(outs) > 0 {
		result.Out = make(map[string]any, len(outs))
		for name, dest := range outs {
			result.Out[name] = deref(dest)
		}
	}
	return result, nil
}

// readSets reads every result set. Statements without columns, such as a
// procedure body that only updates, produce no set.
func readSets(rows *sql.Rows) ([]catalog.ResultSet, error) {
	var sets []catalog.ResultSet
	for {
		columns, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to get columns: %w", err)
		}
		if len(columns) > 0 {
			set, err := readSet(rows)
			if err != nil {
				return nil, err
			}
			sets = append(sets, set)
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return sets, rows.Err()
}

// readSet reads the rows of the current result set
func readSet(rows *sql.Rows) (catalog.ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	set := catalog.ResultSet{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(catalog.Row, len(columns))
		for i, col := range columns {
			row[col] = convert(values[i], types[i].DatabaseTypeName())
		}
		set = append(set, row)
	}
	return set, rows.Err()
}

// convert turns driver byte slices into text where the column type is text-like
func convert(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
		return string(b)
	case "UNIQUEIDENTIFIER":
		var id mssql.UniqueIdentifier
		if err := id.Scan(b); err == nil {
			return id.String()
		}
	case "CHAR", "VARCHAR", "TEXT", "NCHAR", "NVARCHAR", "NTEXT", "XML":
		return string(b)
	}
	return b
}

// outDest allocates a destination matching the declared output type
func outDest(typ string) any {
	switch baseType(typ) {
	case "bigint", "int", "smallint", "tinyint":
		return new(sql.NullInt64)
	case "bit":
		return new(sql.NullBool)
	case "float", "real", "decimal", "numeric", "money", "smallmoney":
		return new(sql.NullFloat64)
	case "date", "datetime", "datetime2", "smalldatetime", "datetimeoffset", "time":
		return new(sql.NullTime)
	case "varbinary", "binary", "image":
		return new([]byte)
	}
	return new(sql.NullString)
}

// assign stores an input value for an INOUT parameter
func assign(dest, v any) error {
	if v == nil {
		return nil
	}
	if s, ok := dest.(sql.Scanner); ok {
		switch x := v.(type) {
		case string:
			if _, isTime := dest.(*sql.NullTime); isTime {
				t, err := parseTime(x)
				if err != nil {
					return err
				}
				return s.Scan(t)
			}
		case float64:
			if _, isInt := dest.(*sql.NullInt64); isInt {
				return s.Scan(int64(x))
			}
		case map[string]any, []any:
			return errors.New("structured values cannot be passed as output parameters")
		}
		return s.Scan(v)
	}
	if b, ok := dest.(*[]byte); ok {
		switch x := v.(type) {
		case []byte:
			*b = x
		case string:
			*b = []byte(x)
		}
	}
	return nil
}

func deref(dest any) any {
	switch d := dest.(type) {
	case *sql.NullInt64:
		if d.Valid {
			return d.Int64
		}
	case *sql.NullBool:
		if d.Valid {
			return d.Bool
		}
	case *sql.NullFloat64:
		if d.Valid {
			return d.Float64
		}
	case *sql.NullTime:
		if d.Valid {
			return d.Time
		}
	case *sql.NullString:
		if d.Valid {
			return d.String
		}
	case *[]byte:
		if *d != nil {
			return *d
		}
	}
	return nil
}

// baseType strips length and quoting: "[sys].[nvarchar](50)" gives "nvarchar"
func baseType(typ string) string {
	t := strings.ToLower(schema.Unquote(typ))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return strings.TrimSpace(t)
}

// driverError normalizes a SQL Server error, joining all server messages
func driverError(err error) error {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return err
	}

	lines := []string{msErr.Message}
	for _, e := range msErr.All {
		if e.Message != msErr.Message {
			lines = append(lines, e.Message)
		}
	}
	return &catalog.DriverError{
		Message: strings.Join(lines, "\n"),
		Code:    strconv.Itoa(int(msErr.Number)),
		Line:    int(msErr.LineNo),
		Err:     err,
	}
}

// parseTime accepts the layouts JSON clients send
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}
