// Package postgres is the PostgreSQL catalog driver, built on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

const (
	defaultPort  = 5432
	refcursorOID = 1790
)

func init() {
	catalog.Register(catalog.Driver{
		Name:   "postgres",
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

// Catalog is a PostgreSQL database reached through a pgx pool
type Catalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu         sync.RWMutex
	procedures map[string]bool // routines invoked with CALL, by lower-cased id
}

var _ catalog.Catalog = (*Catalog)(nil)

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// User-provided fields are escaped so passwords may contain @, / or #.
func buildConnectionString(cfg config.DatabaseConfig, database string) string {
	if cfg.DSN != "" && database == cfg.Database {
		return cfg.DSN
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		port,
		url.QueryEscape(database),
		sslMode,
	)
}

// Open connects to the configured database and verifies it is reachable
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Catalog, error) {
	pool, err := pgxpool.New(ctx, buildConnectionString(cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", driverError(err, ""))
	}

	return New(pool, logger), nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		pool:       pool,
		logger:     logger.Named("postgres"),
		procedures: make(map[string]bool),
	}
}

func (c *Catalog) Dialect() catalog.Dialect {
	return Dialect{}
}

func (c *Catalog) Close() error {
	c.pool.Close()
	return nil
}

// Query returns all rows of text. Reading the objects query also records
// which routines are procedures.
func (c *Catalog) Query(ctx context.Context, text string) ([]catalog.Row, error) {
	rows, err := c.pool.Query(ctx, text)
	if err != nil {
		return nil, driverError(err, text)
	}
	set, _, err := collect(rows)
	if err != nil {
		return nil, driverError(err, text)
	}

	if text == objectsQuery {
		c.recordProcedures(set)
	}
	return set, nil
}

func (c *Catalog) recordProcedures(rows []catalog.Row) {
	procs := make(map[string]bool)
	for _, r := range rows {
		if r["type"] == catalog.ObjectProcedure {
			full, _ := r["full"].(string)
			procs[strings.ToLower(full)] = true
		}
	}

	c.mu.Lock()
	c.procedures = procs
	c.mu.Unlock()
}

func (c *Catalog) isProcedure(routine string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.procedures[strings.ToLower(routine)]
}

// Exec runs text with the simple protocol so it may hold several statements
func (c *Catalog) Exec(ctx context.Context, text string) error {
	if _, err := c.pool.Exec(ctx, text, pgx.QueryExecModeSimpleProtocol); err != nil {
		return driverError(err, text)
	}
	return nil
}

// Call invokes routine with named notation inside a transaction. A routine
// returning only refcursors produces one result set per cursor.
func (c *Catalog) Call(ctx context.Context, routine string, args []catalog.Arg) (*catalog.CallResult, error) {
	text, values, err := c.callText(routine, args)
	if err != nil {
		return nil, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, driverError(err, "")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, text, append([]any{pgx.QueryExecModeSimpleProtocol}, values...)...)
	if err != nil {
		return nil, driverError(err, text)
	}
	set, cursors, err := collect(rows)
	if err != nil {
		return nil, driverError(err, text)
	}

	result := &catalog.CallResult{}
	if len(cursors) == 0 {
		result.Sets = []catalog.ResultSet{set}
	}
	for _, name := range cursors {
		fetch := "FETCH ALL FROM " + pgx.Identifier{name}.Sanitize()
		rows, err := tx.Query(ctx, fetch)
		if err != nil {
			return nil, driverError(err, fetch)
		}
		set, _, err := collect(rows)
		if err != nil {
			return nil, driverError(err, fetch)
		}
		result.Sets = append(result.Sets, set)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, driverError(err, "")
	}
	return result, nil
}

func (c *Catalog) callText(routine string, args []catalog.Arg) (string, []any, error) {
	name := pgx.Identifier(strings.SplitN(schema.Unquote(routine), ".", 2))

	var (
		named  []string
		values []any
	)
	for _, a := range args {
		if a.Out {
			continue
		}
		n := len(values) + 1
		arg := pgx.Identifier{a.Name}.Sanitize()
		if a.TableType != "" {
			data, err := json.Marshal(a.Value)
			if err != nil {
				return "", nil, fmt.Errorf("encode %s: %w", a.Name, err)
			}
			named = append(named, fmt.Sprintf(
				"%s => (SELECT array_agg(r) FROM json_populate_recordset(NULL::%s, $%d::json) r)",
				arg, a.TableType, n))
			values = append(values, string(data))
			continue
		}
		v, err := argValue(a.Value)
		if err != nil {
			return "", nil, fmt.Errorf("encode %s: %w", a.Name, err)
		}
		named = append(named, fmt.Sprintf("%s => $%d", arg, n))
		values = append(values, v)
	}

	verb := "SELECT * FROM "
	if c.isProcedure(string(schema.ParseObjectID(routine))) {
		verb = "CALL "
	}
	return verb + name.Sanitize() + "(" + strings.Join(named, ", ") + ")", values, nil
}

// argValue converts a JSON-shaped value to one the simple protocol can quote
func argValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return v, nil
}

// collect reads all rows. When every column is a refcursor the cursor names
// are returned instead of the rows.
func collect(rows pgx.Rows) ([]catalog.Row, []string, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	allCursors := len(fields) > 0
	for _, fd := range fields {
		if fd.DataTypeOID != refcursorOID {
			allCursors = false
		}
	}

	var (
		set     = []catalog.Row{}
		cursors []string
	)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row values: %w", err)
		}
		if allCursors {
			for _, v := range values {
				if name, ok := v.(string); ok {
					cursors = append(cursors, name)
				}
			}
			continue
		}
		row := make(catalog.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalize(values[i])
		}
		set = append(set, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return set, cursors, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Duration:
		return x.String()
	}
	return v
}

// driverError normalizes a pgx error. The line is derived from the error
// position within text.
func driverError(err error, text string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	lines := []string{pgErr.Message}
	if pgErr.Detail != "" {
		lines = append(lines, pgErr.Detail)
	}
	if pgErr.Hint != "" {
		lines = append(lines, pgErr.Hint)
	}
	if pgErr.Where != "" {
		lines = append(lines, pgErr.Where)
	}

	return &catalog.DriverError{
		Message: strings.Join(lines, "\n"),
		Code:    pgErr.Code,
		Line:    lineAt(text, int(pgErr.Position)),
		Err:     err,
	}
}

// lineAt returns the 1-based line of the 1-based character position pos
func lineAt(text string, pos int) int {
	if pos <= 0 || text == "" {
		return 0
	}
	runes := []rune(text)
	if pos > len(runes) {
		pos = len(runes)
	}
	return strings.Count(string(runes[:pos-1]), "\n") + 1
}
