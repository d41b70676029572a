// Package catalog defines what the port needs from a database: catalog
// introspection, DDL execution and routine calls. Drivers live in sub-packages
// and register themselves from init().
package catalog

import (
	"context"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/schema"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// Object kinds reported in the "type" column of the objects query
const (
	ObjectNamespace = "namespace"
	ObjectTable     = "table"
	ObjectView      = "view"
	ObjectProcedure = "procedure"
	ObjectFunction  = "function"
	ObjectType      = "type"
	ObjectTableType = "tableType"
	ObjectTrigger   = "trigger"
)

// Row is one row keyed by column name
type Row = map[string]any

// ResultSet is one result set of a routine call
type ResultSet []Row

// CallResult holds what a routine call returned
type CallResult struct {
	Sets []ResultSet
	Out  map[string]any // output parameters by name
}

// Arg is one named routine argument
type Arg struct {
	Name   string
	Value  any
	Type   string
	Length string
	Scale  string
	Out    bool
	// TableType and Columns are set for table-valued arguments, whose Value
	// is a []map[string]any
	TableType string
	Columns   []schema.Column
}

// Catalog is an open connection to a database
type Catalog interface {
	// Query runs text and returns all rows of its first result set
	Query(ctx context.Context, text string) ([]Row, error)
	// Exec runs one statement
	Exec(ctx context.Context, text string) error
	// Call invokes a routine with named arguments
	Call(ctx context.Context, routine string, args []Arg) (*CallResult, error)
	Dialect() Dialect
	Close() error
}

// Dialect holds what differs between databases: introspection queries, table
// type syntax and marker rewriting.
//
// The objects query returns one row per object (or per source chunk) with the
// columns type, namespace, name, full, source, params and single_row. The
// dependencies query returns full, dependent and drop. The types query
// returns type_id, column, type, length and scale, ordered by column.
type Dialect interface {
	statement.Markers
	Name() string
	ObjectsQuery() string
	DependenciesQuery() string
	TypesQuery() string
	TypeStyle() statement.TypeStyle
	// DropType returns the statement dropping a table type before it is recreated
	DropType(name string) string
}

// Replacer is implemented by dialects that change a routine by replacing it
// rather than with ALTER
type Replacer interface {
	// Replace returns the statement replacing a routine, given its CREATE form
	Replace(create string) string
}

// SourceRecorder is implemented by dialects whose catalog does not return
// routine source as written. The recorded text is what the objects query
// reports as source afterwards.
type SourceRecorder interface {
	// RecordSource returns the statement storing source for the routine
	// stmt defines
	RecordSource(stmt *parser.Statement, source string) string
}

// DriverError is a database failure normalized by a driver
type DriverError struct {
	Message string // newline-joined diagnostic lines, the first being the error itself
	Code    string
	Line    int // line within the failing statement, 0 when unknown
	Err     error
}

func (e *DriverError) Error() string {
	return e.Message
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Lines splits the message into its diagnostic lines
func (e *DriverError) Lines() []string {
	return strings.Split(strings.ReplaceAll(e.Message, "\r\n", "\n"), "\n")
}
