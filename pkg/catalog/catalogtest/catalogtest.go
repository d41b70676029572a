// Package catalogtest provides an in-memory catalog for tests.
package catalogtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// Query texts of the fake dialect
const (
	ObjectsQuery      = "-- objects"
	DependenciesQuery = "-- dependencies"
	TypesQuery        = "-- types"
)

// Call records one routine call
type Call struct {
	Routine string
	Args    []catalog.Arg
}

// Catalog is an in-memory catalog. Its exported fields may be set before use;
// recorded calls and statements are read back with Executed and Calls.
type Catalog struct {
	Objects      []catalog.Row
	Dependencies []catalog.Row
	Types        []catalog.Row

	// OnExec runs for every executed statement; its error fails the statement
	OnExec func(text string) error
	// OnQuery answers queries other than the introspection ones
	OnQuery func(text string) ([]catalog.Row, error)
	// OnCall answers routine calls
	OnCall func(routine string, args []catalog.Arg) (*catalog.CallResult, error)
	// QueryErr fails every introspection query
	QueryErr error

	mu       sync.Mutex
	executed []string
	calls    []Call
	closed   bool
}

// New returns an empty catalog
func New() *Catalog {
	return &Catalog{}
}

var _ catalog.Catalog = (*Catalog)(nil)

func (c *Catalog) Query(_ context.Context, text string) ([]catalog.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch text {
	case ObjectsQuery, DependenciesQuery, TypesQuery:
		if c.QueryErr != nil {
			return nil, c.QueryErr
		}
	}

	switch text {
	case ObjectsQuery:
		return c.Objects, nil
	case DependenciesQuery:
		return c.Dependencies, nil
	case TypesQuery:
		return c.Types, nil
	}
	if c.OnQuery != nil {
		return c.OnQuery(text)
	}
	return nil, fmt.Errorf("unexpected query %q", text)
}

func (c *Catalog) Exec(_ context.Context, text string) error {
	c.mu.Lock()
	c.executed = append(c.executed, text)
	onExec := c.OnExec
	c.mu.Unlock()

	if onExec != nil {
		return onExec(text)
	}
	return nil
}

func (c *Catalog) Call(_ context.Context, routine string, args []catalog.Arg) (*catalog.CallResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Routine: routine, Args: args})
	onCall := c.OnCall
	c.mu.Unlock()

	if onCall == nil {
		return &catalog.CallResult{}, nil
	}
	return onCall(routine, args)
}

func (c *Catalog) Dialect() catalog.Dialect {
	return Dialect{}
}

func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Executed returns the statements run so far
func (c *Catalog) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// Calls returns the routine calls made so far
func (c *Catalog) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Closed reports whether Close was called
func (c *Catalog) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Object returns an objects query row
func Object(kind, namespace, name, source string) catalog.Row {
	r := catalog.Row{
		"type":      kind,
		"namespace": namespace,
		"name":      name,
		"full":      namespace + "." + name,
	}
	if source != "" {
		r["source"] = source
	}
	return r
}

// Routine returns an objects query row for a procedure
func Routine(namespace, name, source, params string) catalog.Row {
	r := Object(catalog.ObjectProcedure, namespace, name, source)
	r["params"] = params
	return r
}

// Dialect is a SQL Server flavored dialect with readable marker output
type Dialect struct{}

var _ catalog.Dialect = Dialect{}

func (Dialect) Name() string              { return "fake" }
func (Dialect) ObjectsQuery() string      { return ObjectsQuery }
func (Dialect) DependenciesQuery() string { return DependenciesQuery }
func (Dialect) TypesQuery() string        { return TypesQuery }

func (Dialect) TypeStyle() statement.TypeStyle {
	return statement.TypeStyle{Clause: "AS TABLE", BoolType: "bit", Defaults: true}
}

func (Dialect) DropType(name string) string {
	return "DROP TYPE " + name
}

func (Dialect) Audit(routine string, params []parser.Field) string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return fmt.Sprintf("-- audit %s(%s)", routine, strings.Join(names, ", "))
}

func (Dialect) CallParams(params []parser.Field) string {
	return fmt.Sprintf("-- capture %d params", len(params))
}

func (Dialect) CallParamsRef() string {
	return "@callParams"
}

func (Dialect) ErrorContext(file string, line int, ref string) string {
	return fmt.Sprintf("-- error %s:%d %s", file, line, ref)
}
