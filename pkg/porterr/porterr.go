// Package porterr defines the error kinds surfaced by the port and the table mapping
// database error codes to them.
package porterr

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Kind identifies a class of port failure
type Kind string

const (
	KindSQL                    Kind = "port.sql"
	KindNoConnection           Kind = "port.noConnection"
	KindNotReady               Kind = "port.notReady"
	KindMissingQuery           Kind = "port.missingQuery"
	KindInvalidResultSetOrder  Kind = "port.invalidResultSetOrder"
	KindDuplicateResultSetName Kind = "port.duplicateResultSetName"
	KindSingleResultExpected   Kind = "port.singleResultExpected"
)

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrSQL                    = &Error{Kind: KindSQL}
	ErrNoConnection           = &Error{Kind: KindNoConnection}
	ErrNotReady               = &Error{Kind: KindNotReady}
	ErrMissingQuery           = &Error{Kind: KindMissingQuery}
	ErrInvalidResultSetOrder  = &Error{Kind: KindInvalidResultSetOrder}
	ErrDuplicateResultSetName = &Error{Kind: KindDuplicateResultSetName}
	ErrSingleResultExpected   = &Error{Kind: KindSingleResultExpected}
)

// Error is a typed port failure
type Error struct {
	Kind    Kind
	Message string
	Params  map[string]any
	Cause   error

	// Set in debug mode for failed routine calls
	Routine string
	Input   map[string]any
	File    string
	Trace   []string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil && e.Cause.Error() != msg {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NoConnection(params map[string]any) *Error {
	return &Error{Kind: KindNoConnection, Message: "No connection to database server", Params: params}
}

func NotReady(params map[string]any) *Error {
	return &Error{Kind: KindNotReady, Message: "The connection is not ready", Params: params}
}

func MissingQuery(params map[string]any) *Error {
	return &Error{Kind: KindMissingQuery, Message: "Missing query", Params: params}
}

func InvalidResultSetOrder(params map[string]any) *Error {
	return &Error{Kind: KindInvalidResultSetOrder, Message: "Invalid result set order", Params: params}
}

func DuplicateResultSetName(name string) *Error {
	return &Error{
		Kind:    KindDuplicateResultSetName,
		Message: "Duplicate result set name",
		Params:  map[string]any{"name": name},
	}
}

func SingleResultExpected(name string, count int) *Error {
	return &Error{
		Kind:    KindSingleResultExpected,
		Message: "Expected a single row",
		Params:  map[string]any{"name": name, "count": count},
	}
}

// SQL wraps a database failure under kind, which falls back to KindSQL when empty
func SQL(kind Kind, message string, cause error) *Error {
	if kind == "" {
		kind = KindSQL
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Mapping resolves database error codes to kinds. It is built once at startup and
// only read afterwards.
type Mapping struct {
	kinds map[string]Kind
}

// NewMapping builds a mapping from error code (or code prefix) to kind name
func NewMapping(table map[string]string) *Mapping {
	m := &Mapping{kinds: make(map[string]Kind, len(table))}
	for code, kind := range table {
		m.kinds[strings.ToLower(code)] = Kind(kind)
	}
	return m
}

// Codes returns a copy of the table
func (m *Mapping) Codes() map[string]Kind {
	if m == nil {
		return nil
	}
	return maps.Clone(m.kinds)
}

// Resolve finds the kind registered for code, trying the whole dotted code first
// and then successively shorter prefixes. Unknown codes resolve to KindSQL.
func (m *Mapping) Resolve(code string) Kind {
	if m == nil {
		return KindSQL
	}
	key := strings.ToLower(code)
	for key != "" {
		if k, ok := m.kinds[key]; ok {
			return k
		}
		i := strings.LastIndexByte(key, '.')
		if i < 0 {
			break
		}
		key = key[:i]
	}
	return KindSQL
}

// Code extracts the error code from the first line of a database message: the
// first whitespace-delimited token with a trailing colon removed.
func Code(firstLine string) string {
	fields := strings.Fields(firstLine)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ":")
}
