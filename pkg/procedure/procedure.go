// Package procedure binds catalog routines to callable handlers. Each bound
// routine gets an Adapter which flattens the input message, assembles named
// arguments, calls the routine and decodes its result sets.
package procedure

import (
	"context"
	"maps"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
)

// Meta is the call metadata accompanying a message
type Meta struct {
	Method  string
	Mtid    string
	TraceID string
	// Debug enables error enrichment for this call
	Debug bool
	// Fields holds any other metadata set by the host
	Fields map[string]any
}

// Map returns the metadata passed to routines taking a meta parameter
func (m *Meta) Map() map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m.Fields)
	if out == nil {
		out = make(map[string]any, 3)
	}
	if m.Method != "" {
		out["method"] = m.Method
	}
	if m.Mtid != "" {
		out["mtid"] = m.Mtid
	}
	if m.TraceID != "" {
		out["traceId"] = m.TraceID
	}
	return out
}

// Handler serves one method
type Handler func(ctx context.Context, msg map[string]any, meta *Meta) (any, error)

// Registry maps method names to handlers. A registry is not modified once
// published; Bind returns a new one.
type Registry map[string]Handler

// ConnFunc returns the catalog to call routines on, or the error explaining
// why there is none
type ConnFunc func() (catalog.Catalog, error)
