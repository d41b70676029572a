// Package statement prepares object source for the catalog: marker rewriting,
// CREATE/ALTER normalization, canonical source for diffing and derived bulk
// table types.
package statement

import (
	"fmt"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/parser"
)

// Marker lines recognized in object source. Each must be alone on its line.
const (
	AuditMarker        = "--audit-params"
	CallParamsMarker   = "--call-params"
	ErrorContextMarker = "--error-context"
)

// Markers renders the statements that replace marker lines. Each catalog
// dialect provides its own.
type Markers interface {
	// Audit logs the routine call with its parameters
	Audit(routine string, params []parser.Field) string
	// CallParams declares and fills the parameter capture variable
	CallParams(params []parser.Field) string
	// CallParamsRef references the variable declared by CallParams
	CallParamsRef() string
	// ErrorContext reports a failure at file:line with the captured parameters (or NULL)
	ErrorContext(file string, line int, callParams string) string
}

type marker int

const (
	noMarker marker = iota
	auditMarker
	callParamsMarker
	errorContextMarker
)

func markerOf(line string) marker {
	switch strings.TrimSpace(line) {
	case AuditMarker:
		return auditMarker
	case CallParamsMarker:
		return callParamsMarker
	case ErrorContextMarker:
		return errorContextMarker
	}
	return noMarker
}

// Preprocess rewrites marker lines. Line numbers passed to ErrorContext are
// 1-based positions in the original text. Text without markers is returned
// unchanged and is not parsed.
func Preprocess(p parser.Parser, m Markers, text, fileName, objectName string) (string, error) {
	lines := strings.Split(text, "\n")

	found := map[marker]bool{}
	for _, line := range lines {
		if k := markerOf(line); k != noMarker {
			found[k] = true
		}
	}
	if len(found) == 0 || m == nil {
		return text, nil
	}

	stmt, err := p.Parse(text)
	if err != nil {
		return "", fmt.Errorf("%s: %w", fileName, err)
	}
	routine := stmt.Name
	if routine == "" {
		routine = objectName
	}

	ref := "NULL"
	if found[callParamsMarker] {
		ref = m.CallParamsRef()
	}

	for i, line := range lines {
		switch markerOf(line) {
		case auditMarker:
			lines[i] = m.Audit(routine, stmt.Params)
		case callParamsMarker:
			lines[i] = m.CallParams(stmt.Params)
		case errorContextMarker:
			lines[i] = m.ErrorContext(fileName, i+1, ref)
		}
	}
	return strings.Join(lines, "\n"), nil
}
