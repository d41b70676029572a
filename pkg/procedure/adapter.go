package procedure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/porterr"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// Adapter calls one routine
type Adapter struct {
	Routine    string
	ID         schema.ObjectID
	Params     []schema.Param
	Delimiter  string
	SingleRow  bool
	SourceFile string
	OutName    string
	Debug      bool
	Errors     *porterr.Mapping
	Conn       ConnFunc
	logger     *zap.Logger
}

// Call flattens msg, calls the routine with one argument per parameter and
// decodes what it returns
func (a *Adapter) Call(ctx context.Context, msg map[string]any, meta *Meta) (any, error) {
	if a.Conn == nil {
		return nil, porterr.NoConnection(nil)
	}
	cat, err := a.Conn()
	if err != nil {
		return nil, err
	}

	input := Flatten(msg, a.Delimiter)
	args, err := a.Args(input, meta)
	if err != nil {
		return nil, err
	}

	res, err := cat.Call(ctx, a.Routine, args)
	if err != nil {
		return nil, a.callError(err, input, meta)
	}

	return DecodeResultSets(res.Sets, res.Out, DecodeOptions{
		OutName:   a.OutName,
		SingleRow: a.SingleRow,
	})
}

// Args assembles the routine arguments in parameter order. Absent inputs of
// parameters with a default are left out so the default applies.
func (a *Adapter) Args(input map[string]any, meta *Meta) ([]catalog.Arg, error) {
	args := make([]catalog.Arg, 0, len(a.Params))
	for _, p := range a.Params {
		arg := catalog.Arg{
			Name:   p.Name,
			Type:   p.Type,
			Length: p.Length,
			Scale:  p.Scale,
			Out:    p.IsOutput,
		}

		value, present := input[p.Name]
		switch {
		case p.Name == MetaParam:
			value, present = meta.Map(), true
			if p.IsTable() {
				value = []map[string]any{meta.Map()}
			}
		case p.UpdateCompanionOf != "":
			if !truthy(value) {
				value = hasKey(input, p.UpdateCompanionOf)
			}
			present = true
		}

		if !present && p.Default != nil && !p.IsOutput {
			continue
		}

		switch {
		case p.IsTable():
			rows, err := tableRows(p, value)
			if err != nil {
				return nil, err
			}
			arg.Value = rows
			arg.TableType = strings.TrimSuffix(p.Type, "[]")
			arg.Columns = p.Columns
		case isTimeType(p.Type):
			t, err := timeOfDay(value)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			arg.Value = t
		default:
			arg.Value = value
		}
		args = append(args, arg)
	}
	return args, nil
}

// tableRows converts the value of a table parameter to rows, filling
// <c>Updated columns the input left unset with whether <c> was given
func tableRows(p schema.Param, value any) ([]map[string]any, error) {
	var rows []map[string]any
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		rows = v
	case map[string]any:
		rows = []map[string]any{v}
	case []any:
		rows = make([]map[string]any, 0, len(v))
		for i, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parameter %s row %d: expected an object, got %T", p.Name, i+1, item)
			}
			rows = append(rows, row)
		}
	default:
		return nil, fmt.Errorf("parameter %s: expected a list of objects, got %T", p.Name, value)
	}

	var flags []schema.Column
	for _, c := range p.Columns {
		if c.UpdateFlag {
			flags = append(flags, c)
		}
	}
	if len(flags) == 0 {
		return rows, nil
	}

	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		r := make(map[string]any, len(row)+len(flags))
		for k, v := range row {
			r[k] = v
		}
		for _, c := range flags {
			if _, set := r[c.Name]; !set {
				r[c.Name] = hasKey(row, c.UpdateCompanionOf)
			}
		}
		out[i] = r
	}
	return out, nil
}

func isTimeType(typ string) bool {
	t := parser.NormalizeType(typ)
	return t == "time" || strings.HasPrefix(t, "time ") || t == "timetz"
}

var clockLayouts = []string{
	"15:04:05.999999999",
	"15:04:05",
	"15:04",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// timeOfDay moves a time to 1970-01-01 keeping its clock
func timeOfDay(value any) (any, error) {
	var t time.Time
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t = v
	case string:
		var err error
		for _, layout := range clockLayouts {
			if t, err = time.Parse(layout, v); err == nil {
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("invalid time %q", v)
		}
	default:
		return value, nil
	}
	return time.Date(1970, 1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// MapError turns a database failure into a port error whose kind is looked
// up from the first message line, then from the driver's error code. It also
// returns the remaining diagnostic lines. Port errors are returned as is.
func MapError(err error, mapping *porterr.Mapping) (*porterr.Error, []string) {
	var pe *porterr.Error
	if errors.As(err, &pe) {
		return pe, nil
	}

	lines := strings.Split(strings.ReplaceAll(err.Error(), "\r\n", "\n"), "\n")
	var de *catalog.DriverError
	if errors.As(err, &de) {
		lines = de.Lines()
	}
	first := lines[0]

	kind := mapping.Resolve(porterr.Code(first))
	if kind == porterr.KindSQL && de != nil && de.Code != "" {
		kind = mapping.Resolve(de.Code)
	}
	return porterr.SQL(kind, first, err), lines[1:]
}

// callError maps a routine failure; debug calls also get the routine, input,
// file and the remaining diagnostic lines
func (a *Adapter) callError(err error, input map[string]any, meta *Meta) error {
	var pe *porterr.Error
	if errors.As(err, &pe) {
		return err
	}
	e, trace := MapError(err, a.Errors)

	if a.Debug || (meta != nil && meta.Debug) {
		e.Routine = a.Routine
		e.Input = input
		e.File = a.SourceFile
		e.Trace = trace
	}

	if a.logger != nil {
		a.logger.Debug("Routine failed",
			zap.String("routine", a.Routine),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}
	return e
}
