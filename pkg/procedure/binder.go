package procedure

import (
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/porterr"
	"github.com/mizuchilabs/sqlport/pkg/schema"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// UpdateSuffix marks a parameter flagging its companion as updated
const UpdateSuffix = "$update"

// MetaParam is the parameter receiving the call metadata
const MetaParam = "meta"

// Options configures the adapters a Binder creates
type Options struct {
	ParamsOutName string
	// Debug enriches call errors for every call, not only debug ones
	Debug bool
}

// Binder compiles the routines of a snapshot into adapters
type Binder struct {
	Snapshot *schema.Snapshot
	Options  Options
	Errors   *porterr.Mapping
	Conn     ConnFunc
	Logger   *zap.Logger
}

// Bind returns base extended with one handler per routine in the snapshot's
// parse list. Names already present are kept, so hand-written handlers win
// over routines and the first of two routines with one name wins.
func (b *Binder) Bind(base Registry) Registry {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("binder")

	reg := maps.Clone(base)
	if reg == nil {
		reg = make(Registry)
	}
	if b.Snapshot == nil {
		return reg
	}

	for _, binding := range b.Snapshot.ParseList {
		name := MethodName(binding.QualifiedName)
		if _, exists := reg[name]; exists {
			logger.Debug("Method already registered", zap.String("method", name))
			continue
		}

		a, err := b.Adapter(binding)
		if err != nil {
			logger.Warn("Routine not bound",
				zap.String("routine", binding.QualifiedName),
				zap.Error(err))
			continue
		}
		reg[name] = a.Call
	}

	logger.Info("Routines bound", zap.Int("methods", len(reg)-len(base)))
	return reg
}

// Adapter compiles one routine
func (b *Binder) Adapter(binding schema.RoutineBinding) (*Adapter, error) {
	params, err := Params(binding.RawParams, b.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("parameters of %s: %w", binding.QualifiedName, err)
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		Routine:    binding.QualifiedName,
		ID:         binding.ID,
		Params:     params,
		Delimiter:  Delimiter(params),
		SingleRow:  binding.SingleRow,
		SourceFile: binding.SourceFile,
		OutName:    b.Options.ParamsOutName,
		Debug:      b.Options.Debug,
		Errors:     b.Errors,
		Conn:       b.Conn,
		logger:     logger.Named("procedure"),
	}, nil
}

// MethodName is the name a routine is registered under: its qualified name
// without identifier quoting
func MethodName(qualified string) string {
	return schema.Unquote(qualified)
}

// Params parses a parameter list reported by the catalog. Parameters whose
// type is a table type of snap carry its columns.
func Params(raw string, snap *schema.Snapshot) ([]schema.Param, error) {
	fields, err := parser.ParseParams(raw)
	if err != nil {
		return nil, err
	}

	params := make([]schema.Param, len(fields))
	for i, f := range fields {
		p := schema.Param{
			Name:     f.Name,
			Type:     f.Type,
			Length:   f.Length,
			Scale:    f.Scale,
			IsOutput: f.Output,
			Default:  f.Default,
		}
		if base, ok := strings.CutSuffix(f.Name, UpdateSuffix); ok && base != "" {
			p.UpdateCompanionOf = base
		}
		if snap != nil {
			id := schema.ParseObjectID(strings.TrimSuffix(f.Type, "[]"))
			if cols, ok := snap.Types[id]; ok {
				p.TableType = id
				p.Columns = companions(cols)
			}
		}
		params[i] = p
	}
	return params, nil
}

// companions copies cols marking each <c>Updated column whose <c> exists.
// Names are matched ignoring case, since unquoted names may have been folded.
func companions(cols []schema.Column) []schema.Column {
	names := make(map[string]string, len(cols))
	for _, c := range cols {
		names[strings.ToLower(c.Name)] = c.Name
	}
	suffix := strings.ToLower(statement.UpdatedSuffix)
	out := make([]schema.Column, len(cols))
	for i, c := range cols {
		lower := strings.ToLower(c.Name)
		if stem, ok := strings.CutSuffix(lower, suffix); ok && stem != "" {
			if base, ok := names[stem]; ok {
				c.UpdateFlag = true
				c.UpdateCompanionOf = base
			}
		}
		out[i] = c
	}
	return out
}
