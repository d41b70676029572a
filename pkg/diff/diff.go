// Package diff compares object files with a catalog snapshot and applies the
// statements reconciling them
package diff

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/schema"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// ChangeType represents the type of schema change
type ChangeType string

const (
	Create        ChangeType = "CREATE"
	Alter         ChangeType = "ALTER"
	DropDependent ChangeType = "DROP_DEPENDENT"
	DropType      ChangeType = "DROP_TYPE"
	RecordSource  ChangeType = "RECORD_SOURCE"
)

// Change represents a single statement to run against the catalog
type Change struct {
	Type        ChangeType
	Object      schema.ObjectID
	File        string // object file the statement comes from, "" for drops
	Description string // Human-readable description
	SQL         string
	Destructive bool // Whether this change drops an object
	// Cosmetic marks an ALTER whose source differs only in whitespace or case
	Cosmetic bool
}

// Options configures planning
type Options struct {
	// TableType reports whether bulk table types are derived for a table,
	// given its object id and name as written
	TableType func(id, name string) bool
	TypeStyle statement.TypeStyle
	// DropType returns the statement dropping a table type before it is
	// recreated; nil skips the drop
	DropType func(name string) string
}

// Engine plans and applies changes for one catalog
type Engine struct {
	catalog    catalog.Catalog
	dialect    catalog.Dialect
	classifier *statement.Classifier
	opts       Options
	logger     *zap.Logger
}

// New creates an engine whose dialect supplies markers, type style and drops
func New(cat catalog.Catalog, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := cat.Dialect()
	if opts.TypeStyle == (statement.TypeStyle{}) {
		opts.TypeStyle = d.TypeStyle()
	}
	if opts.DropType == nil {
		opts.DropType = d.DropType
	}
	return &Engine{
		catalog:    cat,
		dialect:    d,
		classifier: statement.NewClassifier(nil, d),
		opts:       opts,
		logger:     logger.Named("diff"),
	}
}

// planner holds the state of one Plan call
type planner struct {
	*Engine
	snap    *schema.Snapshot
	onDisk  map[schema.ObjectID]bool
	seen    map[schema.ObjectID]schema.ObjectFile
	changes []Change
}

// Plan returns the statements reconciling files with snap, in execution
// order. Files are compared in the order given. Dependents dropped before an
// ALTER are removed from snap so that later files recreate them.
func (e *Engine) Plan(snap *schema.Snapshot, files []schema.ObjectFile) ([]Change, error) {
	p := &planner{
		Engine: e,
		snap:   snap,
		onDisk: make(map[schema.ObjectID]bool, len(files)),
		seen:   make(map[schema.ObjectID]schema.ObjectFile),
	}
	for _, f := range files {
		p.onDisk[f.ObjectID] = true
	}

	for _, f := range files {
		if err := p.file(f); err != nil {
			return nil, err
		}
	}
	return p.changes, nil
}

func (p *planner) file(f schema.ObjectFile) error {
	canonical, err := p.classifier.Canonical(f.Content, f.FileName, f.ObjectName)
	if err != nil {
		return err
	}
	// parse failures only disable table type handling; the catalog reports
	// real syntax errors
	stmt, _ := p.classifier.Parser.Parse(f.Content)

	if err := p.compare(f, canonical, stmt); err != nil {
		return err
	}
	p.seen[f.ObjectID] = f

	if stmt == nil || stmt.Kind != parser.KindTable || p.opts.TableType == nil {
		return nil
	}
	if !p.opts.TableType(string(f.ObjectID), stmt.Name) {
		return nil
	}
	return p.derived(f, stmt)
}

// derived plans the bulk types of a table unless they exist as object files
func (p *planner) derived(f schema.ObjectFile, table *parser.Statement) error {
	tt, ttu, err := statement.DerivedTypes(table, p.opts.TypeStyle)
	if err != nil {
		return fmt.Errorf("%s: %w", f.FileName, err)
	}
	for _, d := range []statement.Derived{tt, ttu} {
		if p.onDisk[d.ID] {
			continue
		}
		typ, err := p.classifier.Parser.Parse(d.SQL)
		if err != nil {
			return fmt.Errorf("%s: derived type %s: %w", f.FileName, d.Name, err)
		}
		derived := schema.ObjectFile{
			FileName:   f.FileName,
			ObjectName: d.Name,
			ObjectID:   d.ID,
			Content:    d.SQL,
		}
		if err := p.compare(derived, parser.FieldSignature(typ.Fields), typ); err != nil {
			return err
		}
	}
	return nil
}

func (p *planner) compare(f schema.ObjectFile, canonical string, stmt *parser.Statement) error {
	prior, known := p.snap.Source[f.ObjectID]
	switch {
	case !known:
		sql, err := p.classifier.ToCreate(f.Content, f.FileName, f.ObjectName)
		if err != nil {
			return err
		}
		p.add(Change{
			Type:        Create,
			Object:      f.ObjectID,
			File:        f.FileName,
			Description: fmt.Sprintf("Create %s", f.ObjectName),
			SQL:         sql,
		})
		p.record(f, stmt, canonical)
	case prior == "" || prior == canonical:
		// up to date, or an object without a body such as a table
	default:
		sql, err := p.alter(f, stmt)
		if err != nil {
			return err
		}
		p.dropDependents(f.ObjectID)
		if stmt != nil && stmt.Kind == parser.KindTableType && p.opts.DropType != nil {
			if drop := p.opts.DropType(stmt.Name); drop != "" {
				p.add(Change{
					Type:        DropType,
					Object:      f.ObjectID,
					Description: fmt.Sprintf("Drop changed type %s", f.ObjectName),
					SQL:         drop,
					Destructive: true,
				})
			}
		}
		p.add(Change{
			Type:        Alter,
			Object:      f.ObjectID,
			File:        f.FileName,
			Description: fmt.Sprintf("Alter %s", f.ObjectName),
			SQL:         sql,
			Cosmetic:    formattingOnly(prior, canonical),
		})
		p.record(f, stmt, canonical)
		p.recreate(f.ObjectID)
	}
	return nil
}

// alter returns the statement changing an existing object
func (p *planner) alter(f schema.ObjectFile, stmt *parser.Statement) (string, error) {
	if r, ok := p.dialect.(catalog.Replacer); ok && stmt != nil && stmt.IsRoutine() {
		create, err := p.classifier.ToCreate(f.Content, f.FileName, f.ObjectName)
		if err != nil {
			return "", err
		}
		return r.Replace(create), nil
	}
	return p.classifier.ToAlter(f.Content, f.FileName, f.ObjectName)
}

// record stores the canonical source of a routine when the catalog cannot
// report it as written
func (p *planner) record(f schema.ObjectFile, stmt *parser.Statement, canonical string) {
	rec, ok := p.dialect.(catalog.SourceRecorder)
	if !ok || stmt == nil || !stmt.IsRoutine() {
		return
	}
	sql := rec.RecordSource(stmt, canonical)
	if sql == "" {
		return
	}
	p.add(Change{
		Type:        RecordSource,
		Object:      f.ObjectID,
		File:        f.FileName,
		Description: fmt.Sprintf("Record source of %s", f.ObjectName),
		SQL:         sql,
	})
}

// dropDependents drops the recorded dependents of id that still exist
func (p *planner) dropDependents(id schema.ObjectID) {
	deps := p.snap.Deps[id]
	for i, dep := range deps.Names {
		if !p.snap.Has(dep) || i >= len(deps.Drops) {
			continue
		}
		delete(p.snap.Source, dep)
		p.add(Change{
			Type:        DropDependent,
			Object:      dep,
			Description: fmt.Sprintf("Drop %s, which depends on %s", dep, id),
			SQL:         deps.Drops[i],
			Destructive: true,
		})
	}
}

// recreate plans the creation of dependents of id that were dropped after
// their own file had already been compared
func (p *planner) recreate(id schema.ObjectID) {
	for _, dep := range p.snap.Deps[id].Names {
		f, ok := p.seen[dep]
		if !ok || p.snap.Has(dep) {
			continue
		}
		sql, err := p.classifier.ToCreate(f.Content, f.FileName, f.ObjectName)
		if err != nil {
			// the file already passed preprocessing once
			continue
		}
		p.snap.Source[dep] = ""
		p.add(Change{
			Type:        Create,
			Object:      dep,
			File:        f.FileName,
			Description: fmt.Sprintf("Recreate %s", f.ObjectName),
			SQL:         sql,
		})
		if canonical, err := p.classifier.Canonical(f.Content, f.FileName, f.ObjectName); err == nil {
			stmt, _ := p.classifier.Parser.Parse(f.Content)
			p.record(f, stmt, canonical)
		}
	}
}

func (p *planner) add(c Change) {
	p.logger.Debug("Planned change",
		zap.String("type", string(c.Type)),
		zap.String("object", string(c.Object)),
		zap.String("file", c.File))
	p.changes = append(p.changes, c)
}

// HasDestructive returns true if any changes are destructive
func HasDestructive(changes []Change) bool {
	for _, c := range changes {
		if c.Destructive {
			return true
		}
	}
	return false
}

// GenerateSQL renders changes as a script, one statement per change
func GenerateSQL(changes []Change) string {
	if len(changes) == 0 {
		return ""
	}

	var sb strings.Builder

	sb.WriteString("-- Generated by sqlport\n\n")

	for _, c := range changes {
		fmt.Fprintf(&sb, "-- %s: %s", c.Type, c.Description)
		if c.File != "" {
			fmt.Fprintf(&sb, " (%s)", c.File)
		}
		if c.Cosmetic {
			sb.WriteString(" [formatting only]")
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.SQL))
		sb.WriteString("\n\n")
	}

	return sb.String()
}
