package diff

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// ApplyOptions configures how changes are applied
type ApplyOptions struct {
	// DryRun plans every location without executing anything
	DryRun bool
}

// Result describes an apply run
type Result struct {
	Changes []Change
	// Files maps every object read from disk to its file
	Files map[schema.ObjectID]string
	// Bind holds the objects read from locations whose routines are bound
	Bind map[schema.ObjectID]bool
}

// StatementError is the failure of one statement, located in its object file
type StatementError struct {
	File   string // "" for dependent drops
	Object schema.ObjectID
	Line   int
	SQL    string
	Err    error
}

func (e *StatementError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// Apply reconciles the catalog with locations, one location at a time in
// the order given. snap is not modified. The first failing statement stops
// the run; changes applied before it are kept.
func (e *Engine) Apply(ctx context.Context, snap *schema.Snapshot, locations config.Locations, opts ApplyOptions) (*Result, error) {
	work := snap.Clone()
	res := &Result{
		Files: make(map[schema.ObjectID]string),
		Bind:  make(map[schema.ObjectID]bool),
	}

	for _, loc := range locations {
		files, err := parser.ReadDir(loc.Path)
		if err != nil {
			return res, err
		}
		for _, f := range files {
			res.Files[f.ObjectID] = f.FileName
			if loc.LinkSP {
				res.Bind[f.ObjectID] = true
			}
		}

		changes, err := e.Plan(work, files)
		if err != nil {
			return res, fmt.Errorf("%s: %w", loc.Path, err)
		}
		e.logger.Info("Planned location",
			zap.String("path", loc.Path),
			zap.Int("files", len(files)),
			zap.Int("changes", len(changes)))

		if opts.DryRun {
			res.Changes = append(res.Changes, changes...)
			continue
		}
		for _, c := range changes {
			if err := e.execute(ctx, c); err != nil {
				return res, err
			}
			res.Changes = append(res.Changes, c)
		}
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, c Change) error {
	e.logger.Debug("Executing change",
		zap.String("type", string(c.Type)),
		zap.String("object", string(c.Object)))

	if err := e.catalog.Exec(ctx, c.SQL); err != nil {
		line := 1
		var de *catalog.DriverError
		if errors.As(err, &de) && de.Line > 0 {
			line = de.Line
		}
		e.logger.Error("Statement failed",
			zap.String("file", c.File),
			zap.Int("line", line),
			zap.Error(err))
		return &StatementError{File: c.File, Object: c.Object, Line: line, SQL: c.SQL, Err: err}
	}
	return nil
}
