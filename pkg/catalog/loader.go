package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/parser"
	"github.com/mizuchilabs/sqlport/pkg/schema"
	"github.com/mizuchilabs/sqlport/pkg/statement"
)

// LoadOptions selects the routines to bind
type LoadOptions struct {
	BindAll bool
	Bind    map[schema.ObjectID]bool
	// Files maps routines to the object file they were applied from
	Files map[schema.ObjectID]string
}

func (o LoadOptions) binds(id schema.ObjectID) bool {
	return o.BindAll || o.Bind[id]
}

// Load builds a snapshot of the catalog. Catalog errors are returned as is.
func Load(ctx context.Context, cat Catalog, opts LoadOptions) (*schema.Snapshot, error) {
	d := cat.Dialect()
	snap := schema.NewSnapshot()

	rows, err := cat.Query(ctx, d.ObjectsQuery())
	if err != nil {
		return nil, err
	}
	addObjects(snap, rows, opts)

	if q := d.TypesQuery(); q != "" {
		rows, err := cat.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		addTypes(snap, rows)
	}

	if q := d.DependenciesQuery(); q != "" {
		rows, err := cat.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		addDependencies(snap, rows)
	}

	return snap, nil
}

func addObjects(snap *schema.Snapshot, rows []Row, opts LoadOptions) {
	bound := make(map[schema.ObjectID]bool)
	for _, r := range rows {
		namespace := strings.ToLower(str(r["namespace"]))
		full := schema.ObjectID(strings.ToLower(str(r["full"])))
		source, hasSource := r["source"].(string)
		if b, ok := r["source"].([]byte); ok {
			source, hasSource = string(b), true
		}

		switch {
		case full == "" && !hasSource:
			if namespace != "" {
				if _, ok := snap.Source[schema.ObjectID(namespace)]; !ok {
					snap.Source[schema.ObjectID(namespace)] = ""
				}
			}
			continue
		case !hasSource:
			if _, ok := snap.Source[full]; !ok {
				snap.Source[full] = ""
			}
		default:
			snap.Source[full] += source
		}

		kind := str(r["type"])
		if (kind == ObjectProcedure || kind == ObjectFunction) && opts.binds(full) && !bound[full] {
			bound[full] = true
			snap.ParseList = append(snap.ParseList, schema.RoutineBinding{
				QualifiedName: str(r["namespace"]) + "." + str(r["name"]),
				ID:            full,
				RawParams:     str(r["params"]),
				SourceFile:    opts.Files[full],
				SingleRow:     boolean(r["single_row"]),
			})
		}
	}

	for id, src := range snap.Source {
		if src != "" {
			snap.Source[id] = statement.NormalizeSource(src)
		}
	}
}

func addTypes(snap *schema.Snapshot, rows []Row) {
	for _, r := range rows {
		id := schema.ObjectID(strings.ToLower(str(r["type_id"])))
		col := schema.Column{
			Name:   str(r["column"]),
			Type:   str(r["type"]),
			Length: str(r["length"]),
			Scale:  str(r["scale"]),
		}
		if def, ok := r["default"].(string); ok {
			col.Default = &def
		}
		snap.Types[id] = append(snap.Types[id], col)
	}

	// table types have no body; compare them by column signature
	for id, cols := range snap.Types {
		snap.Source[id] = parser.Signature(cols)
	}
}

func addDependencies(snap *schema.Snapshot, rows []Row) {
	for _, r := range rows {
		id := schema.ObjectID(strings.ToLower(str(r["full"])))
		dep := snap.Deps[id]
		dep.Names = append(dep.Names, schema.ObjectID(strings.ToLower(str(r["dependent"]))))
		dep.Drops = append(dep.Drops, str(r["drop"]))
		snap.Deps[id] = dep
	}
}

// str renders a catalog value as text; nil becomes ""
func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

func boolean(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int32:
		return x != 0
	case int:
		return x != 0
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	return false
}
