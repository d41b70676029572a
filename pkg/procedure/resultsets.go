package procedure

import (
	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/porterr"
)

// Columns of a naming result set
const (
	ResultSetNameColumn = "resultSetName"
	SingleColumn        = "single"
)

// DecodeOptions controls result decoding
type DecodeOptions struct {
	// OutName is the key output parameters are returned under
	OutName string
	// SingleRow unwraps a lone result set to its row
	SingleRow bool
}

// naming reports whether set names the result set following it: one row
// with a string resultSetName. A boolean single column asks for the row
// instead of the list; other columns are ignored.
func naming(set catalog.ResultSet) (name string, single, ok bool) {
	if len(set) != 1 {
		return "", false, false
	}
	row := set[0]
	name, ok = row[ResultSetNameColumn].(string)
	if !ok {
		return "", false, false
	}
	single, _ = row[SingleColumn].(bool)
	return name, single, true
}

// DecodeResultSets shapes what a routine returned. When the first set is a
// naming set, sets are read as (name, data) pairs into an object, with output
// parameters under opts.OutName. Otherwise output parameters become one more
// single row set, and a lone set of a single row routine is unwrapped.
func DecodeResultSets(sets []catalog.ResultSet, out map[string]any, opts DecodeOptions) (any, error) {
	outName := opts.OutName
	if outName == "" {
		outName = "out"
	}

	if len(sets) > 0 {
		if _, _, ok := naming(sets[0]); ok {
			return decodeNamed(sets, out, outName)
		}
	}

	if len(out) > 0 {
		sets = append(sets, catalog.ResultSet{out})
	}
	if len(sets) == 1 && opts.SingleRow {
		if len(sets[0]) == 0 {
			return nil, nil
		}
		return sets[0][0], nil
	}
	if sets == nil {
		sets = []catalog.ResultSet{}
	}
	return sets, nil
}

func decodeNamed(sets []catalog.ResultSet, out map[string]any, outName string) (map[string]any, error) {
	result := make(map[string]any, len(sets)/2+1)
	for i := 0; i < len(sets); i += 2 {
		name, single, ok := naming(sets[i])
		if !ok || i+1 >= len(sets) {
			return nil, porterr.InvalidResultSetOrder(map[string]any{"index": i})
		}
		data := sets[i+1]
		if _, _, ok := naming(data); ok {
			return nil, porterr.InvalidResultSetOrder(map[string]any{"index": i + 1})
		}
		if _, dup := result[name]; dup {
			return nil, porterr.DuplicateResultSetName(name)
		}

		switch {
		case !single:
			if data == nil {
				data = catalog.ResultSet{}
			}
			result[name] = data
		case len(data) == 0:
			result[name] = nil
		case len(data) == 1:
			result[name] = data[0]
		default:
			return nil, porterr.SingleResultExpected(name, len(data))
		}
	}

	if len(out) > 0 {
		if _, dup := result[outName]; dup {
			return nil, porterr.DuplicateResultSetName(outName)
		}
		result[outName] = out
	}
	return result, nil
}
