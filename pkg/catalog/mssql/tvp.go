package mssql

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/schema"
)

var (
	int64Ptr   = reflect.TypeOf((*int64)(nil))
	float64Ptr = reflect.TypeOf((*float64)(nil))
	boolPtr    = reflect.TypeOf((*bool)(nil))
	timePtr    = reflect.TypeOf((*time.Time)(nil))
	stringPtr  = reflect.TypeOf((*string)(nil))
	bytesType  = reflect.TypeOf([]byte(nil))
)

// tableValue builds a TVP from the rows of a table argument. The driver maps
// struct fields to the type's columns by position, so one pointer field is
// generated per column; nil pointers are sent as NULL.
func tableValue(a catalog.Arg) (mssql.TVP, error) {
	fields := make([]reflect.StructField, len(a.Columns))
	for i, col := range a.Columns {
		fields[i] = reflect.StructField{
			Name: "F" + strconv.Itoa(i),
			Type: columnType(col.Type),
			Tag:  reflect.StructTag(fmt.Sprintf(`json:%q`, col.Name)),
		}
	}
	rowType := reflect.StructOf(fields)

	rows, err := tableRows(a.Value)
	if err != nil {
		return mssql.TVP{}, fmt.Errorf("parameter %s: %w", a.Name, err)
	}

	slice := reflect.MakeSlice(reflect.SliceOf(rowType), 0, len(rows))
	for n, row := range rows {
		rv := reflect.New(rowType).Elem()
		for i, col := range a.Columns {
			v, ok := lookup(row, col.Name)
			if !ok || v == nil {
				continue
			}
			if err := setField(rv.Field(i), v); err != nil {
				return mssql.TVP{}, fmt.Errorf("parameter %s row %d column %s: %w", a.Name, n+1, col.Name, err)
			}
		}
		slice = reflect.Append(slice, rv)
	}

	return mssql.TVP{
		TypeName: schema.Unquote(a.TableType),
		Value:    slice.Interface(),
	}, nil
}

func columnType(typ string) reflect.Type {
	switch baseType(typ) {
	case "bigint", "int", "smallint", "tinyint":
		return int64Ptr
	case "bit":
		return boolPtr
	case "float", "real", "decimal", "numeric", "money", "smallmoney":
		return float64Ptr
	case "date", "datetime", "datetime2", "smalldatetime", "datetimeoffset", "time":
		return timePtr
	case "varbinary", "binary", "image":
		return bytesType
	}
	return stringPtr
}

func tableRows(v any) ([]map[string]any, error) {
	switch rows := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("row is %T, not an object", r)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, fmt.Errorf("table value is %T, not a list of rows", v)
}

// lookup finds a column value, falling back to a case-insensitive match
func lookup(row map[string]any, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func setField(f reflect.Value, v any) error {
	switch f.Type() {
	case int64Ptr:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&n))
	case float64Ptr:
		x, err := toFloat64(v)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&x))
	case boolPtr:
		b, err := toBool(v)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&b))
	case timePtr:
		t, err := toTime(v)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&t))
	case bytesType:
		switch x := v.(type) {
		case []byte:
			f.SetBytes(x)
		case string:
			f.SetBytes([]byte(x))
		default:
			return fmt.Errorf("cannot use %T as binary", v)
		}
	default:
		s, err := toString(v)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&s))
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("cannot use %T as number", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case string:
		return strconv.ParseBool(x)
	}
	return false, fmt.Errorf("cannot use %T as bit", v)
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return parseTime(x)
	}
	return time.Time{}, fmt.Errorf("cannot use %T as time", v)
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		return string(b), err
	}
	return fmt.Sprint(v), nil
}
