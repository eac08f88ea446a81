package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// Row is a column-keyed record as read from or written to a table.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// The As* helpers convert values decoded by the driver (or produced by ToRow) into Go
// field types. nil converts to the zero value.

func AsString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("cannot convert %T to string", v)
}

func AsInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("cannot convert fractional %v to int64", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int64", v)
}

func AsInt32(v any) (int32, error) {
	i, err := AsInt64(v)
	if err != nil {
		return 0, err
	}
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0, fmt.Errorf("value %d overflows int32", i)
	}
	return int32(i), nil
}

func AsFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int:
		return float64(x), nil
	}
	return 0, fmt.Errorf("cannot convert %T to float64", v)
}

func AsBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	}
	return false, fmt.Errorf("cannot convert %T to bool", v)
}

func AsTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to time.Time", v)
}

func AsUUID(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case nil:
		return uuid.Nil, nil
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case string:
		return uuid.Parse(x)
	case []byte:
		return uuid.FromBytes(x)
	}
	return uuid.Nil, fmt.Errorf("cannot convert %T to uuid", v)
}

func AsBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("cannot convert %T to []byte", v)
}

func AsStrings(v any) ([]string, error) {
	return asSlice(v, AsString)
}

func AsInt64s(v any) ([]int64, error) {
	return asSlice(v, AsInt64)
}

// AsJSON decodes a JSON column value into target.
func AsJSON(v any, target any) error {
	var data []byte
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		data = x
	case json.RawMessage:
		data = x
	case string:
		data = []byte(x)
	default:
		var err error
		if data, err = json.Marshal(x); err != nil {
			return fmt.Errorf("failed to re-encode JSON value: %w", err)
		}
	}
	return json.Unmarshal(data, target)
}

func asSlice[E any](v any, conv func(any) (E, error)) ([]E, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []E:
		return x, nil
	case []any:
		result := make([]E, len(x))
		for i, item := range x {
			e, err := conv(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			result[i] = e
		}
		return result, nil
	}
	return nil, fmt.Errorf("cannot convert %T to slice", v)
}

// Normalize converts a value to the representation the driver expects for column.
// Integers are widened or narrowed to the column width, times are made UTC and DATE
// values are truncated to midnight, and []any arrays become typed slices.
func Normalize(column models.ColumnDef, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if column.Multiple {
		return normalizeArray(column, v)
	}
	return normalizeScalar(column.Type, v)
}

func normalizeScalar(t models.ColumnType, v any) (any, error) {
	switch t {
	case models.ColumnTypeText:
		return AsString(v)
	case models.ColumnTypeLong, models.ColumnTypeLongSerial:
		return AsInt64(v)
	case models.ColumnTypeInt:
		return AsInt32(v)
	case models.ColumnTypeDouble:
		return AsFloat64(v)
	case models.ColumnTypeBoolean:
		return AsBool(v)
	case models.ColumnTypeDateTime:
		return AsTime(v)
	case models.ColumnTypeDate:
		ts, err := AsTime(v)
		if err != nil {
			return nil, err
		}
		return truncateDate(ts), nil
	case models.ColumnTypeUUID:
		return AsUUID(v)
	case models.ColumnTypeBinary:
		return AsBytes(v)
	case models.ColumnTypeJSON:
		if raw, ok := v.(json.RawMessage); ok {
			return raw, nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownColumnType, t)
}

func normalizeArray(column models.ColumnDef, v any) (any, error) {
	items, err := toAnySlice(v)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", column.Name, err)
	}
	elemType := column.Type
	if elemType == models.ColumnTypeLongSerial {
		elemType = models.ColumnTypeLong
	}
	switch elemType {
	case models.ColumnTypeText:
		return normalizeItems[string](items, elemType)
	case models.ColumnTypeLong:
		return normalizeItems[int64](items, elemType)
	case models.ColumnTypeInt:
		return normalizeItems[int32](items, elemType)
	case models.ColumnTypeDouble:
		return normalizeItems[float64](items, elemType)
	case models.ColumnTypeBoolean:
		return normalizeItems[bool](items, elemType)
	case models.ColumnTypeDateTime, models.ColumnTypeDate:
		return normalizeItems[time.Time](items, elemType)
	case models.ColumnTypeUUID:
		return normalizeItems[uuid.UUID](items, elemType)
	case models.ColumnTypeBinary:
		return normalizeItems[[]byte](items, elemType)
	}
	return items, nil
}

func normalizeItems[E any](items []any, t models.ColumnType) ([]E, error) {
	result := make([]E, len(items))
	for i, item := range items {
		n, err := normalizeScalar(t, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		e, ok := n.(E)
		if !ok {
			return nil, fmt.Errorf("element %d: unexpected %T", i, n)
		}
		result[i] = e
	}
	return result, nil
}

func toAnySlice(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		return sliceToAny(x), nil
	case []int64:
		return sliceToAny(x), nil
	case []int32:
		return sliceToAny(x), nil
	case []int:
		return sliceToAny(x), nil
	case []float64:
		return sliceToAny(x), nil
	case []bool:
		return sliceToAny(x), nil
	case []time.Time:
		return sliceToAny(x), nil
	case []uuid.UUID:
		return sliceToAny(x), nil
	case [][]byte:
		return sliceToAny(x), nil
	}
	return nil, fmt.Errorf("expected a slice, got %T", v)
}

func sliceToAny[E any](s []E) []any {
	result := make([]any, len(s))
	for i, e := range s {
		result[i] = e
	}
	return result
}

func truncateDate(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

// InferColumn derives a column definition for a dynamic attribute from its value.
func InferColumn(name string, v any) (models.ColumnDef, error) {
	col := models.ColumnDef{Name: name}
	switch v.(type) {
	case string:
		col.Type = models.ColumnTypeText
	case int64, int:
		col.Type = models.ColumnTypeLong
	case int32, int16, int8:
		col.Type = models.ColumnTypeInt
	case float64, float32:
		col.Type = models.ColumnTypeDouble
	case bool:
		col.Type = models.ColumnTypeBoolean
	case time.Time:
		col.Type = models.ColumnTypeDateTime
	case uuid.UUID, [16]byte:
		col.Type = models.ColumnTypeUUID
	case []byte:
		col.Type = models.ColumnTypeBinary
	case map[string]any, json.RawMessage:
		col.Type = models.ColumnTypeJSON
	case []string:
		col.Type, col.Multiple = models.ColumnTypeText, true
	case []int64, []int:
		col.Type, col.Multiple = models.ColumnTypeLong, true
	case []int32:
		col.Type, col.Multiple = models.ColumnTypeInt, true
	case []float64:
		col.Type, col.Multiple = models.ColumnTypeDouble, true
	case []bool:
		col.Type, col.Multiple = models.ColumnTypeBoolean, true
	case []time.Time:
		col.Type, col.Multiple = models.ColumnTypeDateTime, true
	case []uuid.UUID:
		col.Type, col.Multiple = models.ColumnTypeUUID, true
	case []any:
		items := v.([]any)
		if len(items) == 0 {
			return col, fmt.Errorf("cannot infer column type of %s from an empty array", name)
		}
		elem, err := InferColumn(name, items[0])
		if err != nil {
			return col, err
		}
		if elem.Multiple || elem.Type == models.ColumnTypeJSON {
			col.Type = models.ColumnTypeJSON
			return col, nil
		}
		col.Type, col.Multiple = elem.Type, true
	case nil:
		return col, fmt.Errorf("cannot infer column type of %s from nil", name)
	default:
		return col, fmt.Errorf("%w: attribute %s has Go type %T", apperrors.ErrUnknownColumnType, name, v)
	}
	return col, nil
}
