package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Row is one result row keyed by column name. Column order is kept through
// JSON encoding so the first row's keys always give the column list.
type Row struct {
	values *orderedmap.OrderedMap[string, any]
}

func NewRow() Row {
	return Row{values: orderedmap.New[string, any]()}
}

func (r *Row) Set(column string, value any) {
	if r.values == nil {
		r.values = orderedmap.New[string, any]()
	}
	r.values.Set(column, value)
}

func (r Row) Get(column string) (any, bool) {
	if r.values == nil {
		return nil, false
	}
	return r.values.Get(column)
}

func (r Row) Len() int {
	if r.values == nil {
		return 0
	}
	return r.values.Len()
}

func (r Row) Columns() []string {
	columns := make([]string, 0, r.Len())
	if r.values == nil {
		return columns
	}
	for pair := r.values.Oldest(); pair != nil; pair = pair.Next() {
		columns = append(columns, pair.Key)
	}
	return columns
}

func (r Row) MarshalJSON() ([]byte, error) {
	if r.values == nil {
		return []byte("{}"), nil
	}
	return r.values.MarshalJSON()
}

func (r *Row) UnmarshalJSON(data []byte) error {
	raw := orderedmap.New[string, json.RawMessage]()
	if err := raw.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	values := orderedmap.New[string, any](raw.Len())
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		value, err := decodeValue(pair.Value)
		if err != nil {
			return fmt.Errorf("decode row column %q: %w", pair.Key, err)
		}
		values.Set(pair.Key, value)
	}
	r.values = values
	return nil
}

// ColumnsOf returns the keys of the first row, or an empty list.
func ColumnsOf(rows []Row) []string {
	if len(rows) == 0 {
		return []string{}
	}
	return rows[0].Columns()
}

// NormalizeRows builds rows from positional engine output. Values are reduced
// to their JSON-decoded form so rows returned from a turn compare equal to the
// rows reloaded from storage.
func NormalizeRows(columns []string, rows [][]any) []Row {
	normalized := make([]Row, 0, len(rows))
	for _, values := range rows {
		row := NewRow()
		for i, column := range columns {
			var value any
			if i < len(values) {
				value = values[i]
			}
			row.Set(column, canonicalValue(value))
		}
		normalized = append(normalized, row)
	}
	return normalized
}

func canonicalValue(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return string(typed)
	case string, bool:
		return typed
	case int64:
		return typed
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	decoded, err := decodeValue(encoded)
	if err != nil {
		return fmt.Sprint(value)
	}
	return decoded
}

// decodeValue decodes one JSON value the same way for fresh and reloaded
// rows. Integers that fit int64 stay int64, wider integers stay exact as
// json.Number and everything else numeric becomes float64.
func decodeValue(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	return numbers(decoded), nil
}

func numbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		return numberValue(typed)
	case map[string]any:
		for key, item := range typed {
			typed[key] = numbers(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = numbers(item)
		}
		return typed
	default:
		return typed
	}
}

func numberValue(number json.Number) any {
	if integer, err := number.Int64(); err == nil {
		return integer
	}
	if !strings.ContainsAny(number.String(), ".eE") {
		return number
	}
	if float, err := number.Float64(); err == nil {
		return float
	}
	return number
}
