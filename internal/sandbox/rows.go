package sandbox

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
)

// Column types whose values are decoded into maps and slices.
var jsonColumnTypes = map[string]bool{"JSON": true, "JSONB": true}

// scanRows materializes a result set as column-name keyed maps in wire
// form (see NormalizeRows). JSON columns become nested containers so the
// scrubber can see their keys; other byte values become strings.
func scanRows(rs *sql.Rows) ([]map[string]any, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rs.ColumnTypes()
	if err != nil {
		return nil, err
	}
	isJSON := make([]bool, len(cols))
	for i, ct := range types {
		isJSON[i] = jsonColumnTypes[strings.ToUpper(ct.DatabaseTypeName())]
	}

	out := []map[string]any{}
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = columnValue(vals[i], isJSON[i])
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return NormalizeRows(out)
}

func columnValue(v any, isJSON bool) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if isJSON {
		if doc, err := decodeJSON(b); err == nil {
			return doc
		}
	}
	return string(b)
}

// NormalizeRows converts row values to the form they take after a JSON
// round trip: numbers become json.Number and timestamps RFC 3339 strings.
// Pooled and isolated execution both return this form, so identical data
// hashes identically whichever topology ran it.
func NormalizeRows(rows []map[string]any) ([]map[string]any, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := decodeInto(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func decodeJSON(data []byte) (any, error) {
	var doc any
	err := decodeInto(data, &doc)
	return doc, err
}

// decodeInto unmarshals keeping numbers as json.Number, so integers beyond
// float64 precision survive.
func decodeInto(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
