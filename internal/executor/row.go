package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Row is one result row. Columns keep the order the database reported them in.
type Row struct {
	columns []string
	values  []Value
}

// NewRow pairs column names with values. Both slices must have the same length.
func NewRow(columns []string, values []Value) Row {
	if len(columns) != len(values) {
		panic(fmt.Sprintf("executor: row has %d columns but %d values", len(columns), len(values)))
	}
	return Row{columns: columns, values: values}
}

func (r Row) Len() int { return len(r.values) }
func (r Row) Columns() []string { return r.columns }
func (r Row) Values() []Value { return r.values }
func (r Row) At(i int) Value { return r.values[i] }

// Get returns the value of the first column called name.
func (r Row) Get(name string) (Value, bool) {
	for i, c := range r.columns {
		if c == name {
			return r.values[i], true
		}
	}
	return Value{}, false
}

// MarshalJSON writes the row as a JSON object with keys in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := r.values[i].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping its key order as column order.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("row must be a JSON object")
	}

	var columns []string
	var values []Value
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected row key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("row column %q: %w", key, err)
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("row column %q: %w", key, err)
		}
		columns = append(columns, key)
		values = append(values, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	r.columns, r.values = columns, values
	return nil
}
