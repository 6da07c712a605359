// Package frame provides the columnar payload type shared by the built-in
// hooks, its on-disk encoding, and the hook that stores it.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is a rectangular table of values. Every row has one value per
// column. Cells hold nil, bool, int64, float64, or string.
type Frame struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// New creates a frame with the given columns and no rows.
func New(columns ...string) *Frame {
	return &Frame{Columns: columns}
}

// Append adds a row. It fails if the row width does not match.
func (f *Frame) Append(values ...any) error {
	if len(values) != len(f.Columns) {
		return fmt.Errorf("row has %d values, frame has %d columns", len(values), len(f.Columns))
	}
	f.Rows = append(f.Rows, values)
	return nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// ColumnIndex returns the position of column name, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Validate checks that every row matches the column count.
func (f *Frame) Validate() error {
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return fmt.Errorf("row %d has %d values, frame has %d columns", i, len(row), len(f.Columns))
		}
	}
	return nil
}

// Encode serialises f.
func Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses data written by Encode. Integral numbers decode as int64.
func Decode(data []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	for _, row := range f.Rows {
		for j, v := range row {
			if n, ok := v.(json.Number); ok {
				row[j] = normalizeNumber(n)
			}
		}
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
