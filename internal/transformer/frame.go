package transformer

import (
	"errors"
	"fmt"
)

// ErrMissingColumn is returned (wrapped) when a frame lacks a required column.
var ErrMissingColumn = errors.New("missing column")

// Frame is a row-oriented table: an ordered list of column names and rows of
// positional values aligned with Columns. A nil value is a null.
//
// Frames are plain values; nothing in this package mutates a Frame it did not
// create, so a Frame may be shared read-only across goroutines.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// NewFrame returns an empty frame with the given columns.
func NewFrame(columns ...string) *Frame {
	return &Frame{Columns: append([]string(nil), columns...)}
}

// WithRows returns a frame of n rows and no columns, to be filled with
// AddColumn. Transforms use it to build row-aligned outputs.
func WithRows(n int) *Frame {
	f := &Frame{Rows: make([][]any, n)}
	for i := range f.Rows {
		f.Rows[i] = []any{}
	}
	return f
}

// FromColumns builds a frame from columnar data (the shape used by JSON
// requests: {"booking_id": [1, 2], "kpi1": [0.5, 1.5]}). order fixes the
// column order; every column must have the same length.
func FromColumns(order []string, cols map[string][]any) (*Frame, error) {
	f := NewFrame(order...)
	n := -1
	for _, c := range order {
		vals, ok := cols[c]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
		if n >= 0 && len(vals) != n {
			return nil, fmt.Errorf("column %s has %d values, want %d", c, len(vals), n)
		}
		n = len(vals)
	}
	if n < 0 {
		n = 0
	}
	f.Rows = make([][]any, n)
	for i := 0; i < n; i++ {
		row := make([]any, len(order))
		for j, c := range order {
			row[j] = cols[c][i]
		}
		f.Rows[i] = row
	}
	return f, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Index returns the position of column name, or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Has reports whether the frame has column name.
func (f *Frame) Has(name string) bool { return f.Index(name) >= 0 }

// Column returns a copy of the values of column name.
func (f *Frame) Column(name string) ([]any, error) {
	idx := f.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	out := make([]any, len(f.Rows))
	for i, r := range f.Rows {
		out[i] = r[idx]
	}
	return out, nil
}

// Value returns the value at (row, column name). It panics on a bad row index
// like a slice would, and returns nil for an unknown column.
func (f *Frame) Value(row int, name string) any {
	idx := f.Index(name)
	if idx < 0 {
		return nil
	}
	return f.Rows[row][idx]
}

// AddColumn appends a column. vals must have Len() entries.
func (f *Frame) AddColumn(name string, vals []any) error {
	if len(vals) != len(f.Rows) {
		return fmt.Errorf("column %s has %d values, frame has %d rows", name, len(vals), len(f.Rows))
	}
	if f.Has(name) {
		return fmt.Errorf("column %s already exists", name)
	}
	f.Columns = append(f.Columns, name)
	for i := range f.Rows {
		f.Rows[i] = append(f.Rows[i], vals[i])
	}
	return nil
}

// Select returns a new frame with the named columns in the given order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = f.Index(n)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, n)
		}
	}
	out := NewFrame(names...)
	out.Rows = make([][]any, len(f.Rows))
	for r, row := range f.Rows {
		nr := make([]any, len(idx))
		for j, i := range idx {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out, nil
}

// Clone returns a deep copy of the row slices (values themselves are shared).
func (f *Frame) Clone() *Frame {
	out := NewFrame(f.Columns...)
	out.Rows = make([][]any, len(f.Rows))
	for i, r := range f.Rows {
		out.Rows[i] = append([]any(nil), r...)
	}
	return out
}

// Append adds one row. The row must be aligned with Columns.
func (f *Frame) Append(row []any) {
	f.Rows = append(f.Rows, row)
}

// ToColumns returns the columnar representation (inverse of FromColumns).
// NaN and infinite floats are replaced by their NonFinite text so the result
// always encodes as JSON.
func (f *Frame) ToColumns() map[string][]any {
	out := make(map[string][]any, len(f.Columns))
	for j, c := range f.Columns {
		vals := make([]any, len(f.Rows))
		for i, r := range f.Rows {
			vals[i] = JSONSafe(r[j])
		}
		out[c] = vals
	}
	return out
}
