// Package parquet reads and writes parquet batch sources through arrow-go.
//
// Values arrive typed: float64, int64, string, bool, []byte and time.Time
// (UTC) for timestamp and date columns. Unsupported arrow types are rendered
// with ValueStr. Options:
//   - header_map: file column -> column name
package parquet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	pq "github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"featurestore/internal/config"
	"featurestore/internal/parser"
	"featurestore/internal/transformer"
)

func init() {
	parser.Register("parquet", StreamParquetRows, Header)
}

// readTable loads the whole file; parquet needs random access to its footer.
func readTable(ctx context.Context, src io.Reader) (arrow.Table, error) {
	b, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("parquet: read: %w", err)
	}
	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(b), pq.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("parquet: decode: %w", err)
	}
	return tbl, nil
}

// Header returns the normalized column names of the file schema.
func Header(src io.ReadCloser, opts config.Options) ([]string, error) {
	defer src.Close()
	tbl, err := readTable(context.Background(), src)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	hm := opts.StringMap("header_map")
	fields := tbl.Schema().Fields()
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = parser.NormalizeHeader(f.Name, hm)
	}
	return out, nil
}

// StreamParquetRows streams the rows of a parquet file as pooled rows aligned
// with columns. Columns absent from the file are nil.
func StreamParquetRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opts config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()
	if err := ctx.Err(); err != nil {
		return err
	}

	tbl, err := readTable(ctx, src)
	if err != nil {
		if onErr != nil {
			onErr(0, err)
		}
		return err
	}
	defer tbl.Release()

	hm := opts.StringMap("header_map")
	srcIdx := map[string]int{}
	for i, f := range tbl.Schema().Fields() {
		srcIdx[parser.NormalizeHeader(f.Name, hm)] = i
	}
	colIx := make([]int, len(columns))
	for i, c := range columns {
		colIx[i] = -1
		if si, ok := srcIdx[c]; ok {
			colIx[i] = si
		}
	}

	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()

	line := 0
	for tr.Next() {
		rec := tr.Record()
		n := int(rec.NumRows())
		for r := 0; r < n; r++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			line++
			row := transformer.GetRow(len(columns))
			row.Line = line
			for t, si := range colIx {
				if si < 0 {
					row.V[t] = nil
					continue
				}
				row.V[t] = value(rec.Column(si), r)
			}
			select {
			case out <- row:
			case <-ctx.Done():
				row.Drop()
				return ctx.Err()
			}
		}
	}
	return tr.Err()
}

// value converts one arrow cell to a plain Go value.
func value(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Binary:
		return append([]byte(nil), a.Value(i)...)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Date64:
		return a.Value(i).ToTime().UTC()
	}
	return arr.ValueStr(i)
}

// Kind is the physical type of a written column.
type Kind int

const (
	KindString Kind = iota
	KindFloat64
	KindFloat32
	KindInt64
	KindInt32
	KindBool
	KindTimestamp
	KindBytes
)

func (k Kind) arrowType() arrow.DataType {
	switch k {
	case KindFloat64:
		return arrow.PrimitiveTypes.Float64
	case KindFloat32:
		return arrow.PrimitiveTypes.Float32
	case KindInt64:
		return arrow.PrimitiveTypes.Int64
	case KindInt32:
		return arrow.PrimitiveTypes.Int32
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	case KindTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case KindBytes:
		return arrow.BinaryTypes.Binary
	}
	return arrow.BinaryTypes.String
}

// WriteFrame encodes f as a single parquet file. kinds gives the physical
// type of each column of f, in order. Values must already be coerced to the
// Go type of their kind (float64, int64, string, bool, time.Time, []byte);
// nil is written as null.
func WriteFrame(w io.Writer, f *transformer.Frame, kinds []Kind) error {
	if len(kinds) != len(f.Columns) {
		return fmt.Errorf("parquet: %d kinds for %d columns", len(kinds), len(f.Columns))
	}
	fields := make([]arrow.Field, len(f.Columns))
	for i, c := range f.Columns {
		fields[i] = arrow.Field{Name: c, Type: kinds[i].arrowType(), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for ri, row := range f.Rows {
		for ci := range f.Columns {
			if err := appendValue(b.Field(ci), kinds[ci], row[ci]); err != nil {
				return fmt.Errorf("parquet: row %d column %s: %w", ri, f.Columns[ci], err)
			}
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	fw, err := pqarrow.NewFileWriter(schema, w, pq.NewWriterProperties(pq.WithCompression(compress.Codecs.Snappy)), pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("parquet: writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("parquet: write: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("parquet: close: %w", err)
	}
	return nil
}

func appendValue(fb array.Builder, k Kind, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	bad := func() error { return fmt.Errorf("value %v (%T) does not fit kind %d", v, v, k) }
	switch k {
	case KindFloat64:
		x, ok := v.(float64)
		if !ok {
			return bad()
		}
		fb.(*array.Float64Builder).Append(x)
	case KindFloat32:
		switch x := v.(type) {
		case float32:
			fb.(*array.Float32Builder).Append(x)
		case float64:
			fb.(*array.Float32Builder).Append(float32(x))
		default:
			return bad()
		}
	case KindInt64:
		x, ok := v.(int64)
		if !ok {
			return bad()
		}
		fb.(*array.Int64Builder).Append(x)
	case KindInt32:
		switch x := v.(type) {
		case int32:
			fb.(*array.Int32Builder).Append(x)
		case int64:
			fb.(*array.Int32Builder).Append(int32(x))
		default:
			return bad()
		}
	case KindBool:
		x, ok := v.(bool)
		if !ok {
			return bad()
		}
		fb.(*array.BooleanBuilder).Append(x)
	case KindTimestamp:
		x, ok := v.(time.Time)
		if !ok {
			return bad()
		}
		fb.(*array.TimestampBuilder).Append(arrow.Timestamp(x.UnixMicro()))
	case KindBytes:
		x, ok := v.([]byte)
		if !ok {
			return bad()
		}
		fb.(*array.BinaryBuilder).Append(x)
	default:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		fb.(*array.StringBuilder).Append(s)
	}
	return nil
}
