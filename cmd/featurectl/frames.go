package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"featurestore/internal/blob"
	"featurestore/internal/parser"
	"featurestore/internal/parser/parquet"
	"featurestore/internal/registry"
	"featurestore/internal/transformer"
)

func blobStore() *blob.Store {
	return blob.New(blob.S3Options{Region: cfg.OfflineStore.S3Region, Endpoint: cfg.OfflineStore.S3Endpoint})
}

// readFrame reads a local or s3:// file into a Frame with every column the
// file declares. format overrides the one derived from the extension.
func readFrame(ctx context.Context, loc, format string) (*transformer.Frame, error) {
	format = registry.FormatOf(&registry.FileSource{Path: loc, Format: format})
	data, err := blobStore().Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	header, err := parser.Header(format)
	if err != nil {
		return nil, err
	}
	columns, err := header(io.NopCloser(bytes.NewReader(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc, err)
	}
	return parser.Collect(ctx, format, io.NopCloser(bytes.NewReader(data)), columns, nil, func(line int, err error) {
		logger.Printf("input: file=%s line=%d skipped: %v", loc, line, err)
	})
}

// parseColumns turns repeated "name=v1,v2" flags into columnar values.
func parseColumns(flag string, args []string) (map[string][]any, error) {
	out := map[string][]any{}
	for _, a := range args {
		name, vals, ok := strings.Cut(a, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--%s %q: want name=v1,v2", flag, a)
		}
		for _, v := range strings.Split(vals, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				out[name] = append(out[name], nil)
				continue
			}
			out[name] = append(out[name], v)
		}
	}
	return out, nil
}

// writeFrame writes f to out by extension (.parquet, .json or .csv), or
// prints it when out is empty.
func writeFrame(ctx context.Context, f *transformer.Frame, out string) error {
	if out == "" {
		if jsonOutput {
			printJSON(f.ToColumns())
			return nil
		}
		printFrame(f)
		return nil
	}

	var buf bytes.Buffer
	var contentType string
	switch ext := strings.ToLower(path.Ext(out)); ext {
	case ".parquet":
		kinds, typed := parquetColumns(f)
		if err := parquet.WriteFrame(&buf, typed, kinds); err != nil {
			return err
		}
		contentType = "application/vnd.apache.parquet"
	case ".json":
		if err := json.NewEncoder(&buf).Encode(f.ToColumns()); err != nil {
			return err
		}
		contentType = "application/json"
	case ".csv":
		w := csv.NewWriter(&buf)
		if err := w.Write(f.Columns); err != nil {
			return err
		}
		for _, row := range f.Rows {
			rec := make([]string, len(row))
			for i, v := range row {
				rec[i] = cell(v)
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		contentType = "text/csv"
	default:
		return fmt.Errorf("output %s: unsupported extension %q (want .parquet, .json or .csv)", out, ext)
	}
	return blobStore().Write(ctx, out, buf.Bytes(), contentType)
}

// parquetColumns picks a column kind from the first non-null value of each
// column and returns a copy of f with values converted to that kind. Mixed
// columns are written as strings.
func parquetColumns(f *transformer.Frame) ([]parquet.Kind, *transformer.Frame) {
	kinds := make([]parquet.Kind, len(f.Columns))
	for ci := range f.Columns {
		kinds[ci] = parquet.KindString
		for _, row := range f.Rows {
			if row[ci] == nil {
				continue
			}
			kinds[ci] = kindOf(row[ci])
			break
		}
		for _, row := range f.Rows {
			if row[ci] != nil && kindOf(row[ci]) != kinds[ci] {
				kinds[ci] = parquet.KindString
				break
			}
		}
	}
	typed := f.Clone()
	for _, row := range typed.Rows {
		for ci, v := range row {
			if v != nil && kinds[ci] == parquet.KindString {
				row[ci] = cell(v)
			}
		}
	}
	return kinds, typed
}

func kindOf(v any) parquet.Kind {
	switch v.(type) {
	case float64:
		return parquet.KindFloat64
	case int64:
		return parquet.KindInt64
	case bool:
		return parquet.KindBool
	case time.Time:
		return parquet.KindTimestamp
	case []byte:
		return parquet.KindBytes
	}
	return parquet.KindString
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func printFrame(f *transformer.Frame) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(f.Columns, "\t"))
	for _, row := range f.Rows {
		vals := make([]string, len(row))
		for i, v := range row {
			vals[i] = cell(v)
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	w.Flush()
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
