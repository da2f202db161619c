package csv

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"featurestore/internal/config"
	"featurestore/internal/parser"
	"featurestore/internal/transformer"
)

func collect(t *testing.T, src io.Reader, columns []string, opts config.Options) ([][]any, []int) {
	t.Helper()
	out := make(chan *transformer.Row, 16)
	var errLines []int
	err := StreamCSVRows(context.Background(), io.NopCloser(src), columns, opts, out, func(line int, err error) {
		errLines = append(errLines, line)
	})
	close(out)
	if err != nil {
		t.Fatalf("StreamCSVRows: %v", err)
	}
	var rows [][]any
	for r := range out {
		rows = append(rows, append([]any(nil), r.V...))
		r.Free()
	}
	return rows, errLines
}

func TestStreamCSVRows_HeaderMappingAndNulls(t *testing.T) {
	input := "\uFEFFBooking ID,Great Feature1, event_timestamp ,extra\n" +
		"1, 0.5 ,2024-01-01T00:00:00Z,x\n" +
		"2,,2024-01-02T00:00:00Z,y\n"

	rows, errs := collect(t, strings.NewReader(input),
		[]string{"booking_id", "great_feature1", "event_timestamp", "missing"}, nil)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors at lines %v", errs)
	}
	want := [][]any{
		{"1", "0.5", "2024-01-01T00:00:00Z", nil},
		{"2", nil, "2024-01-02T00:00:00Z", nil},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows=%v want %v", rows, want)
	}
}

func TestStreamCSVRows_Options(t *testing.T) {
	input := "1;a\n2;b\n"
	rows, _ := collect(t, strings.NewReader(input), []string{"id", "name"}, config.Options{
		"has_header": false,
		"comma":      ";",
	})
	if !reflect.DeepEqual(rows, [][]any{{"1", "a"}, {"2", "b"}}) {
		t.Fatalf("rows=%v", rows)
	}

	input = "Booking-Key,v\n7,x\n"
	rows, _ = collect(t, strings.NewReader(input), []string{"booking_id"}, config.Options{
		"header_map": map[string]any{"Booking-Key": "booking_id"},
	})
	if !reflect.DeepEqual(rows, [][]any{{"7"}}) {
		t.Fatalf("header_map rows=%v", rows)
	}
}

func TestStreamCSVRows_Encoding(t *testing.T) {
	enc, err := charmap.Windows1250.NewEncoder().String("name\nŽluťoučký\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rows, _ := collect(t, bytes.NewReader([]byte(enc)), []string{"name"}, config.Options{"encoding": "windows-1250"})
	if len(rows) != 1 || rows[0][0] != "Žluťoučký" {
		t.Fatalf("rows=%v", rows)
	}

	out := make(chan *transformer.Row, 1)
	err = StreamCSVRows(context.Background(), io.NopCloser(strings.NewReader("a\n")), []string{"a"},
		config.Options{"encoding": "klingon-8"}, out, nil)
	if err == nil {
		t.Fatalf("expected error for unknown encoding")
	}
}

func TestStreamCSVRows_BadRecordReported(t *testing.T) {
	input := "a,b\n1,2\n\"x,3\n"
	_, errs := collect(t, strings.NewReader(input), []string{"a", "b"}, nil)
	if len(errs) == 0 {
		t.Fatalf("expected a parse error to be reported")
	}
}

func TestStreamCSVRows_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan *transformer.Row)
	err := StreamCSVRows(ctx, io.NopCloser(strings.NewReader("a\n1\n")), []string{"a"}, nil, out, nil)
	if err != context.Canceled {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestHeader(t *testing.T) {
	h, err := parser.Header("csv")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	cols, err := h(io.NopCloser(strings.NewReader("Booking ID,kpi1\n1,2\n")), nil)
	if err != nil || !reflect.DeepEqual(cols, []string{"booking_id", "kpi1"}) {
		t.Fatalf("cols=%v err=%v", cols, err)
	}
	cols, err = h(io.NopCloser(strings.NewReader("1,2\n")), config.Options{"has_header": "false"})
	if err != nil || !reflect.DeepEqual(cols, []string{"column_1", "column_2"}) {
		t.Fatalf("headerless cols=%v err=%v", cols, err)
	}
}
