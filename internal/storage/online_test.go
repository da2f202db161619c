package storage

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeStore struct{ closed int }

func (f *fakeStore) Close()                                                  { f.closed++ }
func (f *fakeStore) EnsureTables(context.Context, []TableSpec) error         { return nil }
func (f *fakeStore) DropTables(context.Context, []string) error              { return nil }
func (f *fakeStore) WriteRows(context.Context, string, []Row) (int64, error) { return 0, nil }
func (f *fakeStore) ReadRows(context.Context, string, []string) (map[string]Row, error) {
	return nil, nil
}

func TestRegisterAndNew(t *testing.T) {
	fake := &fakeStore{}
	var gotDSN string
	Register("online_test_fake", func(_ context.Context, cfg Config) (OnlineStore, error) {
		gotDSN = cfg.DSN
		return fake, nil
	})

	st, err := New(context.Background(), Config{Kind: "online_test_fake", DSN: "x"})
	if err != nil || st != fake || gotDSN != "x" {
		t.Fatalf("New: st=%v err=%v dsn=%q", st, err, gotDSN)
	}

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); err == nil || !strings.Contains(err.Error(), "online_test_fake") {
		t.Fatalf("err=%v, want registered kinds listed", err)
	}
}

func TestRegister_Panics(t *testing.T) {
	f := func(context.Context, Config) (OnlineStore, error) { return nil, nil }
	Register("online_test_dup", f)

	cases := map[string]func(){
		"empty":     func() { Register("", f) },
		"nil":       func() { Register("online_test_nil", nil) },
		"duplicate": func() { Register("online_test_dup", f) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestCells_NewestPerEntityWins(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Row{
		{EntityKey: "b", EventTS: t0, Values: map[string]any{"f1": 1.5}},
		{EntityKey: "a", EventTS: t0.Add(time.Hour), Values: map[string]any{"f1": 2.0, "f2": nil}},
		{EntityKey: "a", EventTS: t0, Values: map[string]any{"f1": 9.0, "f2": 9.0}},
		{EntityKey: "b", EventTS: t0, CreatedTS: t0.Add(time.Minute), Values: map[string]any{"f1": 3.5}},
	}
	cells, err := Cells(rows)
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	want := []Cell{
		{EntityKey: "a", Feature: "f1", Value: "2", EventTS: Micros(t0.Add(time.Hour))},
		{EntityKey: "a", Feature: "f2", Value: "null", EventTS: Micros(t0.Add(time.Hour))},
		{EntityKey: "b", Feature: "f1", Value: "3.5", EventTS: Micros(t0), CreatedTS: Micros(t0.Add(time.Minute))},
	}
	if !reflect.DeepEqual(cells, want) {
		t.Fatalf("cells=%+v\nwant %+v", cells, want)
	}
}

func TestAssemble_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rows := []Row{{
		EntityKey: "k",
		EventTS:   ts,
		Values:    map[string]any{"n": int64(7), "s": "x", "t": ts, "missing": nil},
	}}
	cells, err := Cells(rows)
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	got, err := Assemble(cells)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	r := got["k"]
	if !r.EventTS.Equal(ts) || !r.CreatedTS.IsZero() {
		t.Fatalf("timestamps: %v %v", r.EventTS, r.CreatedTS)
	}
	want := map[string]any{"n": json.Number("7"), "s": "x", "t": "2024-05-01T08:00:00Z", "missing": nil}
	if !reflect.DeepEqual(r.Values, want) {
		t.Fatalf("values=%#v", r.Values)
	}

	if _, err := Assemble([]Cell{{EntityKey: "k", Feature: "f", Value: "{"}}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCells_NonFiniteFloats(t *testing.T) {
	rows := []Row{{
		EntityKey: "k",
		Values: map[string]any{
			"nan":  math.NaN(),
			"pinf": math.Inf(1),
			"ninf": float32(math.Inf(-1)),
		},
	}}
	cells, err := Cells(rows)
	if err != nil {
		t.Fatalf("Cells: %v", err)
	}
	got := map[string]string{}
	for _, c := range cells {
		got[c.Feature] = c.Value
	}
	want := map[string]string{"nan": `"NaN"`, "pinf": `"Infinity"`, "ninf": `"-Infinity"`}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("values=%v", got)
	}

	back, err := Assemble(cells)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if v := back["k"].Values["pinf"]; v != "Infinity" {
		t.Fatalf("pinf=%#v", v)
	}
}

func TestChunk(t *testing.T) {
	cells := make([]Cell, 5)
	if got := Chunk(cells, 2); len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("Chunk(5,2)=%d chunks", len(got))
	}
	if got := Chunk(cells, 0); len(got) != 1 {
		t.Fatalf("Chunk(5,0)=%d chunks", len(got))
	}
	if got := Chunk(nil, 2); got != nil {
		t.Fatalf("Chunk(nil)=%v", got)
	}
}

func TestTableName(t *testing.T) {
	tests := map[[2]string]string{
		{"fs_ml2", "pc_booking_view"}: "fs_ml2_pc_booking_view",
		{"FS-ml2", "Booking View"}:    "fs_ml2_booking_view",
		{"1st", "v"}:                  "t_1st_v",
	}
	for in, want := range tests {
		if got := TableName(in[0], in[1]); got != want {
			t.Fatalf("TableName(%q, %q)=%q want %q", in[0], in[1], got, want)
		}
	}
}
