package transformer

import (
	"context"
	"testing"

	"featurestore/internal/transformer/builtin"
)

func runKeyLoop(t *testing.T, columns []string, spec KeySpec, rows ...*Row) ([]*Row, []string) {
	t.Helper()
	in := make(chan *Row, len(rows))
	out := make(chan *Row, len(rows))
	for _, r := range rows {
		in <- r
	}
	close(in)

	var rejects []string
	KeyLoopRows(context.Background(), columns, in, out, spec, func(line int, reason string) {
		rejects = append(rejects, reason)
	})
	close(out)

	var got []*Row
	for r := range out {
		got = append(got, r)
	}
	return got, rejects
}

func TestKeyLoopRows_StampsEntityKey(t *testing.T) {
	columns := []string{"booking_id", "great_feature1", "__entity_key"}
	spec := KeySpec{JoinKeys: []string{"booking_id"}, TargetField: "__entity_key"}

	got, rejects := runKeyLoop(t, columns, spec,
		&Row{Line: 1, V: []any{int64(7), 1.5, nil}},
	)
	if len(rejects) != 0 {
		t.Fatalf("unexpected rejects: %v", rejects)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	want := builtin.EntityKey([]string{"booking_id"}, []any{int64(7)})
	if got[0].V[2] != want {
		t.Fatalf("key=%v want %v", got[0].V[2], want)
	}
}

func TestKeyLoopRows_RejectsNullKey(t *testing.T) {
	columns := []string{"booking_id", "__entity_key"}
	spec := KeySpec{JoinKeys: []string{"booking_id"}, TargetField: "__entity_key"}

	got, rejects := runKeyLoop(t, columns, spec,
		&Row{Line: 1, V: []any{nil, nil}},
		&Row{Line: 2, V: []any{"b-2", nil}},
	)
	if len(got) != 1 || got[0].Line != 2 {
		t.Fatalf("expected only line 2 to pass, got %d rows", len(got))
	}
	if len(rejects) != 1 {
		t.Fatalf("expected 1 reject, got %v", rejects)
	}
}

func TestKeyLoopRows_MissingTargetDrains(t *testing.T) {
	columns := []string{"booking_id"}
	spec := KeySpec{JoinKeys: []string{"booking_id"}, TargetField: "__entity_key"}

	got, _ := runKeyLoop(t, columns, spec, &Row{V: []any{int64(1)}})
	if len(got) != 0 {
		t.Fatalf("expected rows to be drained, got %d", len(got))
	}
}
