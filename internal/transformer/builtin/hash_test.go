package builtin

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHash_Deterministic_WithTrim(t *testing.T) {
	h := Hash{
		Fields:            []string{"booking_id", "channel", "created"},
		IncludeFieldNames: true,
		TrimSpace:         true,
	}

	ts := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	s1 := h.Sum([]any{int64(14596725), " web ", ts})
	s2 := h.Sum([]any{int64(14596725), "web", ts})

	if len(s1) != 64 {
		t.Fatalf("expected sha256 hex length 64, got %d (%q)", len(s1), s1)
	}
	if s1 != s2 {
		t.Fatalf("expected same hash after trimming; s1=%q s2=%q", s1, s2)
	}
}

func TestHash_ChangesWhenFieldChanges(t *testing.T) {
	h := Hash{Fields: []string{"booking_id", "channel"}, IncludeFieldNames: true}

	a := h.Sum([]any{int64(1), "A"})
	b := h.Sum([]any{int64(1), "B"})
	if a == b {
		t.Fatalf("expected different hashes when inputs differ; both=%v", a)
	}
}

func TestHash_MissingVsEmptyDifferent(t *testing.T) {
	h := Hash{Fields: []string{"booking_id", "channel"}, IncludeFieldNames: true}

	missing := h.Sum([]any{int64(1)})
	empty := h.Sum([]any{int64(1), ""})
	if missing == empty {
		t.Fatalf("expected missing and empty-string to hash differently")
	}
}

func TestHash_IncludeFieldNamesChangesHash(t *testing.T) {
	vals := []any{int64(12855565), "alt"}
	a := Hash{Fields: []string{"booking_id", "channel"}}.Sum(vals)
	b := Hash{Fields: []string{"booking_id", "channel"}, IncludeFieldNames: true}.Sum(vals)
	if a == b {
		t.Fatalf("expected different hashes when include_field_names changes")
	}
}

func TestEntityKey_NumericRepresentationsAgree(t *testing.T) {
	keys := []string{"booking_id"}

	want := EntityKey(keys, []any{int64(42)})
	for _, v := range []any{int(42), int32(42), float64(42), json.Number("42"), "42", " 42 "} {
		if got := EntityKey(keys, []any{v}); got != want {
			t.Fatalf("EntityKey(%T %v)=%s, want %s", v, v, got, want)
		}
	}

	if EntityKey(keys, []any{float64(42.5)}) == want {
		t.Fatalf("non-integral float must not collide with integer key")
	}
}

func TestEntityKey_LargeIntegralFloats(t *testing.T) {
	keys := []string{"booking_id"}

	want := EntityKey(keys, []any{int64(1000000)})
	for _, v := range []any{float64(1e6), float32(1e6), json.Number("1e6"), json.Number("1000000.0"), "1000000"} {
		if got := EntityKey(keys, []any{v}); got != want {
			t.Fatalf("EntityKey(%T %v)=%s, want %s", v, v, got, want)
		}
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{2, "2"},
		{-3, "-3"},
		{1e6, "1000000"},
		{1 << 53, "9007199254740992"},
		{1e300, "1e+300"},
		{0.25, "0.25"},
	}
	for _, tc := range tests {
		if got := FormatFloat(tc.in, 64); got != tc.want {
			t.Errorf("FormatFloat(%v)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestHasEdgeSpace(t *testing.T) {
	for s, want := range map[string]bool{"": false, "a": false, " a": true, "a\t": true, "a b": false, "a\n": true} {
		if got := HasEdgeSpace(s); got != want {
			t.Fatalf("HasEdgeSpace(%q)=%v want %v", s, got, want)
		}
	}
}
