package push

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"featurestore/internal/blob"
	"featurestore/internal/offline"
	_ "featurestore/internal/parser/csv"
	_ "featurestore/internal/parser/parquet"
	"featurestore/internal/registry"
	"featurestore/internal/storage"
	_ "featurestore/internal/storage/sqlite"
	"featurestore/internal/transformer"
	"featurestore/internal/transformer/builtin"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func key(id string) string { return builtin.EntityKey([]string{"booking_id"}, []any{id}) }

type fixture struct {
	reg    *registry.Registry
	online storage.OnlineStore
	off    *offline.Store
	fv     *registry.FeatureView
	pusher *Pusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "booking_features.csv")
	body := "booking_id,great_feature1,great_feature2,event_timestamp,created\n" +
		"1,0.5,1.5,2024-01-01T00:00:00Z,\n"
	if err := os.WriteFile(base, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	ent := &registry.Entity{Name: "booking", JoinKeys: []string{"booking_id"}}
	src := &registry.FileSource{Name: "booking_source", Path: base, Format: "csv", TimestampField: "event_timestamp", CreatedTimestampColumn: "created"}
	ps := &registry.PushSource{Name: "booking_push_source", BatchSource: src}
	fv := &registry.FeatureView{
		Name:     "pc_booking_view",
		Entities: []*registry.Entity{ent},
		Online:   true,
		Schema: []registry.Field{
			{Name: "great_feature1", DType: registry.Float64},
			{Name: "great_feature2", DType: registry.Float64},
		},
		Source: ps,
	}
	reg := registry.New("proj")
	if _, err := reg.Apply(ent, src, ps, fv); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ctx := context.Background()
	online, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(online.Close)

	off := offline.New(blob.New(blob.S3Options{}))
	return &fixture{
		reg:    reg,
		online: online,
		off:    off,
		fv:     fv,
		pusher: &Pusher{Registry: reg, Online: online, Offline: off},
	}
}

func bookingFrame(t *testing.T, rows ...[]any) *transformer.Frame {
	t.Helper()
	f := transformer.NewFrame("booking_id", "great_feature1", "great_feature2", "event_timestamp")
	for _, r := range rows {
		f.Append(r)
	}
	return f
}

func (fx *fixture) readOnline(t *testing.T, ids ...string) map[string]storage.Row {
	t.Helper()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	got, err := fx.online.ReadRows(context.Background(), storage.TableName("proj", "pc_booking_view"), keys)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	return got
}

func asFloat(t *testing.T, v any) float64 {
	t.Helper()
	f, ok, err := transformer.Float64(v)
	if err != nil || !ok {
		t.Fatalf("not a float: %v (%T)", v, v)
	}
	return f
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Online, false},
		{"online", Online, false},
		{"offline", Offline, false},
		{"online_and_offline", OnlineAndOffline, false},
		{"both", "", true},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseMode(%q)=%q,%v", tc.in, got, err)
		}
	}
}

func TestPush_OnlineKeepsNewestPerEntity(t *testing.T) {
	fx := newFixture(t)
	f := bookingFrame(t,
		[]any{"1", json.Number("1.0"), json.Number("2.0"), "2024-01-03T00:00:00Z"},
		[]any{"1", json.Number("9.0"), nil, "2024-01-02T00:00:00Z"},
		[]any{"2", 4.0, 5.0, json.Number("1704067200")},
		[]any{nil, 1.0, 1.0, "2024-01-03T00:00:00Z"},
	)

	res, err := fx.pusher.Push(context.Background(), "booking_push_source", f, Online)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if res.Rows != 4 || res.Rejected != 1 || res.Part != "" || len(res.Views) != 1 {
		t.Fatalf("res=%+v", res)
	}

	got := fx.readOnline(t, "1", "2")
	if r := got[key("1")]; asFloat(t, r.Values["great_feature1"]) != 1.0 || !r.EventTS.Equal(day(3)) {
		t.Fatalf("row 1=%+v", r)
	}
	if r := got[key("2")]; !r.EventTS.Equal(day(1)) {
		t.Fatalf("row 2=%+v", r)
	}

	// An older push never moves the stored value back in time.
	old := bookingFrame(t, []any{"1", 0.0, 0.0, "2024-01-01T00:00:00Z"})
	if _, err := fx.pusher.Push(context.Background(), "booking_push_source", old, Online); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if r := fx.readOnline(t, "1")[key("1")]; asFloat(t, r.Values["great_feature1"]) != 1.0 {
		t.Fatalf("stale push overwrote: %+v", r)
	}
}

func TestPush_OfflineOnlyAppendsPart(t *testing.T) {
	fx := newFixture(t)
	f := bookingFrame(t, []any{"7", 7.0, 7.5, "2024-01-04T00:00:00Z"})
	f.AddColumn("ignored", []any{"x"})

	res, err := fx.pusher.Push(context.Background(), "booking_push_source", f, Offline)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if res.Part == "" || len(res.Views) != 0 {
		t.Fatalf("res=%+v", res)
	}
	if got := fx.readOnline(t, "7"); len(got) != 0 {
		t.Fatalf("offline push reached the online store: %v", got)
	}

	frame, l, err := fx.off.ReadView(context.Background(), fx.fv)
	if err != nil {
		t.Fatalf("ReadView: %v", err)
	}
	if frame.Len() != 2 {
		t.Fatalf("rows=%d want base row plus pushed row", frame.Len())
	}
	last := frame.Rows[1]
	if last[0] != "7" || last[1] != 7.0 || last[l.TSIndex()] != day(4) {
		t.Fatalf("pushed row=%v", last)
	}
}

func TestPush_OnlineAndOffline(t *testing.T) {
	fx := newFixture(t)
	f := bookingFrame(t, []any{"3", 3.0, 3.5, "2024-01-05T00:00:00Z"})

	res, err := fx.pusher.Push(context.Background(), "booking_push_source", f, OnlineAndOffline)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if res.Part == "" || res.Written == 0 {
		t.Fatalf("res=%+v", res)
	}
	if got := fx.readOnline(t, "3"); len(got) != 1 {
		t.Fatalf("online=%v", got)
	}
}

func TestPush_NonFiniteValues(t *testing.T) {
	fx := newFixture(t)
	f := bookingFrame(t,
		[]any{"4", "NaN", "Infinity", "2024-01-05T00:00:00Z"},
		[]any{"5", math.Inf(-1), 0.0, "2024-01-05T00:00:00Z"},
	)

	res, err := fx.pusher.Push(context.Background(), "booking_push_source", f, OnlineAndOffline)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if res.Part == "" || res.Written == 0 {
		t.Fatalf("res=%+v", res)
	}

	got := fx.readOnline(t, "4", "5")
	if v := asFloat(t, got[key("4")].Values["great_feature1"]); !math.IsNaN(v) {
		t.Fatalf("great_feature1=%v want NaN", v)
	}
	if v := asFloat(t, got[key("4")].Values["great_feature2"]); !math.IsInf(v, 1) {
		t.Fatalf("great_feature2=%v want +Inf", v)
	}
	if v := asFloat(t, got[key("5")].Values["great_feature1"]); !math.IsInf(v, -1) {
		t.Fatalf("great_feature1=%v want -Inf", v)
	}

	frame, _, err := fx.off.ReadView(context.Background(), fx.fv)
	if err != nil {
		t.Fatalf("ReadView: %v", err)
	}
	if frame.Len() != 3 {
		t.Fatalf("rows=%d want base row plus two pushed rows", frame.Len())
	}
}

func TestPush_FloatJoinKey(t *testing.T) {
	fx := newFixture(t)
	f := bookingFrame(t, []any{1e6, 1.0, 2.0, "2024-01-05T00:00:00Z"})

	if _, err := fx.pusher.Push(context.Background(), "booking_push_source", f, Online); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := fx.readOnline(t, "1000000"); len(got) != 1 {
		t.Fatalf("float key 1e6 not stored under 1000000: %v", got)
	}
}

func TestPush_Errors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	missing := transformer.NewFrame("booking_id", "great_feature1", "event_timestamp")
	missing.Append([]any{"1", 1.0, "2024-01-01T00:00:00Z"})
	if _, err := fx.pusher.Push(ctx, "booking_push_source", missing, Online); !errors.Is(err, transformer.ErrMissingColumn) {
		t.Fatalf("missing column err=%v", err)
	}

	bad := bookingFrame(t, []any{"1", "abc", 1.0, "2024-01-01T00:00:00Z"})
	if _, err := fx.pusher.Push(ctx, "booking_push_source", bad, OnlineAndOffline); err == nil {
		t.Fatalf("expected coercion error")
	}
	frame, _, err := fx.off.ReadView(ctx, fx.fv)
	if err != nil {
		t.Fatalf("ReadView: %v", err)
	}
	if frame.Len() != 1 {
		t.Fatalf("failed push wrote offline: rows=%d", frame.Len())
	}

	nots := bookingFrame(t, []any{"1", 1.0, 1.0, nil})
	if _, err := fx.pusher.Push(ctx, "booking_push_source", nots, Online); !errors.Is(err, offline.ErrNoTimestamp) {
		t.Fatalf("missing ts err=%v", err)
	}

	if _, err := fx.pusher.Push(ctx, "nope", bookingFrame(t), Online); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("unknown source err=%v", err)
	}
	if _, err := fx.pusher.Push(ctx, "booking_source", bookingFrame(t), Online); err == nil {
		t.Fatalf("expected not a push source error")
	}

	noOnline := &Pusher{Registry: fx.reg, Offline: fx.off}
	if _, err := noOnline.Push(ctx, "booking_push_source", bookingFrame(t), Online); err == nil {
		t.Fatalf("expected missing online store error")
	}
}

func TestColumns(t *testing.T) {
	fx := newFixture(t)
	ps, _ := fx.reg.PushSource("booking_push_source")
	dtypes, required := Columns(ps.BatchSource, fx.reg.ViewsForSource("booking_push_source"))

	want := []string{"booking_id", "great_feature1", "great_feature2", "event_timestamp"}
	if len(required) != len(want) {
		t.Fatalf("required=%v", required)
	}
	for i := range want {
		if required[i] != want[i] {
			t.Fatalf("required=%v", required)
		}
	}
	if dtypes["created"] != registry.UnixTimestamp || dtypes["booking_id"] != registry.String || dtypes["great_feature2"] != registry.Float64 {
		t.Fatalf("dtypes=%v", dtypes)
	}
}
