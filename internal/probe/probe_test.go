package probe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"featurestore/internal/blob"
	"featurestore/internal/config"
	_ "featurestore/internal/parser/csv"
	_ "featurestore/internal/parser/json"
	"featurestore/internal/registry"
	"featurestore/internal/repo/hclrepo"
)

const bookingCSV = `booking_id,great_feature1,flag,label,event_timestamp,created
1,2.5,true,a,2024-01-01T00:00:00Z,
2,3,false,b,2024-01-02T00:00:00Z,
3,,yes,a,2024-01-02 10:00:00,
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInfer_CSV(t *testing.T) {
	p := writeFile(t, "booking_features.csv", bookingCSV)
	res, err := Infer(context.Background(), blob.New(blob.S3Options{}), Options{Path: p})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Name != "booking_features" || res.Format != "csv" || res.Rows != 3 {
		t.Fatalf("res=%+v", res)
	}

	want := map[string]registry.DType{
		"booking_id":      registry.Int64,
		"great_feature1":  registry.Float64,
		"flag":            registry.Bool,
		"label":           registry.String,
		"event_timestamp": registry.UnixTimestamp,
		"created":         registry.String,
	}
	for _, c := range res.Columns {
		if c.DType != want[c.Name] {
			t.Errorf("%s dtype=%s want %s", c.Name, c.DType, want[c.Name])
		}
	}
	if c := res.Columns[1]; c.Nulls != 1 || c.Distinct != 2 {
		t.Errorf("great_feature1 nulls=%d distinct=%d", c.Nulls, c.Distinct)
	}
	if res.JoinKey != "booking_id" || res.TimestampField != "event_timestamp" || res.CreatedColumn != "created" {
		t.Fatalf("key=%q ts=%q created=%q", res.JoinKey, res.TimestampField, res.CreatedColumn)
	}
	var names []string
	for _, c := range res.Features() {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "great_feature1,flag,label" {
		t.Fatalf("features=%s", got)
	}
	if s := string(res.Summary()); !strings.Contains(s, "great_feature1,Float64,1,2") {
		t.Fatalf("summary=%s", s)
	}
}

func TestInfer_MaxRows(t *testing.T) {
	p := writeFile(t, "b.csv", bookingCSV)
	res, err := Infer(context.Background(), blob.New(blob.S3Options{}), Options{Path: p, MaxRows: 2, Name: "Booking Stats"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Rows != 2 {
		t.Fatalf("rows=%d", res.Rows)
	}
	if res.Name != "booking_stats" {
		t.Fatalf("name=%q", res.Name)
	}
	// Two rows only: "2.5" and "3" still make a float column.
	if res.Columns[1].DType != registry.Float64 || res.Columns[1].Nulls != 0 {
		t.Fatalf("great_feature1=%+v", res.Columns[1])
	}
}

func TestInfer_JSON(t *testing.T) {
	p := writeFile(t, "driver_stats.json", `[
		{"driver_id": 1001, "conv_rate": 0.5, "trips": 3, "ts": "2024-01-01T00:00:00Z"},
		{"driver_id": 1002, "conv_rate": 1, "trips": 7, "ts": "2024-01-02T00:00:00Z"}
	]`)
	res, err := Infer(context.Background(), blob.New(blob.S3Options{}), Options{Path: p})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	got := map[string]registry.DType{}
	for _, c := range res.Columns {
		got[c.Name] = c.DType
	}
	if got["driver_id"] != registry.Int64 || got["conv_rate"] != registry.Float64 || got["ts"] != registry.UnixTimestamp {
		t.Fatalf("dtypes=%v", got)
	}
	if res.JoinKey != "driver_id" || res.TimestampField != "ts" || res.CreatedColumn != "" {
		t.Fatalf("key=%q ts=%q created=%q", res.JoinKey, res.TimestampField, res.CreatedColumn)
	}
}

func TestInfer_Errors(t *testing.T) {
	blobs := blob.New(blob.S3Options{})
	ctx := context.Background()
	if _, err := Infer(ctx, blobs, Options{Path: filepath.Join(t.TempDir(), "missing.csv")}); err == nil {
		t.Fatalf("expected error for a missing file")
	}
	p := writeFile(t, "data.xlsx", "x")
	if _, err := Infer(ctx, blobs, Options{Path: p}); err == nil {
		t.Fatalf("expected error for an unknown format")
	}
}

// The generated HCL loads as a valid repo.
func TestResult_HCLLoads(t *testing.T) {
	p := writeFile(t, "booking_features.csv", bookingCSV)
	res, err := Infer(context.Background(), blob.New(blob.S3Options{}), Options{Path: p})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	repo := writeFile(t, "repo.hcl", string(res.HCL()))

	objs, err := hclrepo.Load(repo)
	if err != nil {
		t.Fatalf("Load: %v\n%s", err, res.HCL())
	}
	if issues := registry.Validate(objs...); config.IssuesError(issues) != nil {
		t.Fatalf("issues=%v\n%s", issues, res.HCL())
	}
	var fv *registry.FeatureView
	for _, o := range objs {
		if v, ok := o.(*registry.FeatureView); ok {
			fv = v
		}
	}
	if fv == nil || fv.Name != "booking_features_view" || len(fv.Schema) != 3 {
		t.Fatalf("feature view=%+v", fv)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Booking Features", "booking_features"},
		{"  a-b.c ", "a_b_c"},
		{"***", "source"},
	}
	for _, tc := range tests {
		if got := normalizeName(tc.in); got != tc.want {
			t.Errorf("normalizeName(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
