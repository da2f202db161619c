package postgres

import (
	"strings"
	"testing"

	"featurestore/internal/storage"
)

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	schemaSQL, tableSQL := buildCreateSQL("features.fs_pc_booking_view")
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "features"` {
		t.Fatalf("schemaSQL=%q", schemaSQL)
	}
	if !strings.Contains(tableSQL, `CREATE TABLE IF NOT EXISTS "features"."fs_pc_booking_view"`) {
		t.Fatalf("tableSQL missing qualified name: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, "PRIMARY KEY (entity_key, feature_name)") || !strings.Contains(tableSQL, "value JSONB") {
		t.Fatalf("tableSQL missing columns: %q", tableSQL)
	}

	schemaSQL, _ = buildCreateSQL("fs_pc_booking_view")
	if schemaSQL != "" {
		t.Fatalf("expected no schema DDL for an unqualified name, got %q", schemaSQL)
	}
}

func TestBuildUpsertSQL_PlaceholdersAndGuard(t *testing.T) {
	t.Parallel()

	q, args := buildUpsertSQL("fs_v", []storage.Cell{
		{EntityKey: "a", Feature: "f", Value: "1.5", EventTS: 100},
		{EntityKey: "b", Feature: "f", Value: "null", EventTS: 200, CreatedTS: 7},
	})
	if !strings.Contains(q, `INSERT INTO "fs_v" AS t`) {
		t.Fatalf("sql=%q", q)
	}
	if !strings.Contains(q, "($1, $2, $3::jsonb, $4, $5), ($6, $7, $8::jsonb, $9, $10)") {
		t.Fatalf("placeholders not numbered sequentially: %q", q)
	}
	if !strings.HasSuffix(q, "WHERE t.event_ts <= EXCLUDED.event_ts") {
		t.Fatalf("missing last-write-wins guard: %q", q)
	}
	want := []any{"a", "f", "1.5", int64(100), int64(0), "b", "f", "null", int64(200), int64(7)}
	if len(args) != len(want) {
		t.Fatalf("args=%v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d]=%#v want %#v", i, args[i], want[i])
		}
	}
}

func TestBuildSelectSQL(t *testing.T) {
	t.Parallel()
	q := buildSelectSQL("fs_v")
	if !strings.Contains(q, `FROM "fs_v" WHERE entity_key = ANY($1)`) {
		t.Fatalf("sql=%q", q)
	}
}
