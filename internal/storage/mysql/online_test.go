package mysql

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"featurestore/internal/storage"
)

func TestWriteRows_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := &Store{db: db}
	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `fs_v` (entity_key, feature_name, value, event_ts, created_ts) VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE")).
		WithArgs("k", "a", "1", ts.UnixMicro(), int64(0), "k", "b", "null", ts.UnixMicro(), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := st.WriteRows(context.Background(), "fs_v", []storage.Row{
		{EntityKey: "k", EventTS: ts, Values: map[string]any{"a": int64(1), "b": nil}},
	})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReadRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := &Store{db: db}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_key, feature_name, value, event_ts, created_ts FROM `fs_v` WHERE entity_key IN (?)")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"entity_key", "feature_name", "value", "event_ts", "created_ts"}).
			AddRow("k", "a", "3", int64(5), int64(1)))

	got, err := st.ReadRows(context.Background(), "fs_v", []string{"k"})
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if got["k"].Values["a"] != json.Number("3") || got["k"].CreatedTS.IsZero() {
		t.Fatalf("row=%+v", got["k"])
	}
}

func TestBuildUpsertSQL_EventTSAssignedLast(t *testing.T) {
	q, _ := buildUpsertSQL("fs_v", []storage.Cell{{EntityKey: "k", Feature: "f", Value: "1"}})
	upd := q[strings.Index(q, "ON DUPLICATE KEY UPDATE"):]
	iv, ic, ie := strings.Index(upd, "value = IF("), strings.Index(upd, "created_ts = IF("), strings.Index(upd, "event_ts = IF(")
	if iv < 0 || ic < 0 || ie < 0 || !(iv < ic && ic < ie) {
		t.Fatalf("assignments out of order: %q", upd)
	}
}

func TestNew_BadDSN(t *testing.T) {
	if _, err := New(context.Background(), storage.Config{Kind: "mysql", DSN: "not a dsn"}); err == nil || !strings.Contains(err.Error(), "parse dsn") {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildCreateSQL(t *testing.T) {
	q := buildCreateSQL("fs_v")
	if !strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS `fs_v` (") || !strings.Contains(q, "PRIMARY KEY (entity_key, feature_name)") {
		t.Fatalf("sql=%q", q)
	}
}
