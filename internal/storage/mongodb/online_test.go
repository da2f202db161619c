package mongodb

import (
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"featurestore/internal/storage"
)

func TestDatabaseName(t *testing.T) {
	tests := map[string]string{
		"mongodb://localhost:27017":                 defaultDatabase,
		"mongodb://localhost:27017/":                defaultDatabase,
		"mongodb://u:p@localhost/features?w=1":      "features",
		"mongodb+srv://cluster.example.net/ml_prod": "ml_prod",
	}
	for in, want := range tests {
		if got := databaseName(in); got != want {
			t.Fatalf("databaseName(%q)=%q want %q", in, got, want)
		}
	}
}

func TestBuildModels(t *testing.T) {
	models := buildModels([]storage.Cell{{EntityKey: "k", Feature: "f", Value: "1.5", EventTS: 42, CreatedTS: 7}})
	if len(models) != 1 {
		t.Fatalf("models=%d", len(models))
	}
	m, ok := models[0].(*mongo.UpdateOneModel)
	if !ok {
		t.Fatalf("model type %T", models[0])
	}
	if m.Upsert == nil || !*m.Upsert {
		t.Fatalf("expected upsert")
	}
	filter := m.Filter.(bson.D)
	if filter[0].Value != "k/f" {
		t.Fatalf("filter _id=%v", filter[0].Value)
	}
	guard := filter[1].Value.(bson.D)
	if filter[1].Key != "event_ts" || guard[0].Key != "$lte" || guard[0].Value != int64(42) {
		t.Fatalf("filter guard=%v", filter[1])
	}
}

func TestOnlyStale(t *testing.T) {
	dup := mongo.BulkWriteError{WriteError: mongo.WriteError{Code: 11000}}
	other := mongo.BulkWriteError{WriteError: mongo.WriteError{Code: 121}}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"duplicates only", mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup, dup}}, true},
		{"wrapped duplicates", fmt.Errorf("x: %w", mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup}}), true},
		{"mixed", mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup, other}}, false},
		{"write concern", mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup}, WriteConcernError: &mongo.WriteConcernError{}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := onlyStale(tc.err); got != tc.want {
				t.Fatalf("onlyStale=%v want %v", got, tc.want)
			}
		})
	}
}
