// Package mongodb stores online features in MongoDB, one collection per view
// and one document per entity key and feature.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"featurestore/internal/storage"
)

const defaultDatabase = "featurestore"

// cellDoc is the stored document. _id is "<entity_key>/<feature_name>".
type cellDoc struct {
	ID        string `bson:"_id"`
	EntityKey string `bson:"entity_key"`
	Feature   string `bson:"feature_name"`
	Value     string `bson:"value"`
	EventTS   int64  `bson:"event_ts"`
	CreatedTS int64  `bson:"created_ts"`
}

// Store implements storage.OnlineStore for MongoDB.
//
// A write is an upsert filtered on {_id, event_ts <= incoming}. When the
// stored document is newer the filter misses, the upsert collides on _id, and
// that duplicate-key error marks a stale write, which is skipped.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func init() {
	storage.Register("mongodb", New)
}

// New connects to cfg.DSN (a mongodb:// or mongodb+srv:// URI). The database
// is the URI path, defaulting to "featurestore".
func New(ctx context.Context, cfg storage.Config) (storage.OnlineStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(databaseName(cfg.DSN))}, nil
}

func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultDatabase
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name
	}
	return defaultDatabase
}

func (s *Store) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// EnsureTables indexes entity_key on each view collection. Collections
// themselves are created on first write.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		_, err := s.db.Collection(t.Name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "entity_key", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("mongodb: index %s: %w", t.Name, err)
		}
	}
	return nil
}

// WriteRows upserts every cell with one unordered bulk write.
func (s *Store) WriteRows(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	cells, err := storage.Cells(rows)
	if err != nil {
		return 0, err
	}
	if len(cells) == 0 {
		return 0, nil
	}

	res, err := s.db.Collection(table).BulkWrite(ctx, buildModels(cells), options.BulkWrite().SetOrdered(false))
	if err != nil && !onlyStale(err) {
		return 0, fmt.Errorf("mongodb: bulk write %s: %w", table, err)
	}
	if res == nil {
		return 0, nil
	}
	return res.UpsertedCount + res.ModifiedCount, nil
}

// ReadRows finds every stored feature of keys.
func (s *Store) ReadRows(ctx context.Context, table string, keys []string) (map[string]storage.Row, error) {
	if len(keys) == 0 {
		return map[string]storage.Row{}, nil
	}
	cur, err := s.db.Collection(table).Find(ctx, bson.M{"entity_key": bson.M{"$in": keys}})
	if err != nil {
		return nil, fmt.Errorf("mongodb: find %s: %w", table, err)
	}
	var docs []cellDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb: decode %s: %w", table, err)
	}
	cells := make([]storage.Cell, len(docs))
	for i, d := range docs {
		cells[i] = storage.Cell{EntityKey: d.EntityKey, Feature: d.Feature, Value: d.Value, EventTS: d.EventTS, CreatedTS: d.CreatedTS}
	}
	return storage.Assemble(cells)
}

// DropTables drops the view collections.
func (s *Store) DropTables(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if err := s.db.Collection(t).Drop(ctx); err != nil {
			return fmt.Errorf("mongodb: drop %s: %w", t, err)
		}
	}
	return nil
}

func docID(c storage.Cell) string { return c.EntityKey + "/" + c.Feature }

// buildModels returns one conditional upsert per cell.
func buildModels(cells []storage.Cell) []mongo.WriteModel {
	models := make([]mongo.WriteModel, len(cells))
	for i, c := range cells {
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.D{
				{Key: "_id", Value: docID(c)},
				{Key: "event_ts", Value: bson.D{{Key: "$lte", Value: c.EventTS}}},
			}).
			SetUpdate(bson.D{{Key: "$set", Value: bson.D{
				{Key: "entity_key", Value: c.EntityKey},
				{Key: "feature_name", Value: c.Feature},
				{Key: "value", Value: c.Value},
				{Key: "event_ts", Value: c.EventTS},
				{Key: "created_ts", Value: c.CreatedTS},
			}}}).
			SetUpsert(true)
	}
	return models
}

// onlyStale reports whether err is a bulk write failure made solely of
// duplicate-key errors, i.e. writes older than what is stored.
func onlyStale(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}
