package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"geocache/internal/core"
)

// MongoRecordStore archives invalidation records in MongoDB, for
// deployments that keep long diagnostic history out of the primary store.
type MongoRecordStore struct {
	collection *mongo.Collection
	seq        atomic.Int64
}

// NewMongoRecordStore creates the collection indexes if they don't exist.
func NewMongoRecordStore(database *mongo.Database) (*MongoRecordStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("invalidation_records")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "invalidated_at", Value: -1}}},
		{Keys: bson.D{{Key: "strategy", Value: 1}}},
		{Keys: bson.D{{Key: "cache_key", Value: 1}}},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		// Indexes may already exist
		slog.Warn("failed to create some MongoDB indexes", "error", err)
	}

	store := &MongoRecordStore{collection: collection}
	store.seq.Store(time.Now().UnixNano())
	return store, nil
}

// Append writes one record.
func (s *MongoRecordStore) Append(ctx context.Context, rec *core.InvalidationRecord) error {
	if rec.ID == 0 {
		rec.ID = s.seq.Add(1)
	}
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert invalidation record: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *MongoRecordStore) List(ctx context.Context, limit int) ([]*core.InvalidationRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "invalidated_at", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list invalidation records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*core.InvalidationRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode invalidation records: %w", err)
	}
	return out, nil
}

// CountSince returns how many records carry the strategy since the cutoff.
func (s *MongoRecordStore) CountSince(ctx context.Context, strategy core.InvalidationStrategy, since time.Time) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.D{
		{Key: "strategy", Value: string(strategy)},
		{Key: "invalidated_at", Value: bson.D{{Key: "$gte", Value: since}}},
	})
	if err != nil {
		return 0, fmt.Errorf("count invalidation records: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes records past the retention window.
func (s *MongoRecordStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.D{
		{Key: "invalidated_at", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	})
	if err != nil {
		return 0, fmt.Errorf("purge invalidation records: %w", err)
	}
	return res.DeletedCount, nil
}

// Close is a no-op; client lifecycle is managed by the storage layer.
func (s *MongoRecordStore) Close() error { return nil }

var _ RecordStore = (*MongoRecordStore)(nil)
