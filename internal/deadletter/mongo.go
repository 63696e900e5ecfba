package deadletter

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultCollection is the collection dead letters are written to
const DefaultCollection = "connector_dead_letters"

// MongoStore implements Store for MongoDB
type MongoStore struct {
	collection *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a store on collection of db. An empty collection
// name uses DefaultCollection.
func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &MongoStore{collection: db.Collection(collection)}
}

// Save upserts the record by id
func (s *MongoStore) Save(ctx context.Context, r *Record) error {
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	return err
}

// List returns the newest records first
func (s *MongoStore) List(ctx context.Context, receiverKey string, limit int) ([]*Record, error) {
	filter := bson.M{}
	if receiverKey != "" {
		filter["receiver"] = receiverKey
	}
	opts := options.Find().SetSort(bson.D{{Key: "recordedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]*Record, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}
	return records, nil
}

// Delete removes a record
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// EnsureIndexes creates the indexes used by List
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "recordedAt", Value: -1}}},
		{Keys: bson.D{{Key: "recordedAt", Value: -1}}},
	})
	return err
}

// Ping checks the database is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}
