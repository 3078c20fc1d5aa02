package notify

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const eventsCollection = "reconciliation_events"

// MongoSink stores events in a MongoDB collection for downstream
// consumers.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// DialMongo connects, pings and ensures the collection's indexes.
func DialMongo(ctx context.Context, uri, database string) (*MongoSink, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoSink{client: client, coll: client.Database(database).Collection(eventsCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoSink) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
		{Keys: bson.D{{Key: "merchant_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Publish inserts the event. Re-publishing the same event id is a no-op.
func (s *MongoSink) Publish(ctx context.Context, e Event) error {
	_, err := s.coll.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// Events returns the stored events for a transaction, oldest first.
func (s *MongoSink) Events(ctx context.Context, transactionID string) ([]Event, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"transaction_id": transactionID},
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	var out []Event
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out, nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
