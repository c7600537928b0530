package sync

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/database"
	"pos-offline-sync/internal/store"
)

// MongoSender upserts each item into the remote collection of the same
// name, keyed by record id.
type MongoSender struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoSender(ctx context.Context, cfg config.MongoConfig) (*MongoSender, error) {
	client, err := database.NewMongoClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MongoSender{client: client, db: client.Database(cfg.Database)}, nil
}

func (s *MongoSender) Name() string {
	return "mongo"
}

func (s *MongoSender) Send(ctx context.Context, item *store.PendingItem) error {
	doc, err := mongoDocument(item)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(item.Collection).ReplaceOne(ctx,
		bson.M{"_id": item.RecordID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return classifyMongoError(err)
}

func mongoDocument(item *store.PendingItem) (bson.M, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(item.Data, false, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrItemRejected, err)
	}
	doc["_id"] = item.RecordID
	return doc, nil
}

func classifyMongoError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrItemRejected, err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 {
		return fmt.Errorf("%w: %v", ErrItemRejected, err)
	}
	return &NetworkError{Op: "mongo replace", Err: err}
}

func (s *MongoSender) Close() error {
	return s.client.Disconnect(context.Background())
}
