package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chime-live/internal/observability/logging"
)

const (
	defaultMongoDatabase = "chime"
	callLogsCollection   = "call_logs"
	errorsCollection     = "error_logs"
	duplicateKeyCode     = 11000
)

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// MongoStore writes telemetry with unordered bulk inserts. A unique index on
// event_id turns redelivered events into duplicate-key errors, which are
// ignored.
type MongoStore struct {
	client   *mongo.Client
	callLogs *mongo.Collection
	errors   *mongo.Collection
	logger   *slog.Logger
}

func OpenMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("mongo uri required")
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	database := cfg.Database
	if database == "" {
		database = defaultMongoDatabase
	}
	db := client.Database(database)
	store := &MongoStore{
		client:   client,
		callLogs: db.Collection(callLogsCollection),
		errors:   db.Collection(errorsCollection),
		logger:   logging.WithComponent(cfg.Logger, "telemetry"),
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return store, nil
}

// EnsureIndexes creates the unique event_id index on both collections.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	for _, coll := range []*mongo.Collection{s.callLogs, s.errors} {
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("ensure %s index: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) SaveCallLogs(ctx context.Context, logs []CallLog) error {
	docs := make([]interface{}, 0, len(logs))
	for _, l := range logs {
		docs = append(docs, l)
	}
	return s.insert(ctx, s.callLogs, docs)
}

func (s *MongoStore) SaveErrors(ctx context.Context, records []ErrorRecord) error {
	docs := make([]interface{}, 0, len(records))
	for _, r := range records {
		docs = append(docs, r)
	}
	return s.insert(ctx, s.errors, docs)
}

func (s *MongoStore) insert(ctx context.Context, coll *mongo.Collection, docs []interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil || onlyDuplicates(err) {
		return nil
	}
	return fmt.Errorf("insert into %s: %w", coll.Name(), err)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// onlyDuplicates reports whether every write error in err is a duplicate key.
func onlyDuplicates(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) {
		return false
	}
	if bulk.WriteConcernError != nil || len(bulk.WriteErrors) == 0 {
		return false
	}
	for _, we := range bulk.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}
