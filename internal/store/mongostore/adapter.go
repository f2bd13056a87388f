// Package mongostore adapts MongoDB to the interfaces.Store contract used
// by the Hub and the Client. It carries no job-queue semantics of its own —
// claim, sweep, and checkpoint logic all live above it.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/interfaces"
)

// Store is a MongoDB-backed implementation of interfaces.Store. Collections
// live in the database named after the configured prefix, so callers use
// the bare names "jobs", "log", "fs.files" and "fs.chunks".
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	prefix string
	bucket *gridfs.Bucket
	logger *common.Logger
}

var _ interfaces.Store = (*Store)(nil)

// New connects to the MongoDB deployment at url and selects a database
// named after prefix, which gives the collections the namespaces
// "<prefix>.jobs", "<prefix>.log" and so on, so multiple queues can share a
// cluster.
func New(ctx context.Context, url, prefix string, logger *common.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	db := client.Database(prefix)
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, fmt.Errorf("mongostore: new gridfs bucket: %w", err)
	}

	s := &Store{
		client: client,
		db:     db,
		prefix: prefix,
		bucket: bucket,
		logger: logger,
	}

	return s, nil
}

func (s *Store) collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Insert adds doc to collection and reports its assigned _id.
func (s *Store) Insert(ctx context.Context, collection string, doc any) (any, error) {
	res, err := s.collection(collection).InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("mongostore: insert into %s: %w", collection, err)
	}
	return res.InsertedID, nil
}

// FindAndModify atomically applies update to the first document matching
// filter and decodes the pre-update document into out. It reports false,
// nil when nothing matched — this is the store's only claim primitive, and
// every caller relies on MongoDB's single-document atomicity here.
func (s *Store) FindAndModify(ctx context.Context, collection string, filter, update any, out any) (bool, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	err := s.collection(collection).FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongostore: findAndModify on %s: %w", collection, err)
	}
	return true, nil
}

// Update applies update to every matching document and reports how many
// were modified.
func (s *Store) Update(ctx context.Context, collection string, filter, update any) (int64, error) {
	res, err := s.collection(collection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mongostore: update on %s: %w", collection, err)
	}
	return res.ModifiedCount, nil
}

// FindOne decodes the first document matching filter into out.
func (s *Store) FindOne(ctx context.Context, collection string, filter any, out any) (bool, error) {
	err := s.collection(collection).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongostore: findOne on %s: %w", collection, err)
	}
	return true, nil
}

// Query decodes every document matching filter into out, a pointer to a slice.
func (s *Store) Query(ctx context.Context, collection string, filter any, opts interfaces.QueryOptions, out any) error {
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}

	cur, err := s.collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return fmt.Errorf("mongostore: query on %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("mongostore: decode query on %s: %w", collection, err)
	}
	return nil
}

// Count reports the number of documents matching filter.
func (s *Store) Count(ctx context.Context, collection string, filter any) (int64, error) {
	n, err := s.collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongostore: count on %s: %w", collection, err)
	}
	return n, nil
}

// Drop removes every document from collection.
func (s *Store) Drop(ctx context.Context, collection string) error {
	if _, err := s.collection(collection).DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("mongostore: drop %s: %w", collection, err)
	}
	return nil
}

// EnsureIndexes creates the indexes the claim and sweep paths depend on for
// throughput. Idempotent: safe to call on every startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	jobs := s.collection("jobs")
	_, err := jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "create_time", Value: 1}}},
		{Keys: bson.D{{Key: "owner", Value: 1}}},
		{Keys: bson.D{{Key: "exp_key", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: ensure jobs indexes: %w", err)
	}

	log := s.collection("log")
	_, err = log.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "taskid", Value: 1}, {Key: "nr", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: ensure log indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
