// Package mongo implements memory.ArchivalStore on top of MongoDB,
// adapted from the event-log snapshot store this was grounded on down to
// the narrower put/get/search shape the hierarchical memory manager's
// paging contract needs: archival items are opaque byte blobs keyed by id,
// with a text index backing keyword Search.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultCollection = "archival_items"
	defaultTimeout    = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements memory.ArchivalStore against a MongoDB collection.
type Store struct {
	coll    *mongo.Collection
	timeout time.Duration
}

type itemDocument struct {
	ID        string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Text      string    `bson:"text"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// New builds a Mongo-backed archival store and ensures the text index used
// by Search exists.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongo.IndexModel{
		Keys: bson.D{{Key: "text", Value: "text"}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Put implements memory.ArchivalStore. data is stored verbatim; a copy,
// also verbatim, is duplicated into the text-indexed field so Search can
// match on its contents without requiring callers to provide a separate
// summary.
func (s *Store) Put(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return errors.New("mongo: id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := itemDocument{ID: id, Data: data, Text: string(data), UpdatedAt: time.Now().UTC()}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

// Get implements memory.ArchivalStore.
func (s *Store) Get(ctx context.Context, id string) ([]byte, bool, error) {
	if id == "" {
		return nil, false, errors.New("mongo: id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc itemDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return doc.Data, true, nil
}

// Search implements memory.ArchivalStore using the collection's text index,
// scored by MongoDB's relevance score and broken deterministically by id so
// callers see a reproducible order for fixed inputs.
func (s *Store) Search(ctx context.Context, query string, k int) ([]string, error) {
	if query == "" || k <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"$text": bson.M{"$search": query}}
	projection := bson.M{"score": bson.M{"$meta": "textScore"}}
	findOpts := options.Find().
		SetProjection(projection).
		SetSort(bson.D{{Key: "score", Value: bson.M{"$meta": "textScore"}}, {Key: "_id", Value: 1}}).
		SetLimit(int64(k))

	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
