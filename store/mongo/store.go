// Package mongo provides a MongoDB implementation of store.Store.
//
// A message is one document with its from address, recipients and
// attachment metadata embedded. The lock protocol uses findOneAndUpdate and
// updateOne with the holder token in the filter, which MongoDB applies
// atomically per document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the collection and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "msgid", Value: 1}}, Options: mongoopts.Index().SetUnique(true)},
		// Claimable scan
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "created_at", Value: 1},
		}},
		// Stale lock reclaim
		{Keys: bson.D{
			{Key: "locked_by", Value: 1},
			{Key: "updated_at", Value: 1},
		}},
		// Reporting search
		{Keys: bson.D{
			{Key: "company_id", Value: 1},
			{Key: "sent_at", Value: -1},
		}},
		{Keys: bson.D{{Key: "recipients.address.user_id", Value: 1}}},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// prepare validates the id and derives the operation context.
func (s *Store) prepare(ctx context.Context, id string) (context.Context, context.CancelFunc, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, store.ErrInvalidID
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return ctx, cancel, nil
}

func (s *Store) now() time.Time {
	return s.opts.clock()
}

// Create inserts the message document.
func (s *Store) Create(ctx context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, toDoc(msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Get returns the full message.
func (s *Store) Get(ctx context.Context, id string) (*store.Message, error) {
	return s.get(ctx, id, nil)
}

// GetSummary returns the message without text and html.
func (s *Store) GetSummary(ctx context.Context, id string) (*store.Message, error) {
	return s.get(ctx, id, bson.M{"text": 0, "html": 0})
}

func (s *Store) get(ctx context.Context, id string, projection bson.M) (*store.Message, error) {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cancel()

	opts := mongoopts.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}

	var doc messageDoc
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return doc.toMessage()
}

// ListClaimable returns claimable ids, oldest first.
func (s *Store) ListClaimable(ctx context.Context, limit int, staleBefore time.Time) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	filter := bson.M{"$or": bson.A{
		bson.M{"status": string(store.StatusQueued), "locked_by": nil},
		bson.M{
			"status":     bson.M{"$in": bson.A{string(store.StatusQueued), string(store.StatusProcessing)}},
			"updated_at": bson.M{"$lt": staleBefore},
		},
	}}
	opts := mongoopts.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list claimable: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode claimable: %w", err)
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}
