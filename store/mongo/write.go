package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailqueue/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Claim sets locked_by when the document is unlocked or its lock is stale.
//
// findOneAndUpdate is atomic per document, so of several concurrent claims
// exactly one observes the filter match.
func (s *Store) Claim(ctx context.Context, id, token string, staleBefore time.Time) (string, error) {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return "", err
	}
	defer cancel()

	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"locked_by": nil},
			bson.M{"updated_at": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{"locked_by": token, "updated_at": s.now()}}
	opts := mongoopts.FindOneAndUpdate().
		SetReturnDocument(mongoopts.After).
		SetProjection(bson.M{"locked_by": 1})

	var result struct {
		LockedBy string `bson:"locked_by"`
	}
	err = s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if exists, existsErr := s.exists(ctx, id); existsErr != nil {
			return "", existsErr
		} else if !exists {
			return "", store.ErrNotFound
		}
		return "", store.ErrClaimDenied
	}
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	return result.LockedBy, nil
}

// Release clears locked_by when token holds it.
func (s *Store) Release(ctx context.Context, id, token string) error {
	return s.updateHeld(ctx, "release", id, token, nil, bson.M{"locked_by": nil})
}

// ForceRelease clears locked_by regardless of holder.
func (s *Store) ForceRelease(ctx context.Context, id string) error {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()

	update := bson.M{"$set": bson.M{"locked_by": nil, "updated_at": s.now()}}
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("force release: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Touch refreshes updated_at under token.
func (s *Store) Touch(ctx context.Context, id, token string) error {
	return s.updateHeld(ctx, "touch", id, token, nil, bson.M{})
}

// ReclaimStale clears stale locks and requeues stale processing documents.
// Two updateMany calls are not atomic together; a document claimed between
// them has a fresh updated_at and is skipped by the second.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := s.now()

	processing, err := s.collection.UpdateMany(ctx,
		bson.M{"status": string(store.StatusProcessing), "updated_at": bson.M{"$lt": staleBefore}},
		bson.M{"$set": bson.M{"status": string(store.StatusQueued), "locked_by": nil, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim processing: %w", err)
	}

	locked, err := s.collection.UpdateMany(ctx,
		bson.M{"locked_by": bson.M{"$ne": nil}, "updated_at": bson.M{"$lt": staleBefore}},
		bson.M{"$set": bson.M{"locked_by": nil, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim locks: %w", err)
	}

	return int(processing.ModifiedCount + locked.ModifiedCount), nil
}

// MarkProcessing moves a held queued message to processing.
func (s *Store) MarkProcessing(ctx context.Context, id, token string) error {
	return s.updateHeld(ctx, "mark processing", id, token,
		bson.M{"status": bson.M{"$in": bson.A{string(store.StatusQueued), string(store.StatusProcessing)}}},
		bson.M{"status": string(store.StatusProcessing)},
	)
}

// MarkSent records a successful send and releases the lock.
func (s *Store) MarkSent(ctx context.Context, id, token string, sentAt time.Time) error {
	return s.updateHeld(ctx, "mark sent", id, token,
		bson.M{"status": string(store.StatusProcessing)},
		bson.M{
			"status":     string(store.StatusSent),
			"sent_at":    sentAt.UTC(),
			"locked_by":  nil,
			"last_error": "",
		},
	)
}

// MarkFailed records a failed attempt and releases the lock.
func (s *Store) MarkFailed(ctx context.Context, id, token, reason string) error {
	return s.updateHeld(ctx, "mark failed", id, token,
		bson.M{"status": string(store.StatusProcessing)},
		bson.M{
			"status":     string(store.StatusFailed),
			"locked_by":  nil,
			"last_error": reason,
		},
	)
}

// Requeue moves an unlocked failed message back to queued.
func (s *Store) Requeue(ctx context.Context, id string) error {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()

	filter := bson.M{"_id": id, "status": string(store.StatusFailed), "locked_by": nil}
	update := bson.M{"$set": bson.M{
		"status":     string(store.StatusQueued),
		"last_error": "",
		"updated_at": s.now(),
	}}
	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if result.MatchedCount == 0 {
		if exists, err := s.exists(ctx, id); err != nil {
			return err
		} else if !exists {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

// updateHeld applies set to the document when token holds its lock and the
// extra filter matches. updated_at is always refreshed.
func (s *Store) updateHeld(ctx context.Context, op, id, token string, extra, set bson.M) error {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()

	if token == "" {
		return store.ErrLockNotHeld
	}

	filter := bson.M{"_id": id, "locked_by": token}
	for k, v := range extra {
		filter[k] = v
	}
	set["updated_at"] = s.now()

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	return s.classifyMiss(ctx, id, token)
}

// classifyMiss explains why a token-guarded update matched nothing.
func (s *Store) classifyMiss(ctx context.Context, id, token string) error {
	var doc struct {
		LockedBy *string `bson:"locked_by"`
	}
	opts := mongoopts.FindOne().SetProjection(bson.M{"locked_by": 1})
	err := s.collection.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case err != nil:
		return fmt.Errorf("read lock holder: %w", err)
	case doc.LockedBy == nil || *doc.LockedBy != token:
		return store.ErrLockNotHeld
	default:
		return store.ErrInvalidTransition
	}
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": id}, mongoopts.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return n > 0, nil
}
