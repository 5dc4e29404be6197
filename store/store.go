// Package store provides interfaces and types for outbound message storage.
// Implementations are in store/mongo, store/memory, and store/postgres subpackages.
//
// # Architectural Principle: The Row Is The Lock
//
// Delivery coordination needs no external lock service. The locked_by column
// of a message row is the lock, and every operation that touches it is a
// single conditional statement evaluated atomically by the database:
//
//  1. Claim: compare-and-swap on locked_by. PostgreSQL uses
//     UPDATE ... WHERE locked_by IS NULL ... RETURNING, MongoDB uses
//     findOneAndUpdate with the same predicate. Two workers can never both
//     observe an unlocked row and both win.
//
//  2. Token-guarded writes: status transitions, heartbeats and release carry
//     the holder token in the WHERE clause. A write with a stale or foreign
//     token affects zero rows and surfaces as ErrLockNotHeld.
//
//  3. Staleness: a claim also succeeds when the row has not been touched
//     since staleBefore. A crashed worker therefore blocks a message for at
//     most one staleness window.
//
// Example - claiming a message:
//
//	// WRONG: read-then-write races between workers
//	msg, _ := s.Get(ctx, id)
//	if msg.LockedBy == "" { s.SetLockedBy(ctx, id, token) }
//
//	// CORRECT: one atomic statement
//	holder, err := s.Claim(ctx, id, token, time.Now().Add(-stale))
//	if errors.Is(err, store.ErrClaimDenied) { return } // someone else owns it
package store

import (
	"context"
	"time"
)

// Store is the storage interface for outbound messages.
//
// All operations must be safe for concurrent use. Implementations must use
// database-level atomicity rather than in-process locking when they are
// shared between processes. See package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	Creator
	Reader
	Locker
	Transitioner
	Searcher
}

// Creator persists new messages.
type Creator interface {
	// Create inserts a message together with its recipients and attachment
	// metadata. The message must carry an ID and MsgID. Returns
	// ErrDuplicateEntry when either is already taken.
	Create(ctx context.Context, msg *Message) error
}

// Reader loads messages.
//
// Content columns (text, html) are only read by Get. GetSummary and
// ListClaimable never touch them.
type Reader interface {
	// Get returns the full message including content, recipients and
	// attachment metadata.
	Get(ctx context.Context, id string) (*Message, error)

	// GetSummary returns the message without content.
	GetSummary(ctx context.Context, id string) (*Message, error)

	// ListClaimable returns up to limit ids of queued messages that are
	// unlocked, plus processing messages whose lock is older than staleBefore.
	// Oldest first.
	ListClaimable(ctx context.Context, limit int, staleBefore time.Time) ([]string, error)
}

// Locker implements the lock protocol on the message row.
type Locker interface {
	// Claim sets locked_by to token when the row is unlocked or its lock is
	// older than staleBefore, in one atomic statement, and returns the value
	// of locked_by after the update. Returns ErrClaimDenied when another
	// holder owns the row and ErrNotFound when the row does not exist.
	Claim(ctx context.Context, id, token string, staleBefore time.Time) (string, error)

	// Release clears locked_by if and only if it equals token.
	// Returns ErrLockNotHeld otherwise.
	Release(ctx context.Context, id, token string) error

	// ForceRelease clears locked_by regardless of holder.
	// This is an administrative override and is never used by workers.
	ForceRelease(ctx context.Context, id string) error

	// Touch refreshes updated_at while token holds the lock.
	Touch(ctx context.Context, id, token string) error

	// ReclaimStale clears every lock older than staleBefore and moves those
	// processing messages back to queued. Returns the number reclaimed.
	ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error)
}

// Transitioner applies delivery status transitions.
// Every transition except Requeue requires the holder token.
type Transitioner interface {
	// MarkProcessing moves a queued (or reclaimed processing) message to processing.
	MarkProcessing(ctx context.Context, id, token string) error

	// MarkSent moves processing to sent, sets sent_at and clears locked_by.
	MarkSent(ctx context.Context, id, token string, sentAt time.Time) error

	// MarkFailed moves processing to failed, records reason and clears locked_by.
	// sent_at is left untouched.
	MarkFailed(ctx context.Context, id, token, reason string) error

	// Requeue moves an unlocked failed message back to queued.
	Requeue(ctx context.Context, id string) error
}

// Searcher serves the reporting query over delivered messages.
type Searcher interface {
	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
}
