package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
)

// Lease is a held claim on one message. The token is the value written to
// locked_by; every guarded write carries it.
type Lease struct {
	MessageID  string
	Token      string
	AcquiredAt time.Time

	released atomic.Bool
	lost     atomic.Bool
}

// Released reports whether the lease no longer holds the row, either
// because it was released or because a terminal transition cleared it.
func (l *Lease) Released() bool { return l.released.Load() }

// Lost reports whether a heartbeat found the row taken by someone else.
func (l *Lease) Lost() bool { return l.lost.Load() }

// Locker hands out leases on message rows. It holds no state of its own:
// the row is the lock.
type Locker struct {
	store      store.Locker
	reader     store.Reader
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewLocker creates a Locker over s. Only the lock options (WithStaleAfter,
// WithClock, WithLogger) apply.
func NewLocker(s store.Store, opts ...Option) *Locker {
	o := newOptions(opts...)
	return &Locker{
		store:      s,
		reader:     s,
		staleAfter: o.staleAfter,
		now:        o.clock,
		logger:     o.logger,
	}
}

// StaleAfter returns the staleness window.
func (l *Locker) StaleAfter() time.Duration { return l.staleAfter }

// StaleBefore returns the cutoff: locks last touched before it are stale.
func (l *Locker) StaleBefore() time.Time {
	return l.now().Add(-l.staleAfter)
}

// Claim takes the lock on id with a fresh token. It returns ErrClaimDenied
// when another live holder owns the row.
func (l *Locker) Claim(ctx context.Context, id string) (*Lease, error) {
	token := uuid.NewString()
	holder, err := l.store.Claim(ctx, id, token, l.StaleBefore())
	if err != nil {
		if errors.Is(err, store.ErrClaimDenied) {
			return nil, ErrClaimDenied
		}
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if holder != token {
		return nil, &LockInvariantError{MessageID: id, Op: "claim", Want: token, Got: holder}
	}
	return &Lease{MessageID: id, Token: token, AcquiredAt: l.now()}, nil
}

// Release gives the lease back. Releasing twice is a no-op. If the row is
// held by a different token the result is a *LockInvariantError.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return nil
	}
	err := l.store.Release(ctx, lease.MessageID, lease.Token)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrLockNotHeld) {
		if lease.Lost() {
			return fmt.Errorf("release %s: %w", lease.MessageID, ErrStaleLock)
		}
		return l.invariant(ctx, "release", lease)
	}
	// The row is still ours; allow another attempt.
	lease.released.Store(false)
	return fmt.Errorf("release %s: %w", lease.MessageID, err)
}

// Touch refreshes the lease. A lease that was taken over returns
// ErrStaleLock and is marked lost.
func (l *Locker) Touch(ctx context.Context, lease *Lease) error {
	err := l.store.Touch(ctx, lease.MessageID, lease.Token)
	if errors.Is(err, store.ErrLockNotHeld) {
		lease.lost.Store(true)
		return fmt.Errorf("touch %s: %w", lease.MessageID, ErrStaleLock)
	}
	if err != nil {
		return fmt.Errorf("touch %s: %w", lease.MessageID, err)
	}
	return nil
}

// WithLock claims id, runs fn, and releases the lease on every exit path,
// panics included. Claim errors, ErrClaimDenied among them, are returned
// without calling fn.
func (l *Locker) WithLock(ctx context.Context, id string, fn func(ctx context.Context, lease *Lease) error) (err error) {
	lease, err := l.Claim(ctx, id)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		relErr := l.Release(context.WithoutCancel(ctx), lease)
		if r != nil {
			if relErr != nil {
				l.logger.Error("release after panic failed", "message_id", id, "error", relErr)
			}
			panic(r)
		}
		if relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()

	return fn(ctx, lease)
}

// ReclaimStale clears every lock older than the staleness window and
// requeues stale processing messages.
func (l *Locker) ReclaimStale(ctx context.Context) (int, error) {
	n, err := l.store.ReclaimStale(ctx, l.StaleBefore())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		l.logger.Warn("reclaimed stale locks", "count", n, "stale_after", l.staleAfter)
	}
	return n, nil
}

// ForceRelease clears the lock on id whoever holds it. Administrative use
// only; a worker still sending will fail its next guarded write.
func (l *Locker) ForceRelease(ctx context.Context, id string) error {
	if err := l.store.ForceRelease(ctx, id); err != nil {
		return fmt.Errorf("force release %s: %w", id, err)
	}
	l.logger.Warn("lock force released", "message_id", id)
	return nil
}

// invariant builds the error for a guarded write that found a foreign
// holder, reading the row for diagnostics.
func (l *Locker) invariant(ctx context.Context, op string, lease *Lease) error {
	lease.released.Store(true)
	e := &LockInvariantError{MessageID: lease.MessageID, Op: op, Want: lease.Token}
	if msg, err := l.reader.GetSummary(ctx, lease.MessageID); err == nil {
		e.Got = msg.LockedBy
	}
	l.logger.Error("lock invariant violated",
		"message_id", e.MessageID, "op", op, "want", e.Want, "got", e.Got)
	return e
}
