package mailqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/memory"
)

func newLockFixture(t *testing.T, clock *fakeClock) (*Locker, *memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	st := memory.New(memory.WithClock(clock.Now))
	if err := st.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	msg := newTestMessage(t, store.ProviderSMTP)
	if err := st.Create(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	return NewLocker(st, WithClock(clock.Now)), st, msg.ID
}

func TestClaimExactlyOneWinner(t *testing.T) {
	locker, _, id := newLockFixture(t, newFakeClock())

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Lease
		denied  int
		other   []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := locker.Claim(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, lease)
			case IsClaimDenied(err):
				denied++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if denied != workers-1 {
		t.Fatalf("expected %d denied claims, got %d", workers-1, denied)
	}
}

func TestReleaseThenClaim(t *testing.T) {
	ctx := context.Background()
	locker, st, id := newLockFixture(t, newFakeClock())

	first, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := locker.Claim(ctx, id); !IsClaimDenied(err) {
		t.Fatalf("claim while held: got %v", err)
	}

	if err := locker.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !first.Released() {
		t.Fatal("lease should report released")
	}
	if err := locker.Release(ctx, first); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}

	second, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("each claim must use a fresh token")
	}

	msg, _ := st.GetSummary(ctx, id)
	if msg.LockedBy != second.Token {
		t.Fatalf("locked_by = %q, want %q", msg.LockedBy, second.Token)
	}
}

func TestReleaseForeignTokenIsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	locker, _, id := newLockFixture(t, newFakeClock())

	mine, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := locker.ForceRelease(ctx, id); err != nil {
		t.Fatalf("force release: %v", err)
	}
	theirs, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}

	err = locker.Release(ctx, mine)
	if !IsLockInvariantViolation(err) {
		t.Fatalf("expected lock invariant violation, got %v", err)
	}
	var lie *LockInvariantError
	if !errors.As(err, &lie) {
		t.Fatalf("expected *LockInvariantError, got %T", err)
	}
	if lie.Want != mine.Token || lie.Got != theirs.Token {
		t.Errorf("invariant error want/got = %s/%s", lie.Want, lie.Got)
	}

	// The other holder is unaffected.
	if err := locker.Release(ctx, theirs); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
}

func TestStaleLockReclaimable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locker, _, id := newLockFixture(t, clock)

	dead, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.Advance(DefaultStaleAfter / 2)
	if _, err := locker.Claim(ctx, id); !IsClaimDenied(err) {
		t.Fatalf("fresh lock must not be taken over, got %v", err)
	}

	clock.Advance(DefaultStaleAfter/2 + time.Second)
	next, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("stale lock should be claimable: %v", err)
	}
	if next.Token == dead.Token {
		t.Fatal("expected a new token")
	}

	if err := locker.Release(ctx, dead); !IsLockInvariantViolation(err) {
		t.Fatalf("release by the previous holder: got %v", err)
	}
}

func TestTouchKeepsLeaseFresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locker, _, id := newLockFixture(t, clock)

	lease, err := locker.Claim(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(DefaultStaleAfter - time.Minute)
		if err := locker.Touch(ctx, lease); err != nil {
			t.Fatalf("touch %d: %v", i, err)
		}
	}
	if _, err := locker.Claim(ctx, id); !IsClaimDenied(err) {
		t.Fatalf("touched lease must stay held, got %v", err)
	}
}

func TestTouchLostLease(t *testing.T) {
	ctx := context.Background()
	locker, _, id := newLockFixture(t, newFakeClock())

	lease, _ := locker.Claim(ctx, id)
	_ = locker.ForceRelease(ctx, id)

	err := locker.Touch(ctx, lease)
	if !IsStaleLock(err) {
		t.Fatalf("expected ErrStaleLock, got %v", err)
	}
	if !lease.Lost() {
		t.Fatal("lease should be marked lost")
	}
	if err := locker.Release(ctx, lease); !IsStaleLock(err) {
		t.Fatalf("release of a lost lease: got %v", err)
	}
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()

	t.Run("releases after success", func(t *testing.T) {
		locker, st, id := newLockFixture(t, newFakeClock())
		var seen string
		err := locker.WithLock(ctx, id, func(ctx context.Context, lease *Lease) error {
			seen = lease.Token
			return nil
		})
		if err != nil {
			t.Fatalf("WithLock: %v", err)
		}
		msg, _ := st.GetSummary(ctx, id)
		if seen == "" || msg.LockedBy != "" {
			t.Fatalf("lock should be released, locked_by=%q", msg.LockedBy)
		}
	})

	t.Run("releases after error", func(t *testing.T) {
		locker, st, id := newLockFixture(t, newFakeClock())
		boom := errors.New("boom")
		err := locker.WithLock(ctx, id, func(context.Context, *Lease) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}
		msg, _ := st.GetSummary(ctx, id)
		if msg.LockedBy != "" {
			t.Fatal("lock should be released")
		}
	})

	t.Run("releases after panic", func(t *testing.T) {
		locker, st, id := newLockFixture(t, newFakeClock())
		func() {
			defer func() {
				if r := recover(); r != "kaboom" {
					t.Fatalf("expected re-panic, got %v", r)
				}
			}()
			_ = locker.WithLock(ctx, id, func(context.Context, *Lease) error { panic("kaboom") })
		}()
		msg, _ := st.GetSummary(ctx, id)
		if msg.LockedBy != "" {
			t.Fatal("lock should be released after panic")
		}
	})

	t.Run("denied does not run fn", func(t *testing.T) {
		locker, _, id := newLockFixture(t, newFakeClock())
		if _, err := locker.Claim(ctx, id); err != nil {
			t.Fatal(err)
		}
		called := false
		err := locker.WithLock(ctx, id, func(context.Context, *Lease) error {
			called = true
			return nil
		})
		if !IsClaimDenied(err) || called {
			t.Fatalf("expected denied without call, got %v called=%v", err, called)
		}
	})
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	locker, st, id := newLockFixture(t, clock)

	lease, _ := locker.Claim(ctx, id)
	if err := st.MarkProcessing(ctx, id, lease.Token); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	if n, _ := locker.ReclaimStale(ctx); n != 0 {
		t.Fatalf("fresh lock reclaimed: %d", n)
	}

	clock.Advance(DefaultStaleAfter + time.Second)
	n, err := locker.ReclaimStale(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	msg, _ := st.GetSummary(ctx, id)
	if msg.Status != store.StatusQueued || msg.LockedBy != "" {
		t.Fatalf("reclaimed message should be queued and unlocked, got %s/%q", msg.Status, msg.LockedBy)
	}
}

// foreignClaimStore reports a holder other than the caller's token.
type foreignClaimStore struct {
	*memory.Store
}

func (s foreignClaimStore) Claim(ctx context.Context, id, token string, staleBefore time.Time) (string, error) {
	if _, err := s.Store.Claim(ctx, id, token, staleBefore); err != nil {
		return "", err
	}
	return "00000000-0000-0000-0000-00000000beef", nil
}

func TestClaimForeignHolderIsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	st := foreignClaimStore{memory.New()}
	_ = st.Connect(ctx)
	msg := newTestMessage(t, store.ProviderSMTP)
	_ = st.Create(ctx, msg)

	_, err := NewLocker(st).Claim(ctx, msg.ID)
	var lie *LockInvariantError
	if !errors.As(err, &lie) {
		t.Fatalf("expected *LockInvariantError, got %v", err)
	}
	if lie.Op != "claim" || lie.Got == lie.Want {
		t.Errorf("unexpected error fields: %+v", lie)
	}
}

func TestClaimMissingMessage(t *testing.T) {
	locker, _, _ := newLockFixture(t, newFakeClock())
	_, err := locker.Claim(context.Background(), "5b0a3f5e-7f57-4d43-9a54-000000000000")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
