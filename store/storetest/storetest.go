// Package storetest checks the lock and status protocol every store.Store
// implementation must share. Backend packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
)

// Open returns a connected, empty store. It is called once per subtest.
type Open func(t *testing.T) store.Store

// Run exercises the claim compare-and-swap, token-guarded writes and the
// classification of writes that match no row.
func Run(t *testing.T, open Open) {
	t.Run("Claim", func(t *testing.T) { testClaim(t, open(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, open(t)) })
	t.Run("HeldWriteMiss", func(t *testing.T) { testHeldWriteMiss(t, open(t)) })
	t.Run("TerminalWrites", func(t *testing.T) { testTerminalWrites(t, open(t)) })
	t.Run("ReclaimStale", func(t *testing.T) { testReclaimStale(t, open(t)) })
}

// Create stores a queued message with one recipient.
func Create(t *testing.T, s store.Store) *store.Message {
	t.Helper()
	m := store.NewMessage("Status update", store.ProviderSMTP, store.Address{Email: "ops@example.com"}, "example.com")
	m.Text = store.String("All systems nominal.")
	if err := m.AddRecipient(store.RecipientTo, store.Address{Email: "sre@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("create: %v", err)
	}
	return m
}

func fresh() time.Time { return time.Now().Add(-time.Hour) }

func expired() time.Time { return time.Now().Add(time.Hour) }

func testClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Create(t, s)
	tokA, tokB := uuid.NewString(), uuid.NewString()

	holder, err := s.Claim(ctx, m.ID, tokA, fresh())
	if err != nil || holder != tokA {
		t.Fatalf("claim: holder=%q err=%v", holder, err)
	}
	if _, err := s.Claim(ctx, m.ID, tokB, fresh()); !errors.Is(err, store.ErrClaimDenied) {
		t.Fatalf("second claim: expected ErrClaimDenied, got %v", err)
	}
	if err := s.Release(ctx, m.ID, tokB); !errors.Is(err, store.ErrLockNotHeld) {
		t.Fatalf("foreign release: expected ErrLockNotHeld, got %v", err)
	}
	if err := s.Touch(ctx, m.ID, tokB); !errors.Is(err, store.ErrLockNotHeld) {
		t.Fatalf("foreign touch: expected ErrLockNotHeld, got %v", err)
	}
	if err := s.Touch(ctx, m.ID, tokA); err != nil {
		t.Fatalf("touch: %v", err)
	}

	holder, err = s.Claim(ctx, m.ID, tokB, expired())
	if err != nil || holder != tokB {
		t.Fatalf("stale takeover: holder=%q err=%v", holder, err)
	}
	if err := s.Touch(ctx, m.ID, tokA); !errors.Is(err, store.ErrLockNotHeld) {
		t.Fatalf("touch after takeover: expected ErrLockNotHeld, got %v", err)
	}

	if err := s.Release(ctx, m.ID, tokB); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := s.GetSummary(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LockedBy != "" {
		t.Fatalf("release left locked_by = %q", got.LockedBy)
	}

	if _, err := s.Claim(ctx, uuid.NewString(), tokA, fresh()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("claim of unknown id: expected ErrNotFound, got %v", err)
	}
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Create(t, s)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		denied  int
	)
	staleBefore := fresh()
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := uuid.NewString()
			holder, err := s.Claim(ctx, m.ID, token, staleBefore)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && holder == token:
				winners = append(winners, token)
			case errors.Is(err, store.ErrClaimDenied):
				denied++
			default:
				t.Errorf("claim: holder=%q err=%v", holder, err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || denied != workers-1 {
		t.Fatalf("winners=%d denied=%d, want 1 and %d", len(winners), denied, workers-1)
	}
	got, err := s.GetSummary(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LockedBy != winners[0] {
		t.Fatalf("locked_by = %q, want %q", got.LockedBy, winners[0])
	}
}

func testHeldWriteMiss(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Create(t, s)
	token, foreign := uuid.NewString(), uuid.NewString()

	tests := []struct {
		name  string
		setup func(t *testing.T)
		write func() error
		want  error
	}{
		{
			name:  "unlocked",
			write: func() error { return s.MarkProcessing(ctx, m.ID, token) },
			want:  store.ErrLockNotHeld,
		},
		{
			name: "held, wrong status",
			setup: func(t *testing.T) {
				if _, err := s.Claim(ctx, m.ID, token, fresh()); err != nil {
					t.Fatal(err)
				}
			},
			write: func() error { return s.MarkSent(ctx, m.ID, token, time.Now()) },
			want:  store.ErrInvalidTransition,
		},
		{
			name:  "foreign token",
			write: func() error { return s.MarkFailed(ctx, m.ID, foreign, "boom") },
			want:  store.ErrLockNotHeld,
		},
		{
			name:  "unknown id",
			write: func() error { return s.Touch(ctx, uuid.NewString(), token) },
			want:  store.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup(t)
			}
			if err := tt.write(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	got, err := s.GetSummary(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued || got.LockedBy != token {
		t.Fatalf("rejected writes changed the row: %s/%q", got.Status, got.LockedBy)
	}
}

func testTerminalWrites(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("sent", func(t *testing.T) {
		m := Create(t, s)
		token := claimProcessing(t, s, m.ID)
		sentAt := time.Now().UTC()
		if err := s.MarkSent(ctx, m.ID, token, sentAt); err != nil {
			t.Fatalf("mark sent: %v", err)
		}
		got, err := s.GetSummary(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != store.StatusSent || got.LockedBy != "" || got.SentAt == nil {
			t.Fatalf("after MarkSent: %s/%q sent_at=%v", got.Status, got.LockedBy, got.SentAt)
		}
		if !got.SentAt.Truncate(time.Millisecond).Equal(sentAt.Truncate(time.Millisecond)) {
			t.Fatalf("sent_at = %v, want %v", got.SentAt, sentAt)
		}
		// The lock is gone, so a repeat of the same write is refused.
		if err := s.MarkSent(ctx, m.ID, token, sentAt); !errors.Is(err, store.ErrLockNotHeld) {
			t.Fatalf("repeated MarkSent: expected ErrLockNotHeld, got %v", err)
		}
	})

	t.Run("failed then requeued", func(t *testing.T) {
		m := Create(t, s)
		token := claimProcessing(t, s, m.ID)
		if err := s.MarkFailed(ctx, m.ID, token, "550 mailbox unavailable"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		got, err := s.GetSummary(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != store.StatusFailed || got.LockedBy != "" || got.LastError != "550 mailbox unavailable" {
			t.Fatalf("after MarkFailed: %s/%q %q", got.Status, got.LockedBy, got.LastError)
		}
		if err := s.Requeue(ctx, m.ID); err != nil {
			t.Fatalf("requeue: %v", err)
		}
		if err := s.Requeue(ctx, m.ID); !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("requeue of queued: expected ErrInvalidTransition, got %v", err)
		}
	})
}

func testReclaimStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	held := Create(t, s)
	idle := Create(t, s)
	claimProcessing(t, s, held.ID)

	if n, err := s.ReclaimStale(ctx, fresh()); err != nil || n != 0 {
		t.Fatalf("reclaim of live lock: n=%d err=%v", n, err)
	}
	n, err := s.ReclaimStale(ctx, expired())
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}

	got, err := s.GetSummary(ctx, held.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusQueued || got.LockedBy != "" {
		t.Fatalf("reclaimed = %s/%q", got.Status, got.LockedBy)
	}
	if got, _ := s.GetSummary(ctx, idle.ID); got == nil || got.Status != store.StatusQueued {
		t.Fatalf("idle message changed: %+v", got)
	}
}

// claimProcessing claims id and moves it to processing.
func claimProcessing(t *testing.T, s store.Store, id string) string {
	t.Helper()
	ctx := context.Background()
	token := uuid.NewString()
	if _, err := s.Claim(ctx, id, token, fresh()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkProcessing(ctx, id, token); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	return token
}
