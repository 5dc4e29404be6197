package mailqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/memory"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkersDrainQueueWithoutDuplicates(t *testing.T) {
	rt := &recordingTransport{}
	svc := newTestService(t, nil, WithTransport(store.ProviderSMTP, rt))

	const total = 25
	ids := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		msg := newTestMessage(t, store.ProviderSMTP)
		enqueue(t, svc, msg)
		ids[msg.ID] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := []*Worker{
		NewWorker(svc, WithBatchSize(5), WithPollInterval(10*time.Millisecond), WithConcurrency(3)),
		NewWorker(svc, WithBatchSize(5), WithPollInterval(10*time.Millisecond), WithConcurrency(3)),
	}
	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.Run(ctx)
		}(i, w)
	}

	waitFor(t, 5*time.Second, func() bool { return rt.Calls() >= total })
	// Give any duplicate send a chance to show up before stopping.
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: %v", i, err)
		}
	}
	if rt.Calls() != total {
		t.Fatalf("transport calls = %d, want %d", rt.Calls(), total)
	}

	seen := make(map[string]bool)
	rt.mu.Lock()
	for _, p := range rt.payloads {
		if seen[p.MessageID] {
			t.Errorf("message %s sent twice", p.MessageID)
		}
		seen[p.MessageID] = true
	}
	rt.mu.Unlock()

	var sent int64
	for _, w := range workers {
		sent += w.Stats().Sent
	}
	if sent != total {
		t.Errorf("workers counted %d sent, want %d", sent, total)
	}

	for id := range ids {
		if got := mustGet(t, svc, id); got.Status != store.StatusSent || got.LockedBy != "" {
			t.Errorf("message %s: %s/%q", id, got.Status, got.LockedBy)
		}
	}
}

func TestWorkerPoll(t *testing.T) {
	ctx := context.Background()
	rt := &recordingTransport{}
	svc := newTestService(t, nil, WithTransport(store.ProviderSMTP, rt))

	for i := 0; i < 3; i++ {
		enqueue(t, svc, newTestMessage(t, store.ProviderSMTP))
	}
	held := newTestMessage(t, store.ProviderSMTP)
	enqueue(t, svc, held)
	if _, err := svc.Locker().Claim(ctx, held.ID); err != nil {
		t.Fatal(err)
	}

	w := NewWorker(svc, WithBatchSize(10))
	listed, progressed, err := w.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if listed != 3 || progressed != 3 {
		t.Fatalf("listed=%d progressed=%d, want 3/3", listed, progressed)
	}

	listed, progressed, err = w.Poll(ctx)
	if err != nil || listed != 0 || progressed != 0 {
		t.Fatalf("second poll: listed=%d progressed=%d err=%v", listed, progressed, err)
	}
}

func TestWorkerStopsOnInvariantViolation(t *testing.T) {
	rt := &recordingTransport{}
	svc := newTestService(t, foreignClaimStore{memory.New()}, WithTransport(store.ProviderSMTP, rt))
	enqueue(t, svc, newTestMessage(t, store.ProviderSMTP))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := NewWorker(svc, WithPollInterval(10*time.Millisecond)).Run(ctx)
	if !IsLockInvariantViolation(err) {
		t.Fatalf("expected worker to stop with an invariant violation, got %v", err)
	}
	if rt.Calls() != 0 {
		t.Error("nothing may be sent under a broken lock")
	}
}

func TestWorkerReclaimsStaleThenDelivers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := memory.New(memory.WithClock(clock.Now))
	rt := &recordingTransport{}
	svc := newTestService(t, st, WithClock(clock.Now), WithTransport(store.ProviderSMTP, rt))

	msg := newTestMessage(t, store.ProviderSMTP)
	enqueue(t, svc, msg)

	// A worker claims, starts processing and dies.
	lease, err := svc.Locker().Claim(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.MarkProcessing(ctx, msg.ID, lease.Token); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultStaleAfter + time.Minute)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := NewWorker(svc, WithPollInterval(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	waitFor(t, 5*time.Second, func() bool { return rt.Calls() == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if w.Stats().Reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", w.Stats().Reclaimed)
	}
	if got := mustGet(t, svc, msg.ID); got.Status != store.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestWorkerCountsFailures(t *testing.T) {
	svc := newTestService(t, nil)
	enqueue(t, svc, newTestMessage(t, store.ProviderSES))

	w := NewWorker(svc)
	if _, _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if s := w.Stats(); s.Failed != 1 || s.Sent != 0 {
		t.Errorf("stats = %+v", s)
	}
}
