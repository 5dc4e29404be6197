package mailqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/memory"
)

// fakeClock is a manually advanced time source shared by the service and
// the memory store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingTransport records every payload it is asked to send.
type recordingTransport struct {
	mu       sync.Mutex
	payloads []*payload.Payload
	sendFn   func(ctx context.Context, p *payload.Payload) error
}

func (r *recordingTransport) Send(ctx context.Context, p *payload.Payload) error {
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	fn := r.sendFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	return nil
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingTransport) Last() *payload.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
}

func newTestService(t *testing.T, st store.Store, opts ...Option) *Service {
	t.Helper()
	if st == nil {
		st = memory.New()
	}
	svc, err := New(append([]Option{WithStore(st)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func newTestMessage(t *testing.T, provider store.Provider) *store.Message {
	t.Helper()
	msg := store.NewMessage("Quarterly report", provider,
		store.Address{Email: "reports@example.com", Name: "Reports"}, "test.local")
	msg.Text = store.String("Numbers are up.")
	if err := msg.AddRecipient(store.RecipientTo, store.Address{Email: "jane@example.com", Name: "Jane"}); err != nil {
		t.Fatalf("add recipient: %v", err)
	}
	return msg
}

func enqueue(t *testing.T, svc *Service, msg *store.Message) {
	t.Helper()
	if err := svc.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
}

func mustGet(t *testing.T, svc *Service, id string) *store.Message {
	t.Helper()
	msg, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return msg
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(WithStore(memory.New()), WithTransport("pigeon", &recordingTransport{}))
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, err := New(WithStore(memory.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.Deliver(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Deliver before Connect: got %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !svc.IsConnected() {
		t.Fatal("expected connected")
	}
	if svc.Events() == nil {
		t.Fatal("events should be registered after Connect")
	}
	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect: got %v", err)
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if svc.IsConnected() {
		t.Fatal("expected disconnected")
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, WithMsgIDDomain("mail.example.com"))

	msg := &store.Message{
		Subject:  "Welcome",
		Provider: store.ProviderSMTP,
		From:     store.Address{Email: "hello@example.com"},
		Text:     store.String("hi"),
		Status:   store.StatusSent,
		LockedBy: "stale",
	}
	if err := svc.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.ID == "" || msg.MsgID == "" {
		t.Fatal("expected generated ids")
	}

	got, err := svc.GetSummary(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.Status != store.StatusQueued || got.LockedBy != "" {
		t.Errorf("enqueued message should be queued and unlocked, got %s/%q", got.Status, got.LockedBy)
	}
	if got.Text != nil {
		t.Error("summary read should not load content")
	}
	if want := "@mail.example.com>"; len(got.MsgID) < len(want) || got.MsgID[len(got.MsgID)-len(want):] != want {
		t.Errorf("msgid %q should use the configured domain", got.MsgID)
	}
}

func TestEnqueueInvalid(t *testing.T) {
	svc := newTestService(t, nil)

	tests := []struct {
		name string
		msg  *store.Message
	}{
		{"nil", nil},
		{"no subject", &store.Message{Provider: store.ProviderSMTP, From: store.Address{Email: "a@example.com"}}},
		{"bad provider", &store.Message{Subject: "x", Provider: "fax", From: store.Address{Email: "a@example.com"}}},
		{"no from", &store.Message{Subject: "x", Provider: store.ProviderSMTP}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Enqueue(context.Background(), tc.msg)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}
