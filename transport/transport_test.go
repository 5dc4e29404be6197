package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/store"
)

func TestRouter(t *testing.T) {
	r := NewRouter()

	sent := 0
	fn := Func(func(context.Context, *payload.Payload) error {
		sent++
		return nil
	})

	if err := r.Register(store.ProviderSMTP, fn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("carrier-pigeon", fn); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if err := r.Register(store.ProviderSES, nil); err == nil {
		t.Fatal("expected error for nil transport")
	}

	tr, err := r.For(store.ProviderSMTP)
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	if err := tr.Send(context.Background(), &payload.Payload{}); err != nil || sent != 1 {
		t.Fatalf("Send: err=%v sent=%d", err, sent)
	}

	if _, err := r.For(store.ProviderSendGrid); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}

	if got := r.Providers(); len(got) != 1 || got[0] != store.ProviderSMTP {
		t.Fatalf("Providers = %v", got)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("550 mailbox unavailable")
	if IsPermanent(base) {
		t.Fatal("plain errors are not permanent")
	}
	p := Permanent(base)
	if !IsPermanent(p) {
		t.Fatal("expected permanent")
	}
	if !errors.Is(p, base) {
		t.Fatal("Permanent must keep the cause")
	}
	if IsPermanent(nil) {
		t.Fatal("nil is not permanent")
	}
}
