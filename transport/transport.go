// Package transport defines how an assembled payload leaves the process
// and routes each message provider to a concrete sender.
//
// Transports return plain errors. A failure that will not go away on retry
// (a 5xx reply, a rejected sender) is wrapped with retry.MarkNotRetryable
// so callers can tell it apart from a timeout or throttling.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/retry"
	"github.com/rbaliyan/mailqueue/store"
)

// ErrNoTransport is returned when no transport is registered for a provider.
var ErrNoTransport = errors.New("transport: no transport for provider")

// Transport hands a payload to a mail system.
type Transport interface {
	Send(ctx context.Context, p *payload.Payload) error
	Name() string
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, p *payload.Payload) error

// Send calls f.
func (f Func) Send(ctx context.Context, p *payload.Payload) error { return f(ctx, p) }

// Name returns "func".
func (Func) Name() string { return "func" }

// Router maps providers to transports. Safe for concurrent use.
type Router struct {
	mu    sync.RWMutex
	byKey map[store.Provider]Transport
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{byKey: make(map[store.Provider]Transport)}
}

// Register binds provider to t, replacing any previous binding.
func (r *Router) Register(provider store.Provider, t Transport) error {
	if !provider.Valid() {
		return fmt.Errorf("transport: unknown provider %q", provider)
	}
	if t == nil {
		return fmt.Errorf("transport: nil transport for %q", provider)
	}
	r.mu.Lock()
	r.byKey[provider] = t
	r.mu.Unlock()
	return nil
}

// For returns the transport bound to provider.
func (r *Router) For(provider store.Provider) (Transport, error) {
	r.mu.RLock()
	t, ok := r.byKey[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoTransport, provider)
	}
	return t, nil
}

// Providers lists the bound providers in name order.
func (r *Router) Providers() []store.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Provider, 0, len(r.byKey))
	for p := range r.byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Permanent marks err as a failure that resending will not fix.
func Permanent(err error) error {
	return retry.MarkNotRetryable(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}
