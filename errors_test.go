package mailqueue

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/transport"
)

func TestLockInvariantError(t *testing.T) {
	t.Run("message names both tokens", func(t *testing.T) {
		err := &LockInvariantError{MessageID: "m1", Op: "mark sent", Want: "tok-a", Got: "tok-b"}
		for _, part := range []string{"mark sent", "m1", "tok-a", "tok-b"} {
			if !strings.Contains(err.Error(), part) {
				t.Errorf("expected %q in %q", part, err.Error())
			}
		}
	})

	t.Run("unknown holder", func(t *testing.T) {
		err := &LockInvariantError{MessageID: "m1", Op: "release", Want: "tok-a"}
		if !strings.Contains(err.Error(), "not held") {
			t.Errorf("unexpected message %q", err.Error())
		}
	})

	t.Run("matches sentinel through wrapping", func(t *testing.T) {
		err := fmt.Errorf("deliver: %w", &LockInvariantError{MessageID: "m1"})
		if !IsLockInvariantViolation(err) {
			t.Error("expected IsLockInvariantViolation")
		}
		if IsStaleLock(err) {
			t.Error("invariant violation is not a stale lock")
		}
	})
}

func TestTransportError(t *testing.T) {
	cause := errors.New("421 service not available")

	err := &TransportError{Provider: store.ProviderSMTP, Cause: cause}
	if !IsTransportError(err) {
		t.Error("expected IsTransportError")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be unwrapped")
	}
	if !err.Retryable() {
		t.Error("plain causes are retryable")
	}

	perm := &TransportError{Provider: store.ProviderSES, Cause: transport.Permanent(cause)}
	if perm.Retryable() {
		t.Error("permanent causes are not retryable")
	}
	if !transport.IsPermanent(perm) {
		t.Error("transport.IsPermanent should see through TransportError")
	}
	if !errors.Is(perm, cause) {
		t.Error("permanent marking must keep the cause")
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"claim denied", ErrClaimDenied, IsClaimDenied},
		{"store claim denied", store.ErrClaimDenied, IsClaimDenied},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), IsNotFound},
		{"already sent", fmt.Errorf("x: %w", ErrAlreadySent), IsAlreadySent},
		{"stale lock", fmt.Errorf("x: %w", ErrStaleLock), IsStaleLock},
		{"assembly", &payload.AssemblyError{MessageID: "m1", Err: payload.ErrNoContent}, IsAssemblyError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(tc.err) {
				t.Errorf("helper returned false for %v", tc.err)
			}
			if tc.check(errors.New("unrelated")) {
				t.Error("helper returned true for an unrelated error")
			}
		})
	}

	if !errors.Is(ErrNotFound, store.ErrNotFound) {
		t.Error("ErrNotFound should wrap the store sentinel")
	}
	if !errors.Is(&payload.AssemblyError{}, ErrAssembly) {
		t.Error("AssemblyError should match ErrAssembly")
	}
}

func TestStoreRetryable(t *testing.T) {
	for _, err := range []error{
		store.ErrNotFound, store.ErrInvalidID, store.ErrLockNotHeld,
		store.ErrInvalidTransition, store.ErrNotConnected,
		fmt.Errorf("mark sent: %w", store.ErrLockNotHeld),
	} {
		if storeRetryable(err) {
			t.Errorf("%v should not be retried", err)
		}
	}
	if !storeRetryable(errors.New("connection refused")) {
		t.Error("connection errors should be retried")
	}
}
