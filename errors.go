package mailqueue

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/retry"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/transport"
)

// Sentinel errors for the mailqueue package.
// Use errors.Is() to check for these errors.
//
// Errors that wrap a store sentinel match both, so
// errors.Is(err, store.ErrNotFound) works on ErrNotFound as well.
var (
	// ErrClaimDenied is returned when another worker holds the message.
	// It is an expected outcome: the caller skips the message.
	ErrClaimDenied = fmt.Errorf("mailqueue: %w", store.ErrClaimDenied)

	// ErrLockInvariantViolation matches every *LockInvariantError.
	ErrLockInvariantViolation = errors.New("mailqueue: lock invariant violated")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("mailqueue: transport failed")

	// ErrStaleLock is returned when a lease went stale while it was in use
	// and the message was reclaimed by someone else.
	ErrStaleLock = errors.New("mailqueue: lease went stale")

	// ErrAlreadySent is returned when delivery is requested for a sent message.
	ErrAlreadySent = errors.New("mailqueue: message already sent")

	// ErrTerminalState is returned when delivery is requested for a failed
	// message. Requeue it first.
	ErrTerminalState = errors.New("mailqueue: message is in a terminal state")

	// ErrInvalidMessage is returned by Enqueue for messages that cannot be stored.
	ErrInvalidMessage = errors.New("mailqueue: invalid message")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("mailqueue: store is required")

	// ErrAttachmentStoreNotConfigured is returned by Attach without an attachment store.
	ErrAttachmentStoreNotConfigured = errors.New("mailqueue: attachment store not configured")

	ErrNotFound         = fmt.Errorf("mailqueue: %w", store.ErrNotFound)
	ErrNotConnected     = fmt.Errorf("mailqueue: %w", store.ErrNotConnected)
	ErrAlreadyConnected = fmt.Errorf("mailqueue: %w", store.ErrAlreadyConnected)

	// Re-exported so callers need not import the subpackages.
	ErrNoTransport = transport.ErrNoTransport
	ErrAssembly    = payload.ErrAssembly
)

// LockInvariantError means the lock row did not hold the value this process
// expected: a claim returned a foreign holder, or a token-guarded write found
// someone else's token. It indicates a bug or a clock problem and is fatal
// for the worker that sees it.
type LockInvariantError struct {
	MessageID string
	Op        string

	// Want is the token this process holds. Got is what the row held, when
	// it could be read; empty means unlocked or unknown.
	Want string
	Got  string
}

func (e *LockInvariantError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("mailqueue: %s %s: lock not held by %s", e.Op, e.MessageID, e.Want)
	}
	return fmt.Sprintf("mailqueue: %s %s: lock held by %s, want %s", e.Op, e.MessageID, e.Got, e.Want)
}

// Is matches ErrLockInvariantViolation.
func (e *LockInvariantError) Is(target error) bool {
	return target == ErrLockInvariantViolation
}

// TransportError wraps a failure reported by a transport.
type TransportError struct {
	Provider store.Provider
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mailqueue: transport %s: %v", e.Provider, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Retryable reports whether resending could succeed. Causes marked
// transport.Permanent are not retryable.
func (e *TransportError) Retryable() bool {
	return !transport.IsPermanent(e.Cause)
}

// Error checking helpers.

func IsClaimDenied(err error) bool {
	return errors.Is(err, ErrClaimDenied) || errors.Is(err, store.ErrClaimDenied)
}

func IsLockInvariantViolation(err error) bool {
	return errors.Is(err, ErrLockInvariantViolation)
}

func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

func IsAssemblyError(err error) bool {
	return payload.IsAssemblyError(err)
}

func IsStaleLock(err error) bool {
	return errors.Is(err, ErrStaleLock)
}

func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func IsAlreadySent(err error) bool {
	return errors.Is(err, ErrAlreadySent)
}

// storeRetryable is the retry predicate for store writes. Lock and state
// conflicts are answers, not outages.
func storeRetryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, store.ErrLockNotHeld),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrNotConnected):
		return false
	}
	return retry.DefaultIsRetryable(err)
}
