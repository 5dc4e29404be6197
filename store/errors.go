package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a message cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry is returned when a message id or msgid already exists.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrDuplicateRecipient is returned when the same (type, email) pair is added twice.
	ErrDuplicateRecipient = errors.New("store: duplicate recipient")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrClaimDenied is returned by Claim when another holder owns the row.
	// It is an expected outcome, not a failure.
	ErrClaimDenied = errors.New("store: claim denied")

	// ErrLockNotHeld is returned by token-guarded writes when the token does
	// not match locked_by.
	ErrLockNotHeld = errors.New("store: lock not held")

	// ErrInvalidTransition is returned when the current status does not allow
	// the requested transition.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrInvalidQuery is returned for malformed search queries.
	ErrInvalidQuery = errors.New("store: invalid query")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func IsClaimDenied(err error) bool {
	return errors.Is(err, ErrClaimDenied)
}

func IsLockNotHeld(err error) bool {
	return errors.Is(err, ErrLockNotHeld)
}
