package payload

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrAssembly matches every *AssemblyError.
	ErrAssembly = errors.New("payload: assembly failed")

	ErrNoContent          = errors.New("payload: message has neither text nor html")
	ErrNoSender           = errors.New("payload: message has no from address")
	ErrNoRecipients       = errors.New("payload: message has no recipients")
	ErrAttachmentLoad     = errors.New("payload: attachment could not be loaded")
	ErrInvalidContentType = errors.New("payload: invalid attachment content type")
)

// AssemblyError reports why a message could not be turned into a payload.
// These are permanent for the message's current state.
type AssemblyError struct {
	MessageID string
	Err       error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble %s: %v", e.MessageID, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAssembly) true for any AssemblyError.
func (e *AssemblyError) Is(target error) bool { return target == ErrAssembly }

// IsAssemblyError reports whether err is or wraps an AssemblyError.
func IsAssemblyError(err error) bool {
	var ae *AssemblyError
	return errors.As(err, &ae)
}

func fail(id string, err error) error {
	return &AssemblyError{MessageID: id, Err: err}
}

func failf(id string, sentinel error, format string, args ...any) error {
	return &AssemblyError{MessageID: id, Err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}
