package store

import "fmt"

// Status is the delivery state of a message.
type Status string

// Delivery states. queued -> processing -> sent | failed.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed without Requeue.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("store: unknown status %q", v)
	}
	return s, nil
}

// Provider selects the outbound transport for a message.
type Provider string

// Known providers.
const (
	ProviderSendGrid Provider = "sendgrid"
	ProviderSMTP     Provider = "smtp"
	ProviderSES      Provider = "ses"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderSendGrid, ProviderSMTP, ProviderSES:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }

// ParseProvider converts a stored value into a Provider.
func ParseProvider(v string) (Provider, error) {
	p := Provider(v)
	if !p.Valid() {
		return "", fmt.Errorf("store: unknown provider %q", v)
	}
	return p, nil
}

// RecipientType is the header a recipient appears in.
type RecipientType string

// Recipient roles.
const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// Valid reports whether t is a known recipient type.
func (t RecipientType) Valid() bool {
	switch t {
	case RecipientTo, RecipientCc, RecipientBcc:
		return true
	}
	return false
}

func (t RecipientType) String() string { return string(t) }

// ParseRecipientType converts a stored value into a RecipientType.
func ParseRecipientType(v string) (RecipientType, error) {
	t := RecipientType(v)
	if !t.Valid() {
		return "", fmt.Errorf("store: unknown recipient type %q", v)
	}
	return t, nil
}
