package store

import (
	"net/mail"
	"strings"
	"unicode"
)

// Address is an email address with an optional display name.
type Address struct {
	ID     int64  `json:"address_id,omitempty"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	UserID *int64 `json:"user_id,omitempty"`
}

// Header renders the address as an RFC 5322 header value:
// "Name <email>" when a name is set, the bare email otherwise.
func (a Address) Header() string {
	if a.Name == "" {
		return a.Email
	}
	if needsQuoting(a.Name) {
		return (&mail.Address{Name: a.Name, Address: a.Email}).String()
	}
	return a.Name + " <" + a.Email + ">"
}

// needsQuoting reports whether a display name contains specials or
// non-ASCII runes and must go through net/mail encoding.
func needsQuoting(name string) bool {
	for _, r := range name {
		if r < 0x20 || r > unicode.MaxASCII || strings.ContainsRune(`()<>[]:;@\,."`, r) {
			return true
		}
	}
	return false
}

// Map renders the address as a plain map.
func (a Address) Map() map[string]any {
	m := map[string]any{
		"email":   a.Email,
		"name":    a.Name,
		"user_id": nil,
	}
	if a.UserID != nil {
		m["user_id"] = *a.UserID
	}
	return m
}

// IsZero reports whether no email is set.
func (a Address) IsZero() bool {
	return strings.TrimSpace(a.Email) == ""
}

// sameMailbox compares emails case-insensitively.
func (a Address) sameMailbox(b Address) bool {
	return strings.EqualFold(strings.TrimSpace(a.Email), strings.TrimSpace(b.Email))
}

// Recipient attaches an address to a message under a role.
type Recipient struct {
	Type    RecipientType `json:"type"`
	Address Address       `json:"address"`
}

// JoinHeaders renders addresses as a comma separated header value.
func JoinHeaders(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.Header()
	}
	return strings.Join(parts, ", ")
}
