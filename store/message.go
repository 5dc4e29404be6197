package store

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field limits enforced by Validate and by the SQL schema.
const (
	MaxSubjectLength = 200
	MaxMsgIDLength   = 128
	MaxEntityLength  = 256
	MaxMigrationInfo = 100
)

// DefaultMsgIDDomain is used by NewMessage when no domain is given.
const DefaultMsgIDDomain = "localhost"

// Message is one outbound email and its delivery state.
type Message struct {
	ID       string   `json:"id"`
	MsgID    string   `json:"msgid"`
	Subject  string   `json:"subject"`
	Provider Provider `json:"provider"`
	Sandbox  bool     `json:"sandbox"`

	// Content. Nil after a summary read.
	Text *string `json:"text,omitempty"`
	HTML *string `json:"html,omitempty"`

	From Address `json:"from"`

	Status    Status     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	LockedBy  string     `json:"locked_by,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	CompanyID     *int64 `json:"company_id,omitempty"`
	EntityID      string `json:"entity_id,omitempty"`
	EntityType    string `json:"entity_type,omitempty"`
	MigrationInfo string `json:"migration_info,omitempty"`
	IDOld         *int64 `json:"id_old,omitempty"`

	Recipients  []Recipient  `json:"recipients"`
	Attachments []Attachment `json:"attachments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is attachment metadata. The bytes live in an AttachmentFileStore
// under URI and are fetched lazily at assembly time.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Disposition string `json:"content_disposition"`
	URI         string `json:"uri"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
}

// Map renders the attachment metadata as a plain map.
func (a Attachment) Map() map[string]any {
	return map[string]any{
		"id":                  a.ID,
		"filename":            a.Filename,
		"content_type":        a.ContentType,
		"content_disposition": a.Disposition,
		"hash":                a.Hash,
		"size":                a.Size,
	}
}

// MapWithData is Map plus the base64 encoded bytes under "data".
func (a Attachment) MapWithData(data []byte) map[string]any {
	out := a.Map()
	out["data"] = base64.StdEncoding.EncodeToString(data)
	return out
}

// HashData returns the hex MD5 digest used as Attachment.Hash.
func HashData(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// NewMessage returns a queued message with a fresh id and Message-ID.
func NewMessage(subject string, provider Provider, from Address, msgIDDomain string) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:        uuid.New().String(),
		MsgID:     GenerateMsgID(msgIDDomain),
		Subject:   subject,
		Provider:  provider,
		From:      from,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GenerateMsgID returns a Message-ID of the form <centis.pid.random@domain>.
func GenerateMsgID(domain string) string {
	if domain == "" {
		domain = DefaultMsgIDDomain
	}
	centis := time.Now().UnixNano() / int64(10*time.Millisecond)
	return fmt.Sprintf("<%d.%d.%d@%s>", centis, os.Getpid(), rand.Uint64(), domain)
}

// AddRecipient appends a recipient. A second (type, email) pair that already
// exists is rejected with ErrDuplicateRecipient.
func (m *Message) AddRecipient(t RecipientType, addr Address) error {
	if !t.Valid() {
		return fmt.Errorf("store: unknown recipient type %q", t)
	}
	if addr.IsZero() {
		return fmt.Errorf("store: recipient email is required")
	}
	for _, r := range m.Recipients {
		if r.Type == t && r.Address.sameMailbox(addr) {
			return ErrDuplicateRecipient
		}
	}
	m.Recipients = append(m.Recipients, Recipient{Type: t, Address: addr})
	return nil
}

// To returns the "to" addresses in insertion order.
func (m *Message) To() []Address { return m.addresses(RecipientTo) }

// Cc returns the "cc" addresses in insertion order.
func (m *Message) Cc() []Address { return m.addresses(RecipientCc) }

// Bcc returns the "bcc" addresses in insertion order.
func (m *Message) Bcc() []Address { return m.addresses(RecipientBcc) }

func (m *Message) addresses(t RecipientType) []Address {
	var out []Address
	for _, r := range m.Recipients {
		if r.Type == t {
			out = append(out, r.Address)
		}
	}
	return out
}

// HasContent reports whether text or html is set.
func (m *Message) HasContent() bool {
	return (m.Text != nil && *m.Text != "") || (m.HTML != nil && *m.HTML != "")
}

// Summary is the light rendering of a message.
type Summary struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Summary returns id and status.
func (m *Message) Summary() Summary {
	return Summary{ID: m.ID, Status: m.Status}
}

// Map renders the message as a plain map. Content is included only when
// includeContent is true.
func (m *Message) Map(includeContent bool) map[string]any {
	addrMaps := func(addrs []Address) []map[string]any {
		out := make([]map[string]any, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Map())
		}
		return out
	}
	attachments := make([]map[string]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.Map())
	}

	data := map[string]any{
		"id":          m.ID,
		"created_at":  m.CreatedAt,
		"updated_at":  m.UpdatedAt,
		"msgid":       m.MsgID,
		"provider":    string(m.Provider),
		"sent_at":     m.SentAt,
		"status":      string(m.Status),
		"subject":     m.Subject,
		"sandbox":     m.Sandbox,
		"to":          addrMaps(m.To()),
		"cc":          addrMaps(m.Cc()),
		"bcc":         addrMaps(m.Bcc()),
		"from":        m.From.Map(),
		"attachments": attachments,
		"entity_id":   m.EntityID,
		"entity":      m.EntityType,
		"company_id":  m.CompanyID,
	}
	if includeContent {
		data["content"] = map[string]any{
			"text": m.Text,
			"html": m.HTML,
		}
	}
	return data
}

// MapWithAttachments is Map with each attachment's bytes read from loader
// and included as Attachment.MapWithData does.
func (m *Message) MapWithAttachments(ctx context.Context, loader AttachmentLoader, includeContent bool) (map[string]any, error) {
	attachments := make([]map[string]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		data, err := loadAttachment(ctx, loader, a.URI)
		if err != nil {
			return nil, fmt.Errorf("store: load attachment %s: %w", a.URI, err)
		}
		attachments = append(attachments, a.MapWithData(data))
	}
	out := m.Map(includeContent)
	out["attachments"] = attachments
	return out, nil
}

func loadAttachment(ctx context.Context, loader AttachmentLoader, uri string) ([]byte, error) {
	rc, err := loader.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Validate checks the fields a store requires before Create.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidID)
	case m.MsgID == "":
		return fmt.Errorf("store: msgid is required")
	case len(m.MsgID) > MaxMsgIDLength:
		return fmt.Errorf("store: msgid exceeds %d bytes", MaxMsgIDLength)
	case m.Subject == "":
		return fmt.Errorf("store: subject is required")
	case utf8.RuneCountInString(m.Subject) > MaxSubjectLength:
		return fmt.Errorf("store: subject exceeds %d characters", MaxSubjectLength)
	case !m.Provider.Valid():
		return fmt.Errorf("store: unknown provider %q", m.Provider)
	case !m.Status.Valid():
		return fmt.Errorf("store: unknown status %q", m.Status)
	case m.From.IsZero():
		return fmt.Errorf("store: from address is required")
	case len(m.EntityID) > MaxEntityLength || len(m.EntityType) > MaxEntityLength:
		return fmt.Errorf("store: entity fields exceed %d bytes", MaxEntityLength)
	case len(m.MigrationInfo) > MaxMigrationInfo:
		return fmt.Errorf("store: migration info exceeds %d bytes", MaxMigrationInfo)
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return ErrInvalidID
	}
	for _, r := range m.Recipients {
		if !r.Type.Valid() {
			return fmt.Errorf("store: unknown recipient type %q", r.Type)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Text != nil {
		t := *m.Text
		c.Text = &t
	}
	if m.HTML != nil {
		h := *m.HTML
		c.HTML = &h
	}
	if m.SentAt != nil {
		s := *m.SentAt
		c.SentAt = &s
	}
	c.From = m.From.clone()
	c.Recipients = make([]Recipient, len(m.Recipients))
	for i, r := range m.Recipients {
		c.Recipients[i] = Recipient{Type: r.Type, Address: r.Address.clone()}
	}
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.CompanyID = cloneInt(m.CompanyID)
	c.IDOld = cloneInt(m.IDOld)
	return &c
}

// WithoutContent returns a copy with text and html dropped.
func (m *Message) WithoutContent() *Message {
	c := m.Clone()
	c.Text = nil
	c.HTML = nil
	return c
}

func (a Address) clone() Address {
	a.UserID = cloneInt(a.UserID)
	return a
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// String returns a pointer to s, for populating Text and HTML.
func String(s string) *string { return &s }
