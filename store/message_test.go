package store

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func validMessage() *Message {
	m := NewMessage("Hello", ProviderSMTP, Address{Email: "from@example.com"}, "example.com")
	m.Text = String("hi")
	return m
}

func TestNewMessage(t *testing.T) {
	m := validMessage()
	if m.Status != StatusQueued {
		t.Errorf("status = %s, want queued", m.Status)
	}
	if !strings.HasPrefix(m.MsgID, "<") || !strings.HasSuffix(m.MsgID, "@example.com>") {
		t.Errorf("unexpected msgid %q", m.MsgID)
	}
	if GenerateMsgID("") == GenerateMsgID("") {
		t.Error("msgids must be unique")
	}
	if !strings.HasSuffix(GenerateMsgID(""), "@"+DefaultMsgIDDomain+">") {
		t.Error("empty domain should fall back to the default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
	}{
		{"missing id", func(m *Message) { m.ID = "" }},
		{"non-uuid id", func(m *Message) { m.ID = "42" }},
		{"missing msgid", func(m *Message) { m.MsgID = "" }},
		{"long msgid", func(m *Message) { m.MsgID = strings.Repeat("x", MaxMsgIDLength+1) }},
		{"missing subject", func(m *Message) { m.Subject = "" }},
		{"long subject", func(m *Message) { m.Subject = strings.Repeat("ü", MaxSubjectLength+1) }},
		{"bad provider", func(m *Message) { m.Provider = "fax" }},
		{"bad status", func(m *Message) { m.Status = "lost" }},
		{"missing from", func(m *Message) { m.From = Address{Email: "  "} }},
		{"long entity", func(m *Message) { m.EntityType = strings.Repeat("e", MaxEntityLength+1) }},
		{"long migration info", func(m *Message) { m.MigrationInfo = strings.Repeat("m", MaxMigrationInfo+1) }},
		{"bad recipient type", func(m *Message) {
			m.Recipients = append(m.Recipients, Recipient{Type: "reply-to", Address: Address{Email: "a@b.c"}})
		}},
	}

	if err := validMessage().Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := validMessage()
			tc.mutate(m)
			if err := m.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	t.Run("subject limit counts runes", func(t *testing.T) {
		m := validMessage()
		m.Subject = strings.Repeat("ü", MaxSubjectLength)
		if err := m.Validate(); err != nil {
			t.Fatalf("subject of %d runes rejected: %v", MaxSubjectLength, err)
		}
	})
}

func TestAddRecipient(t *testing.T) {
	m := validMessage()
	if err := m.AddRecipient(RecipientTo, Address{Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRecipient(RecipientTo, Address{Email: "A@Example.com"}); !errors.Is(err, ErrDuplicateRecipient) {
		t.Fatalf("expected ErrDuplicateRecipient, got %v", err)
	}
	if err := m.AddRecipient(RecipientCc, Address{Email: "a@example.com"}); err != nil {
		t.Fatalf("same address under another role is allowed: %v", err)
	}
	if err := m.AddRecipient(RecipientBcc, Address{}); err == nil {
		t.Fatal("empty address must be rejected")
	}
	if len(m.To()) != 1 || len(m.Cc()) != 1 || len(m.Bcc()) != 0 {
		t.Errorf("to/cc/bcc = %d/%d/%d", len(m.To()), len(m.Cc()), len(m.Bcc()))
	}
}

func TestAddressHeader(t *testing.T) {
	tests := []struct {
		addr Address
		want string
	}{
		{Address{Email: "a@example.com"}, "a@example.com"},
		{Address{Email: "a@example.com", Name: "Ann Lee"}, "Ann Lee <a@example.com>"},
		{Address{Email: "a@example.com", Name: "Lee, Ann"}, `"Lee, Ann" <a@example.com>`},
		{Address{Email: "a@example.com", Name: "Zoë"}, "=?utf-8?q?Zo=C3=AB?= <a@example.com>"},
	}
	for _, tc := range tests {
		if got := tc.addr.Header(); got != tc.want {
			t.Errorf("Header(%+v) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	uid := int64(5)
	now := time.Now()
	m := validMessage()
	m.SentAt = &now
	m.CompanyID = &uid
	_ = m.AddRecipient(RecipientTo, Address{Email: "a@example.com", UserID: &uid})

	c := m.Clone()
	*c.Text = "changed"
	*c.CompanyID = 9
	*c.Recipients[0].Address.UserID = 9
	c.Recipients[0].Address.Email = "b@example.com"

	if *m.Text != "hi" || *m.CompanyID != 5 || *m.Recipients[0].Address.UserID != 5 ||
		m.Recipients[0].Address.Email != "a@example.com" {
		t.Error("clone shares state with the original")
	}

	s := m.WithoutContent()
	if s.Text != nil || s.HTML != nil || m.Text == nil {
		t.Error("WithoutContent must drop content on the copy only")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseStatus("sent"); err != nil {
		t.Error(err)
	}
	if _, err := ParseStatus("SENT"); err == nil {
		t.Error("status parsing is case-sensitive")
	}
	if _, err := ParseProvider("sendgrid"); err != nil {
		t.Error(err)
	}
	if _, err := ParseRecipientType("bcc"); err != nil {
		t.Error(err)
	}
	if !StatusSent.Terminal() || !StatusFailed.Terminal() || StatusProcessing.Terminal() {
		t.Error("only sent and failed are terminal")
	}
}

func TestSearchQuery(t *testing.T) {
	q := SearchQuery{Term: "quarterly  report", PageSize: 10, Page: 3}
	if q.Offset() != 20 {
		t.Errorf("offset = %d", q.Offset())
	}
	if got := q.LikePattern(); got != "%quarterly%%report%" {
		t.Errorf("like pattern = %q", got)
	}
	if !q.MatchSubject("Your QUARTERLY sales report") {
		t.Error("expected match")
	}
	if q.MatchSubject("report quarterly") {
		t.Error("term parts must appear in order")
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	q = SearchQuery{From: &from, To: &to}
	late := time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC)
	early := time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)
	if !q.InDateRange(&late) {
		t.Error("end date is inclusive")
	}
	if q.InDateRange(&early) || q.InDateRange(nil) {
		t.Error("out of range or unsent must not match")
	}

	if r := NewSearchResult(SearchQuery{PageSize: 10, Page: 2}, nil, 15); r.Total != 0 || r.CurrentPage != 0 || r.Data == nil {
		t.Errorf("empty result = %+v", r)
	}
	if r := NewSearchResult(SearchQuery{PageSize: 10, Page: 2}, []Digest{{ID: "x"}}, 15); r.NumPages != 2 || r.CurrentPage != 2 {
		t.Errorf("result = %+v", r)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("é", PreviewLength+5)
	if got := Preview(&long); len([]rune(got)) != PreviewLength {
		t.Errorf("preview has %d runes", len([]rune(got)))
	}
	if Preview(nil) != "" {
		t.Error("nil text previews as empty")
	}
}

type mapLoader map[string]string

func (l mapLoader) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	data, ok := l[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func TestMapAttachmentData(t *testing.T) {
	msg := NewMessage("Invoice", ProviderSMTP, Address{Email: "billing@example.com"}, "example.com")
	msg.Text = String("See attached.")
	msg.Attachments = []Attachment{{ID: "a1", Filename: "invoice.pdf", ContentType: "application/pdf", URI: "mem://invoice.pdf"}}

	t.Run("metadata only", func(t *testing.T) {
		m := msg.Map(false)
		atts := m["attachments"].([]map[string]any)
		if len(atts) != 1 || atts[0]["filename"] != "invoice.pdf" {
			t.Fatalf("attachments = %v", atts)
		}
		if _, ok := atts[0]["data"]; ok {
			t.Fatal("Map should not include attachment data")
		}
		if _, ok := m["content"]; ok {
			t.Fatal("content should be omitted")
		}
	})

	t.Run("with data", func(t *testing.T) {
		loader := mapLoader{"mem://invoice.pdf": "%PDF-1.7"}
		m, err := msg.MapWithAttachments(context.Background(), loader, true)
		if err != nil {
			t.Fatalf("MapWithAttachments failed: %v", err)
		}
		atts := m["attachments"].([]map[string]any)
		if len(atts) != 1 {
			t.Fatalf("attachments = %v", atts)
		}
		decoded, err := base64.StdEncoding.DecodeString(atts[0]["data"].(string))
		if err != nil || string(decoded) != "%PDF-1.7" {
			t.Fatalf("data = %q, %v", decoded, err)
		}
		if _, ok := m["content"]; !ok {
			t.Fatal("content should be included")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := msg.MapWithAttachments(context.Background(), mapLoader{}, false)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}
