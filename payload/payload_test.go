package payload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"

	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/attachment/memory"
)

func newMessage(t *testing.T) *store.Message {
	t.Helper()
	msg := store.NewMessage("Quarterly report", store.ProviderSMTP,
		store.Address{Email: "ops@example.com", Name: "Ops"}, "example.com")
	msg.MsgID = "<1.2.3@example.com>"
	msg.Text = store.String("Hello, the report is attached.")
	msg.HTML = store.String("<p>Hello, the report is <b>attached</b>.</p>")
	for _, r := range []struct {
		t store.RecipientType
		a store.Address
	}{
		{store.RecipientTo, store.Address{Email: "alice@example.com", Name: "Alice"}},
		{store.RecipientCc, store.Address{Email: "bob@example.com"}},
		{store.RecipientBcc, store.Address{Email: "audit@example.com"}},
	} {
		if err := msg.AddRecipient(r.t, r.a); err != nil {
			t.Fatalf("AddRecipient failed: %v", err)
		}
	}
	return msg
}

func TestAssembleDeterministic(t *testing.T) {
	ctx := context.Background()
	files := memory.New()
	files.Put("mem://a/report.csv", []byte("a,b,c\n1,2,3\n"))

	msg := newMessage(t)
	msg.Attachments = []store.Attachment{{Filename: "report.csv", ContentType: "text/csv", URI: "mem://a/report.csv"}}

	first, err := Assemble(ctx, msg, files)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	second, err := Assemble(ctx, msg, files)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Fatal("assembling the same message twice produced different bytes")
	}

	n, err := Size(ctx, msg, files)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != len(first.Data) || n != first.Size() {
		t.Fatalf("Size = %d, len(Data) = %d", n, len(first.Data))
	}
}

func TestAssembleHeaders(t *testing.T) {
	msg := newMessage(t)

	p, err := Assemble(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	head, _, _ := strings.Cut(string(p.Data), "\r\n\r\n")
	var keys []string
	for _, line := range strings.Split(head, "\r\n") {
		k, _, _ := strings.Cut(line, ":")
		keys = append(keys, k)
	}
	want := []string{"Message-ID", "Subject", "From", "To", "Cc", "Bcc", "MIME-Version", "Content-Type"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Fatalf("header order = %v, want %v", keys, want)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(p.Data))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got := parsed.Header.Get("To"); got != "Alice <alice@example.com>" {
		t.Errorf("To = %q", got)
	}
	if got := parsed.Header.Get("Message-ID"); got != "<1.2.3@example.com>" {
		t.Errorf("Message-ID = %q", got)
	}

	if strings.Join(p.Recipients, ",") != "alice@example.com,bob@example.com,audit@example.com" {
		t.Errorf("Recipients = %v", p.Recipients)
	}
	if p.From != "ops@example.com" {
		t.Errorf("From = %q", p.From)
	}

	wire := string(p.Wire())
	if strings.Contains(wire, "Bcc:") || strings.Contains(wire, "audit@example.com") {
		t.Error("wire bytes must not carry the Bcc header")
	}
	if !strings.Contains(wire, "Cc: bob@example.com\r\n") {
		t.Error("wire bytes lost the Cc header")
	}
}

func TestAssembleOmitsEmptyRecipientHeaders(t *testing.T) {
	msg := store.NewMessage("hi", store.ProviderSES, store.Address{Email: "a@example.com"}, "")
	msg.Text = store.String("x")
	if err := msg.AddRecipient(store.RecipientTo, store.Address{Email: "b@example.com"}); err != nil {
		t.Fatal(err)
	}

	p, err := Assemble(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	head, _, _ := strings.Cut(string(p.Data), "\r\n\r\n")
	if strings.Contains(head, "Cc:") || strings.Contains(head, "Bcc:") {
		t.Fatalf("unexpected empty recipient header:\n%s", head)
	}
	if !bytes.Equal(p.Wire(), p.Data) {
		t.Fatal("Wire should equal Data without Bcc")
	}
}

func TestAssembleStructure(t *testing.T) {
	files := memory.New()
	content := bytes.Repeat([]byte{0xff, 0x00, 0x10}, 100)
	files.Put("mem://a/blob.bin", content)

	msg := newMessage(t)
	msg.Subject = "Rapport trimestriel é"
	msg.Attachments = []store.Attachment{{Filename: "blob.bin", URI: "mem://a/blob.bin"}}

	p, err := Assemble(context.Background(), msg, files)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(p.Data))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	subject, err := new(mime.WordDecoder).DecodeHeader(parsed.Header.Get("Subject"))
	if err != nil || subject != msg.Subject {
		t.Fatalf("Subject = %q, %v", subject, err)
	}

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q, %v", mediaType, err)
	}

	mr := multipart.NewReader(parsed.Body, params["boundary"])

	alt, err := mr.NextPart()
	if err != nil {
		t.Fatalf("first part: %v", err)
	}
	altType, altParams, _ := mime.ParseMediaType(alt.Header.Get("Content-Type"))
	if altType != "multipart/alternative" {
		t.Fatalf("first part type = %q", altType)
	}
	ar := multipart.NewReader(alt, altParams["boundary"])
	var bodies []string
	for {
		part, err := ar.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("alternative part: %v", err)
		}
		// multipart.Reader decodes quoted-printable transparently.
		data, _ := io.ReadAll(part)
		bodies = append(bodies, part.Header.Get("Content-Type")+"|"+string(data))
	}
	if len(bodies) != 2 ||
		bodies[0] != "text/plain; charset=utf-8|"+*msg.Text ||
		bodies[1] != "text/html; charset=utf-8|"+*msg.HTML {
		t.Fatalf("alternative bodies = %q", bodies)
	}

	att, err := mr.NextPart()
	if err != nil {
		t.Fatalf("attachment part: %v", err)
	}
	if got := att.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("attachment Content-Type = %q", got)
	}
	if got := att.Header.Get("Content-Disposition"); got != `attachment; filename="blob.bin"` {
		t.Errorf("attachment Content-Disposition = %q", got)
	}
	raw, _ := io.ReadAll(att)
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n") {
		if len(line) > 76 {
			t.Fatalf("base64 line longer than 76: %d", len(line))
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(raw), "\r\n", ""))
	if err != nil || !bytes.Equal(decoded, content) {
		t.Fatalf("attachment round trip failed: %v", err)
	}

	if _, err := mr.NextPart(); err != io.EOF {
		t.Fatalf("expected end of message, got %v", err)
	}
}

func TestAssembleBoundaryNotInBody(t *testing.T) {
	ctx := context.Background()
	msg := newMessage(t)
	msg.HTML = nil

	mixed, alt := boundaries(msg.MsgID, nil)
	ordinary, err := Assemble(ctx, msg, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !bytes.Contains(ordinary.Data, []byte("boundary=\""+mixed+"\"")) {
		t.Fatalf("ordinary message should keep the msgid boundary %q", mixed)
	}

	msg.Text = store.String("Hello\r\n--" + mixed + "\r\nContent-Type: text/html\r\n\r\nforged part\r\n--" + alt + "--\r\nafter")

	p, err := Assemble(ctx, msg, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	again, err := Assemble(ctx, msg, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !bytes.Equal(p.Data, again.Data) {
		t.Fatal("re-derived boundaries are not deterministic")
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(p.Data))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	_, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("Content-Type: %v", err)
	}
	if params["boundary"] == mixed {
		t.Fatal("boundary was not re-derived")
	}

	mr := multipart.NewReader(parsed.Body, params["boundary"])
	altPart, err := mr.NextPart()
	if err != nil {
		t.Fatalf("first part: %v", err)
	}
	_, altParams, _ := mime.ParseMediaType(altPart.Header.Get("Content-Type"))
	if altParams["boundary"] == alt {
		t.Fatal("alternative boundary was not re-derived")
	}
	ar := multipart.NewReader(altPart, altParams["boundary"])
	var bodies []string
	for {
		part, err := ar.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("alternative part: %v", err)
		}
		data, _ := io.ReadAll(part)
		bodies = append(bodies, string(data))
	}
	if len(bodies) != 1 || bodies[0] != *msg.Text {
		t.Fatalf("alternative bodies = %q, want only %q", bodies, *msg.Text)
	}
	if _, err := mr.NextPart(); err != io.EOF {
		t.Fatalf("expected a single top-level part, got %v", err)
	}
}

func TestAssembleErrors(t *testing.T) {
	files := memory.New()

	tests := []struct {
		name   string
		mutate func(*store.Message)
		loader store.AttachmentLoader
		want   error
	}{
		{
			name:   "no content",
			mutate: func(m *store.Message) { m.Text, m.HTML = nil, nil },
			want:   ErrNoContent,
		},
		{
			name:   "no sender",
			mutate: func(m *store.Message) { m.From = store.Address{} },
			want:   ErrNoSender,
		},
		{
			name:   "no recipients",
			mutate: func(m *store.Message) { m.Recipients = nil },
			want:   ErrNoRecipients,
		},
		{
			name: "missing attachment",
			mutate: func(m *store.Message) {
				m.Attachments = []store.Attachment{{Filename: "x", URI: "mem://missing"}}
			},
			loader: files,
			want:   ErrAttachmentLoad,
		},
		{
			name: "bad content type",
			mutate: func(m *store.Message) {
				m.Attachments = []store.Attachment{{Filename: "x", ContentType: "not a type;;", URI: "mem://x"}}
			},
			loader: files,
			want:   ErrInvalidContentType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := newMessage(t)
			tt.mutate(msg)
			_, err := Assemble(context.Background(), msg, tt.loader)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrAssembly) || !IsAssemblyError(err) {
				t.Fatalf("expected an AssemblyError, got %T", err)
			}
		})
	}
}

func TestAttachmentDisposition(t *testing.T) {
	if got := attachmentDisposition("a b.pdf"); got != `attachment; filename="a b.pdf"` {
		t.Errorf("got %q", got)
	}
	if got := attachmentDisposition("résumé.pdf"); !strings.HasPrefix(got, "attachment; filename*=") {
		t.Errorf("got %q", got)
	}
	if got := attachmentDisposition(""); got != "attachment" {
		t.Errorf("got %q", got)
	}
}

func TestFoldAddresses(t *testing.T) {
	var addrs []store.Address
	for i := 0; i < 10; i++ {
		addrs = append(addrs, store.Address{Email: strings.Repeat("x", 10) + string(rune('a'+i)) + "@example.com"})
	}
	var buf bytes.Buffer
	writeAddresses(&buf, "To", addrs)
	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n") {
		if len(line) > headerFoldLength {
			t.Fatalf("line too long (%d): %q", len(line), line)
		}
	}
	h, err := mail.ReadMessage(strings.NewReader(buf.String() + "\r\n"))
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	list, err := h.Header.AddressList("To")
	if err != nil || len(list) != 10 {
		t.Fatalf("AddressList = %d, %v", len(list), err)
	}
}
