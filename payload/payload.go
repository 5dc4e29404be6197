// Package payload turns a stored message into the RFC 5322 bytes a
// transport sends.
//
// Assembly is deterministic: the same message state and attachment bytes
// always produce the same output, so the byte length can be used as the
// provider size check and a resend can be inspected against a prior one.
// Boundaries derive from the Message-ID and no Date header is written;
// the receiving MTA stamps it.
package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strconv"
	"strings"
	"unicode"

	"github.com/rbaliyan/mailqueue/store"
)

const (
	lineLength         = 76
	headerFoldLength   = 78
	defaultContentType = "application/octet-stream"
)

// Payload is an assembled message ready for a transport.
type Payload struct {
	MessageID string

	// From is the envelope sender.
	From string

	// Recipients is the envelope recipient list: to, cc then bcc,
	// de-duplicated case-insensitively.
	Recipients []string

	// Data is the full message including the Bcc header.
	Data []byte

	bccStart, bccEnd int
}

// Size returns len(Data).
func (p *Payload) Size() int { return len(p.Data) }

// Wire returns Data without the Bcc header, which is what goes on the wire.
func (p *Payload) Wire() []byte {
	if p.bccEnd <= p.bccStart {
		return p.Data
	}
	out := make([]byte, 0, len(p.Data)-(p.bccEnd-p.bccStart))
	out = append(out, p.Data[:p.bccStart]...)
	return append(out, p.Data[p.bccEnd:]...)
}

// Size assembles msg and returns the exact byte length.
func Size(ctx context.Context, msg *store.Message, loader store.AttachmentLoader) (int, error) {
	p, err := Assemble(ctx, msg, loader)
	if err != nil {
		return 0, err
	}
	return p.Size(), nil
}

// Assemble builds the payload. loader may be nil when msg has no
// attachments. Failures caused by the message content are *AssemblyError.
func Assemble(ctx context.Context, msg *store.Message, loader store.AttachmentLoader) (*Payload, error) {
	if !msg.HasContent() {
		return nil, fail(msg.ID, ErrNoContent)
	}
	if msg.From.Email == "" {
		return nil, fail(msg.ID, ErrNoSender)
	}
	recipients := envelope(msg)
	if len(recipients) == 0 {
		return nil, fail(msg.ID, ErrNoRecipients)
	}
	if len(msg.Attachments) > 0 && loader == nil {
		return nil, failf(msg.ID, ErrAttachmentLoad, "no attachment loader")
	}

	bodies, err := encodeBodies(msg)
	if err != nil {
		return nil, err
	}
	mixed, alt := boundaries(msg.MsgID, bodies)
	p := &Payload{
		MessageID:  msg.MsgID,
		From:       msg.From.Email,
		Recipients: recipients,
	}

	var buf bytes.Buffer
	writeHeader(&buf, "Message-ID", messageID(msg.MsgID))
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", sanitize(msg.Subject)))
	writeHeader(&buf, "From", msg.From.Header())
	writeAddresses(&buf, "To", msg.To())
	writeAddresses(&buf, "Cc", msg.Cc())
	p.bccStart = buf.Len()
	writeAddresses(&buf, "Bcc", msg.Bcc())
	p.bccEnd = buf.Len()
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed))
	buf.WriteString("\r\n")

	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(mixed); err != nil {
		return nil, fmt.Errorf("set boundary: %w", err)
	}

	if err := writeAlternative(w, alt, bodies); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		if err := writeAttachment(ctx, w, loader, msg.ID, a); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	p.Data = buf.Bytes()
	return p, nil
}

// boundaries derives the mixed and alternative boundaries from the msgid.
// While either one occurs in an encoded body the derivation is repeated
// with a counter appended. Base64 never emits '-', so attachment parts
// cannot collide and only the text bodies are checked.
func boundaries(msgID string, bodies []textBody) (mixed, alt string) {
	for n := 0; ; n++ {
		seed := msgID
		if n > 0 {
			seed += "\x00" + strconv.Itoa(n)
		}
		sum := sha256.Sum256([]byte(seed))
		h := hex.EncodeToString(sum[:16])
		mixed, alt = "mq-mixed-"+h, "mq-alt-"+h
		if !collides(bodies, mixed, alt) {
			return mixed, alt
		}
	}
}

func collides(bodies []textBody, candidates ...string) bool {
	for _, b := range bodies {
		for _, boundary := range candidates {
			if strings.Contains(b.encoded, boundary) {
				return true
			}
		}
	}
	return false
}

func messageID(msgID string) string {
	msgID = sanitize(msgID)
	if strings.HasPrefix(msgID, "<") && strings.HasSuffix(msgID, ">") {
		return msgID
	}
	return "<" + msgID + ">"
}

// sanitize drops CR and LF so values cannot start a new header.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// writeAddresses writes a comma-joined address list folded near 78
// columns. Nothing is written for an empty list.
func writeAddresses(buf *bytes.Buffer, key string, addrs []store.Address) {
	if len(addrs) == 0 {
		return
	}
	buf.WriteString(key)
	buf.WriteString(": ")
	col := len(key) + 2
	for i, a := range addrs {
		v := sanitize(a.Header())
		if i > 0 {
			buf.WriteString(",")
			col++
			if col+1+len(v) > headerFoldLength {
				buf.WriteString("\r\n")
				col = 0
			}
			buf.WriteString(" ")
			col++
		}
		buf.WriteString(v)
		col += len(v)
	}
	buf.WriteString("\r\n")
}

func envelope(msg *store.Message) []string {
	seen := make(map[string]bool, len(msg.Recipients))
	out := make([]string, 0, len(msg.Recipients))
	for _, group := range [][]store.Address{msg.To(), msg.Cc(), msg.Bcc()} {
		for _, a := range group {
			k := strings.ToLower(a.Email)
			if a.Email == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, a.Email)
		}
	}
	return out
}

// textBody is a text part already quoted-printable encoded.
type textBody struct {
	mediaType string
	encoded   string
}

func encodeBodies(msg *store.Message) ([]textBody, error) {
	var bodies []textBody
	for _, b := range []struct {
		mediaType string
		body      *string
	}{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		if b.body == nil {
			continue
		}
		var buf strings.Builder
		qp := quotedprintable.NewWriter(&buf)
		if _, err := io.WriteString(qp, *b.body); err != nil {
			return nil, fmt.Errorf("encode %s: %w", b.mediaType, err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("encode %s: %w", b.mediaType, err)
		}
		bodies = append(bodies, textBody{mediaType: b.mediaType, encoded: buf.String()})
	}
	return bodies, nil
}

func writeAlternative(w *multipart.Writer, boundary string, bodies []textBody) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create alternative part: %w", err)
	}

	inner := multipart.NewWriter(part)
	if err := inner.SetBoundary(boundary); err != nil {
		return fmt.Errorf("set boundary: %w", err)
	}
	for _, b := range bodies {
		if err := writeText(inner, b); err != nil {
			return err
		}
	}
	return inner.Close()
}

func writeText(w *multipart.Writer, b textBody) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", b.mediaType+"; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", b.mediaType, err)
	}
	if _, err := io.WriteString(part, b.encoded); err != nil {
		return fmt.Errorf("write %s: %w", b.mediaType, err)
	}
	return nil
}

func writeAttachment(ctx context.Context, w *multipart.Writer, loader store.AttachmentLoader, msgID string, a store.Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return failf(msgID, ErrInvalidContentType, "%s: %q", a.Filename, contentType)
	}

	disposition := a.Disposition
	if disposition == "" {
		disposition = attachmentDisposition(a.Filename)
	}

	rc, err := loader.Load(ctx, a.URI)
	if err != nil {
		return failf(msgID, ErrAttachmentLoad, "%s: %v", a.URI, err)
	}
	defer rc.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", sanitize(contentType))
	h.Set("Content-Disposition", sanitize(disposition))
	h.Set("Content-Transfer-Encoding", "base64")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create attachment part: %w", err)
	}

	lw := &lineWriter{w: part}
	enc := base64.NewEncoder(base64.StdEncoding, lw)
	if _, err := io.Copy(enc, rc); err != nil {
		return failf(msgID, ErrAttachmentLoad, "%s: %v", a.URI, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}
	return nil
}

// attachmentDisposition quotes plain ASCII names and falls back to RFC 2231
// encoding for anything else.
func attachmentDisposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	plain := true
	for _, r := range filename {
		if r > unicode.MaxASCII || r < 0x20 || r == '"' || r == '\\' {
			plain = false
			break
		}
	}
	if plain {
		return fmt.Sprintf("attachment; filename=%q", filename)
	}
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

// lineWriter inserts CRLF every 76 bytes of base64 output.
type lineWriter struct {
	w   io.Writer
	col int
}

func (l *lineWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if l.col == lineLength {
			if _, err := l.w.Write([]byte("\r\n")); err != nil {
				return written, err
			}
			l.col = 0
		}
		n := min(lineLength-l.col, len(p))
		m, err := l.w.Write(p[:n])
		written += m
		l.col += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
