// Package stdout is a development transport that writes each payload to a
// writer instead of a mail system.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/transport"
)

// Transport writes payloads to w, one after another, separated by an
// envelope line.
type Transport struct {
	mu sync.Mutex
	w  io.Writer
}

var _ transport.Transport = (*Transport)(nil)

// New returns a transport writing to w, or to os.Stdout when w is nil.
func New(w io.Writer) *Transport {
	if w == nil {
		w = os.Stdout
	}
	return &Transport{w: w}
}

// Name returns "stdout".
func (t *Transport) Name() string { return "stdout" }

// Send writes the envelope and the wire form of p.
func (t *Transport) Send(ctx context.Context, p *payload.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.w, "MAIL FROM:<%s> RCPT TO:<%s>\r\n",
		p.From, strings.Join(p.Recipients, ">,<")); err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	if _, err := t.w.Write(p.Wire()); err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	if _, err := io.WriteString(t.w, "\r\n.\r\n"); err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	return nil
}
