// Package smtp delivers payloads to an SMTP relay. Each Send opens its own
// connection.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/transport"
)

// Transport sends payloads over SMTP.
type Transport struct {
	addr   string
	opts   *options
	logger *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport for the relay at addr (host:port).
func New(addr string, opts ...Option) (*Transport, error) {
	if addr == "" {
		return nil, fmt.Errorf("smtp: address is required")
	}
	o := newOptions(opts...)
	return &Transport{addr: addr, opts: o, logger: o.logger}, nil
}

// Name returns "smtp".
func (t *Transport) Name() string { return "smtp" }

// Send runs one SMTP transaction. If ctx ends first the connection is
// closed, which aborts the in-flight command.
func (t *Transport) Send(ctx context.Context, p *payload.Payload) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.timeout)
		defer cancel()
	}

	c, err := t.dial()
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", t.addr, err)
	}

	done := make(chan error, 1)
	go func() { done <- t.transact(c, p) }()

	select {
	case err := <-done:
		_ = c.Close()
		if err != nil {
			return classify(err)
		}
		t.logger.Debug("smtp send complete", "message_id", p.MessageID, "recipients", len(p.Recipients))
		return nil
	case <-ctx.Done():
		_ = c.Close()
		<-done
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func (t *Transport) dial() (*smtp.Client, error) {
	switch t.opts.security {
	case SecurityTLS:
		return smtp.DialTLS(t.addr, t.opts.tlsConfig)
	case SecurityStartTLS:
		return smtp.DialStartTLS(t.addr, t.opts.tlsConfig)
	default:
		return smtp.Dial(t.addr)
	}
}

func (t *Transport) transact(c *smtp.Client, p *payload.Payload) error {
	if err := c.Hello(t.opts.helo); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if t.opts.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.opts.username, t.opts.password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(p.From, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range p.Recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(p.Wire())); err != nil {
		_ = w.Close()
		return fmt.Errorf("write data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

// classify marks 5xx replies permanent. 4xx replies and network errors
// stay retryable.
func classify(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code >= 500 && se.Code < 600 {
		return transport.Permanent(err)
	}
	return err
}
