package smtp

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Security selects how the connection is protected.
type Security string

// Security modes.
const (
	SecurityNone     Security = "none"
	SecurityStartTLS Security = "starttls"
	SecurityTLS      Security = "tls"
)

// Defaults.
const (
	DefaultHelo    = "localhost"
	DefaultTimeout = 30 * time.Second
)

type options struct {
	helo      string
	security  Security
	tlsConfig *tls.Config
	username  string
	password  string
	timeout   time.Duration
	logger    *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		helo:     DefaultHelo,
		security: SecurityStartTLS,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the SMTP transport.
type Option func(*options)

// WithHelo sets the name sent in EHLO.
func WithHelo(name string) Option {
	return func(o *options) {
		if name != "" {
			o.helo = name
		}
	}
}

// WithSecurity selects plain, STARTTLS or implicit TLS. Default STARTTLS.
func WithSecurity(s Security) Option {
	return func(o *options) {
		switch s {
		case SecurityNone, SecurityStartTLS, SecurityTLS:
			o.security = s
		}
	}
}

// WithTLSConfig sets the TLS configuration for STARTTLS and TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithAuth enables SASL PLAIN with the given credentials.
func WithAuth(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithTimeout bounds one whole send when the caller's context has no
// earlier deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
