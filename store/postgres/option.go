package postgres

import (
	"log/slog"
	"regexp"
	"time"
)

// Default configuration values.
const (
	DefaultTablePrefix = ""
	DefaultTimeout     = 10 * time.Second
)

var validPrefix = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// options holds PostgreSQL store configuration.
type options struct {
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:  DefaultTablePrefix,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a PostgreSQL store.
type Option func(*options)

// WithTablePrefix prefixes the message, recipient, address and attachment
// table names. The prefix must be a lowercase SQL identifier; invalid
// prefixes are ignored.
func WithTablePrefix(prefix string) Option {
	return func(o *options) {
		if validPrefix.MatchString(prefix) {
			o.prefix = prefix
		}
	}
}

// WithTimeout sets the operation timeout.
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
