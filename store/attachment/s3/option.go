package s3

import (
	"log/slog"
	"time"
)

// Defaults.
const (
	DefaultRegion      = "us-east-1"
	DefaultPrefix      = "attachments"
	DefaultSessionName = "mailqueue-attachments"
)

type options struct {
	bucket string
	prefix string
	region string

	// S3-compatible services (MinIO, LocalStack)
	endpoint     string
	usePathStyle bool

	accessKey    string
	secretKey    string
	sessionToken string

	roleARN         string
	roleSessionName string
	externalID      string

	clock  func() time.Time
	logger *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		region: DefaultRegion,
		prefix: DefaultPrefix,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the S3 store.
type Option func(*options)

// WithBucket sets the bucket name. Required.
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint points the client at an S3-compatible endpoint.
// pathStyle is needed by most of them.
func WithEndpoint(endpoint string, pathStyle bool) Option {
	return func(o *options) {
		o.endpoint = endpoint
		o.usePathStyle = pathStyle
	}
}

// WithStaticCredentials sets an access key pair and optional session token.
func WithStaticCredentials(accessKey, secretKey, sessionToken string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
		o.sessionToken = sessionToken
	}
}

// WithAssumeRole configures STS AssumeRole. externalID may be empty.
func WithAssumeRole(roleARN, sessionName, externalID string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		o.roleSessionName = sessionName
		if o.roleSessionName == "" {
			o.roleSessionName = DefaultSessionName
		}
		o.externalID = externalID
	}
}

// WithClock overrides the time used for key partitioning.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
