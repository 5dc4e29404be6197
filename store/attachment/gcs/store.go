// Package gcs stores attachment bytes in Google Cloud Storage.
// URIs have the form gs://bucket/object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/attachment"
	"google.golang.org/api/option"
)

const scheme = "gs"

var scopes = []string{"https://www.googleapis.com/auth/devstorage.read_write"}

// Store implements store.AttachmentFileStore using Google Cloud Storage.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates a GCS client and store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}

	clientOpts, err := clientOptions(o)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Store{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		now:    o.clock,
		logger: o.logger,
	}, nil
}

func clientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	if o.credentialsJSON != nil || o.credentialsFile != "" {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          scopes,
			CredentialsJSON: o.credentialsJSON,
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect gcs credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint), option.WithoutAuthentication())
	}
	return opts, nil
}

// Upload streams content into a new object and returns its gs:// URI.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	name := attachment.ObjectKey(s.prefix, s.now(), filename)

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.ContentDisposition = fmt.Sprintf("attachment; filename=%q", filename)

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("copy content to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer: %w", err)
	}

	s.logger.Debug("uploaded attachment", "bucket", s.bucket, "object", name)
	return attachment.FormatURI(scheme, s.bucket, name), nil
}

// Load opens the object named by uri.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, name, err := attachment.ParseURI(scheme, uri)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gcs object: %w", err)
	}
	return r, nil
}

// Delete removes the object named by uri. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, name, err := attachment.ParseURI(scheme, uri)
	if err != nil {
		return err
	}

	if err := s.client.Bucket(bucket).Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object: %w", err)
	}

	s.logger.Debug("deleted attachment", "bucket", bucket, "object", name)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}
