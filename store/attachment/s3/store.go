// Package s3 stores attachment bytes in AWS S3 or an S3-compatible service.
//
// Objects are keyed by upload date and a random id so two attachments with
// the same filename never collide. The returned URI has the form
// s3://bucket/key and is what the message row records.
package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/attachment"
)

// ObjectAPI is the subset of the S3 client used for reads and deletes.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader is the subset of the transfer manager used for writes.
type Uploader interface {
	UploadObject(ctx context.Context, in *transfermanager.UploadObjectInput, optFns ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

// Store implements store.AttachmentFileStore using AWS S3.
type Store struct {
	objects  ObjectAPI
	uploader Uploader
	bucket   string
	prefix   string
	now      func() time.Time
	logger   *slog.Logger
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New loads AWS configuration and creates an S3 attachment store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})
	return NewWithClient(client, transfermanager.New(client), opts...)
}

// NewWithClient creates a store over existing clients.
func NewWithClient(objects ObjectAPI, uploader Uploader, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	return &Store{
		objects:  objects,
		uploader: uploader,
		bucket:   o.bucket,
		prefix:   o.prefix,
		now:      o.clock,
		logger:   o.logger,
	}, nil
}

// buildAWSConfig picks static keys, an assumed role, or the default chain.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	case o.roleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		optFns = append(optFns, config.WithCredentialsProvider(
			newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID),
		))
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// Upload writes content under a fresh key and returns its s3:// URI.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	key := s.objectKey(filename)

	_, err := s.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Debug("uploaded attachment", "bucket", s.bucket, "key", key)
	return formatURI(s.bucket, key), nil
}

// Load opens the object named by uri.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	out, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object from s3: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object named by uri.
func (s *Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}

	if _, err := s.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object from s3: %w", err)
	}

	s.logger.Debug("deleted attachment", "bucket", bucket, "key", key)
	return nil
}

const scheme = "s3"

func (s *Store) objectKey(filename string) string {
	return attachment.ObjectKey(s.prefix, s.now(), filename)
}

func formatURI(bucket, key string) string {
	return attachment.FormatURI(scheme, bucket, key)
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	return attachment.ParseURI(scheme, uri)
}
