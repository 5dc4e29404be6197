package store

import (
	"context"
	"io"
)

// AttachmentFileStore handles the attachment bytes.
// Implementations can support S3, GCS, memory, etc.
type AttachmentFileStore interface {
	// Upload stores content and returns a URI for later retrieval.
	Upload(ctx context.Context, filename, contentType string, content io.Reader) (uri string, err error)

	// Load returns a reader for the attachment content.
	// Caller is responsible for closing the reader.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the attachment file from storage.
	Delete(ctx context.Context, uri string) error
}

// AttachmentLoader is the read side of AttachmentFileStore, all that
// payload assembly needs.
type AttachmentLoader interface {
	Load(ctx context.Context, uri string) (io.ReadCloser, error)
}
