package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeBucket struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeBucket) UploadObject(_ context.Context, in *transfermanager.UploadObjectInput, _ ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := *in.Bucket + "/" + *in.Key
	f.objects[k] = data
	f.types[k] = *in.ContentType
	return &transfermanager.UploadObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	day := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := NewWithClient(bucket, bucket,
		WithBucket("mail"),
		WithClock(func() time.Time { return day }),
	)
	if err != nil {
		t.Fatalf("NewWithClient failed: %v", err)
	}

	uri, err := s.Upload(ctx, "report.pdf", "application/pdf", strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !strings.HasPrefix(uri, "s3://mail/attachments/2024/01/02/") {
		t.Fatalf("unexpected uri: %s", uri)
	}

	rc, err := s.Load(ctx, uri)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "%PDF" {
		t.Fatalf("unexpected content: %q", data)
	}

	if err := s.Delete(ctx, uri); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(ctx, uri); err == nil {
		t.Fatal("expected error after delete")
	}

	if _, err := s.Load(ctx, "gs://mail/x"); err == nil {
		t.Fatal("expected error for foreign scheme")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	bucket := newFakeBucket()
	if _, err := NewWithClient(bucket, bucket); err == nil {
		t.Fatal("expected error without bucket")
	}
}
