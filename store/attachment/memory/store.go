// Package memory provides an in-process attachment store for tests and
// single-node development.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
)

const scheme = "mem://"

// ErrNotFound is returned by Load for an unknown URI.
var ErrNotFound = errors.New("attachment: not found")

type object struct {
	contentType string
	data        []byte
}

// Store keeps attachment bytes in a map.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	loads   int
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// Upload copies content and returns a mem:// URI.
func (s *Store) Upload(_ context.Context, filename, contentType string, content io.Reader) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	uri := scheme + uuid.NewString() + "/" + filename

	s.mu.Lock()
	s.objects[uri] = object{contentType: contentType, data: data}
	s.mu.Unlock()
	return uri, nil
}

// Put stores data under a caller-chosen URI.
func (s *Store) Put(uri string, data []byte) {
	s.mu.Lock()
	s.objects[uri] = object{data: bytes.Clone(data)}
	s.mu.Unlock()
}

// Load returns a reader over a copy of the stored bytes.
func (s *Store) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	s.mu.Lock()
	obj, ok := s.objects[uri]
	s.loads++
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes uri. Unknown URIs are ignored.
func (s *Store) Delete(_ context.Context, uri string) error {
	s.mu.Lock()
	delete(s.objects, uri)
	s.mu.Unlock()
	return nil
}

// Loads returns how many times Load was called.
func (s *Store) Loads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads
}
