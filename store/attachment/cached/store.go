// Package cached wraps an attachment store with a local disk cache.
//
// Bulk sends reuse the same attachment across many messages, and every
// delivery attempt reloads it for payload assembly. Load serves repeat reads
// from disk and collapses concurrent misses for one URI into a single
// backend fetch.
package cached

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/mailqueue/store"
	"golang.org/x/sync/singleflight"
)

// Store wraps an AttachmentFileStore with local file caching.
type Store struct {
	backend  store.AttachmentFileStore
	cacheDir string
	maxSize  int64
	ttl      time.Duration
	logger   *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	size int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New creates the cache directory and starts the expiry sweep.
// Call Close to stop it.
func New(backend store.AttachmentFileStore, opts ...Option) (*Store, error) {
	o := &options{
		cacheDir: os.TempDir(),
		maxSize:  DefaultMaxSize,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	dir := filepath.Join(o.cacheDir, "mailqueue-attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	s := &Store{
		backend:  backend,
		cacheDir: dir,
		maxSize:  o.maxSize,
		ttl:      o.ttl,
		logger:   o.logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.size = s.diskUsage()

	if s.ttl > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Close stops the expiry sweep. Cached files are left in place.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Upload passes through to the backend.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	return s.backend.Upload(ctx, filename, contentType, content)
}

// Load returns cached bytes when fresh, otherwise fetches from the backend
// and caches the result if it fits.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := s.path(uri)

	if data, ok := s.readFresh(path); ok {
		s.logger.Debug("attachment cache hit", "uri", uri)
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	v, err, shared := s.group.Do(uri, func() (any, error) {
		return s.fetch(ctx, uri, path)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("attachment cache miss", "uri", uri, "shared", shared)
	return io.NopCloser(bytes.NewReader(v.([]byte))), nil
}

// Delete removes the cached copy and the backend object.
func (s *Store) Delete(ctx context.Context, uri string) error {
	s.evict(s.path(uri))
	return s.backend.Delete(ctx, uri)
}

// Size returns the bytes currently cached.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Store) path(uri string) string {
	h := sha256.Sum256([]byte(uri))
	return filepath.Join(s.cacheDir, hex.EncodeToString(h[:]))
}

func (s *Store) readFresh(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if s.ttl > 0 && time.Since(info.ModTime()) >= s.ttl {
		s.evict(path)
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Store) fetch(ctx context.Context, uri, path string) ([]byte, error) {
	// A flight that finished between our miss and this call has filled it.
	if data, ok := s.readFresh(path); ok {
		return data, nil
	}

	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", uri, err)
	}

	if !s.reserve(int64(len(data))) {
		s.logger.Debug("attachment cache full", "uri", uri, "size", len(data))
		return data, nil
	}
	if err := writeAtomic(s.cacheDir, path, data); err != nil {
		s.release(int64(len(data)))
		s.logger.Warn("failed to cache attachment", "uri", uri, "error", err)
	}
	return data, nil
}

// writeAtomic writes through a temp file so readers never see a partial file.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *Store) reserve(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size+n > s.maxSize {
		return false
	}
	s.size += n
	return true
}

func (s *Store) release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size -= n
	if s.size < 0 {
		s.size = 0
	}
}

func (s *Store) evict(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if os.Remove(path) == nil {
		s.release(info.Size())
	}
}

func (s *Store) diskUsage() int64 {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read cache dir", "error", err)
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total
}

func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes entries older than the TTL.
func (s *Store) sweep() {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		s.logger.Warn("failed to read cache dir for sweep", "error", err)
		return
	}

	var removed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < s.ttl {
			continue
		}
		s.evict(filepath.Join(s.cacheDir, e.Name()))
		removed++
	}
	if removed > 0 {
		s.logger.Info("attachment cache sweep", "removed", removed)
	}
}
