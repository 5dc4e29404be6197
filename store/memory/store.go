// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted and
// the lock protocol only holds within one process.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Every compare-and-swap runs under mu, which
// gives the same single-statement atomicity the SQL backends rely on.
type Store struct {
	mu        sync.Mutex
	messages  map[string]*store.Message
	msgids    map[string]string // msgid -> id
	now       func() time.Time
	connected int32
}

// Option configures a memory store.
type Option func(*Store)

// WithClock overrides the time source used for updated_at and staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		messages: make(map[string]*store.Message),
		msgids:   make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrInvalidID
	}
	return nil
}

// Create stores a copy of msg.
func (s *Store) Create(_ context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return store.ErrDuplicateEntry
	}
	if _, ok := s.msgids[msg.MsgID]; ok {
		return store.ErrDuplicateEntry
	}

	c := msg.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.messages[c.ID] = c
	s.msgids[c.MsgID] = c.ID
	return nil
}

// Get returns the full message.
func (s *Store) Get(_ context.Context, id string) (*store.Message, error) {
	m, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// GetSummary returns the message without content.
func (s *Store) GetSummary(_ context.Context, id string) (*store.Message, error) {
	m, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return m.WithoutContent(), nil
}

func (s *Store) load(id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// ListClaimable returns claimable ids, oldest first.
func (s *Store) ListClaimable(_ context.Context, limit int, staleBefore time.Time) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var candidates []*store.Message
	for _, m := range s.messages {
		if claimable(m, staleBefore) {
			candidates = append(candidates, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}
	return ids, nil
}

func claimable(m *store.Message, staleBefore time.Time) bool {
	switch m.Status {
	case store.StatusQueued:
		return m.LockedBy == "" || m.UpdatedAt.Before(staleBefore)
	case store.StatusProcessing:
		return m.UpdatedAt.Before(staleBefore)
	}
	return false
}
