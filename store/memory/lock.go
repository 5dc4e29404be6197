package memory

import (
	"context"
	"time"

	"github.com/rbaliyan/mailqueue/store"
)

// Claim sets locked_by to token if the message is unlocked or stale.
func (s *Store) Claim(_ context.Context, id, token string, staleBefore time.Time) (string, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}
	if err := validID(id); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if m.LockedBy != "" && !m.UpdatedAt.Before(staleBefore) {
		return "", store.ErrClaimDenied
	}
	m.LockedBy = token
	m.UpdatedAt = s.now()
	return m.LockedBy, nil
}

// Release clears locked_by if token holds it.
func (s *Store) Release(_ context.Context, id, token string) error {
	return s.mutateHeld(id, token, func(m *store.Message) error {
		m.LockedBy = ""
		return nil
	})
}

// ForceRelease clears locked_by unconditionally.
func (s *Store) ForceRelease(_ context.Context, id string) error {
	return s.mutate(id, func(m *store.Message) error {
		m.LockedBy = ""
		return nil
	})
}

// Touch refreshes updated_at while token holds the lock.
func (s *Store) Touch(_ context.Context, id, token string) error {
	return s.mutateHeld(id, token, func(*store.Message) error { return nil })
}

// ReclaimStale clears stale locks and requeues stale processing messages.
func (s *Store) ReclaimStale(_ context.Context, staleBefore time.Time) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, m := range s.messages {
		if m.LockedBy == "" && m.Status != store.StatusProcessing {
			continue
		}
		if !m.UpdatedAt.Before(staleBefore) {
			continue
		}
		m.LockedBy = ""
		if m.Status == store.StatusProcessing {
			m.Status = store.StatusQueued
		}
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

// MarkProcessing moves queued or processing to processing under token.
func (s *Store) MarkProcessing(_ context.Context, id, token string) error {
	return s.mutateHeld(id, token, func(m *store.Message) error {
		if m.Status != store.StatusQueued && m.Status != store.StatusProcessing {
			return store.ErrInvalidTransition
		}
		m.Status = store.StatusProcessing
		return nil
	})
}

// MarkSent moves processing to sent and clears the lock.
func (s *Store) MarkSent(_ context.Context, id, token string, sentAt time.Time) error {
	return s.mutateHeld(id, token, func(m *store.Message) error {
		if m.Status != store.StatusProcessing {
			return store.ErrInvalidTransition
		}
		t := sentAt.UTC()
		m.Status = store.StatusSent
		m.SentAt = &t
		m.LockedBy = ""
		m.LastError = ""
		return nil
	})
}

// MarkFailed moves processing to failed and clears the lock.
func (s *Store) MarkFailed(_ context.Context, id, token, reason string) error {
	return s.mutateHeld(id, token, func(m *store.Message) error {
		if m.Status != store.StatusProcessing {
			return store.ErrInvalidTransition
		}
		m.Status = store.StatusFailed
		m.LockedBy = ""
		m.LastError = reason
		return nil
	})
}

// Requeue moves an unlocked failed message back to queued.
func (s *Store) Requeue(_ context.Context, id string) error {
	return s.mutate(id, func(m *store.Message) error {
		if m.Status != store.StatusFailed || m.LockedBy != "" {
			return store.ErrInvalidTransition
		}
		m.Status = store.StatusQueued
		m.LastError = ""
		return nil
	})
}

func (s *Store) mutateHeld(id, token string, fn func(*store.Message) error) error {
	return s.mutate(id, func(m *store.Message) error {
		if token == "" || m.LockedBy != token {
			return store.ErrLockNotHeld
		}
		return fn(m)
	})
}

// mutate applies fn under the store mutex and bumps updated_at on success.
func (s *Store) mutate(id string, fn func(*store.Message) error) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := validID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := fn(m); err != nil {
		return err
	}
	m.UpdatedAt = s.now()
	return nil
}
