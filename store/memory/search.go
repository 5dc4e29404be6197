package memory

import (
	"context"
	"sort"

	"github.com/rbaliyan/mailqueue/store"
)

// Search implements the reporting query with in-memory filtering.
func (s *Store) Search(_ context.Context, q store.SearchQuery) (*store.SearchResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if q.PageSize <= 0 || q.Page <= 0 {
		return nil, store.ErrInvalidQuery
	}

	s.mu.Lock()
	var matched []*store.Message
	for _, m := range s.messages {
		if visible(m, q) {
			matched = append(matched, m.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].SentAt, matched[j].SentAt
		switch {
		case a == nil && b == nil:
			return matched[i].ID < matched[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}

	data := make([]store.Digest, 0, end-start)
	for _, m := range matched[start:end] {
		data = append(data, digest(m))
	}
	return store.NewSearchResult(q, data, total), nil
}

func visible(m *store.Message, q store.SearchQuery) bool {
	if m.CompanyID == nil || *m.CompanyID != q.CompanyID {
		return false
	}
	if !q.InDateRange(m.SentAt) || !q.MatchSubject(m.Subject) {
		return false
	}
	hasRecipient := false
	for _, r := range m.Recipients {
		if r.Type == store.RecipientBcc {
			continue
		}
		if q.Admin {
			hasRecipient = true
			break
		}
		if r.Address.UserID != nil && *r.Address.UserID == q.UserID {
			hasRecipient = true
			break
		}
	}
	return hasRecipient
}

func digest(m *store.Message) store.Digest {
	d := store.Digest{
		ID:      m.ID,
		Subject: m.Subject,
		SentAt:  m.SentAt,
		Text:    store.Preview(m.Text),
		HTML:    m.HTML,
	}
	for _, r := range m.Recipients {
		switch r.Type {
		case store.RecipientTo:
			a := r.Address
			d.To = &a
		case store.RecipientCc:
			d.Cc = append(d.Cc, r.Address)
		}
	}
	return d
}
