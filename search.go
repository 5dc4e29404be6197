package mailqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/mailqueue/store"
)

// SearchParams is the reporting query over delivered messages.
type SearchParams struct {
	UserID    int64
	CompanyID int64

	// IsAdmin lists every message of the company, not only those where
	// UserID is a to or cc recipient.
	IsAdmin bool

	// StartDate and EndDate (YYYY-MM-DD) bound the sent date, inclusive.
	// Both must be set to apply.
	StartDate string
	EndDate   string

	// Term matches the subject case-insensitively; whitespace matches any
	// run of characters.
	Term string

	// PerPage is capped at MaxSearchPerPage. Page starts at 1.
	PerPage int
	Page    int
}

// query validates p and converts it to a store query.
func (p SearchParams) query() (store.SearchQuery, error) {
	if p.CompanyID == 0 || p.UserID == 0 {
		return store.SearchQuery{}, fmt.Errorf("%w: user_id and company_id are required", store.ErrInvalidQuery)
	}

	q := store.SearchQuery{
		CompanyID: p.CompanyID,
		UserID:    p.UserID,
		Admin:     p.IsAdmin,
		Term:      p.Term,
		PageSize:  p.PerPage,
		Page:      p.Page,
	}
	if q.PageSize <= 0 || q.PageSize > MaxSearchPerPage {
		q.PageSize = MaxSearchPerPage
	}
	if q.Page < 1 {
		q.Page = store.DefaultSearchPage
	}

	if p.StartDate != "" && p.EndDate != "" {
		from, err := time.Parse(time.DateOnly, p.StartDate)
		if err != nil {
			return store.SearchQuery{}, fmt.Errorf("%w: start_date: %v", store.ErrInvalidQuery, err)
		}
		to, err := time.Parse(time.DateOnly, p.EndDate)
		if err != nil {
			return store.SearchQuery{}, fmt.Errorf("%w: end_date: %v", store.ErrInvalidQuery, err)
		}
		q.From, q.To = &from, &to
	}
	return q, nil
}

// Search returns one page of delivered messages visible to the user.
func (s *Service) Search(ctx context.Context, p SearchParams) (*store.SearchResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	q, err := p.query()
	if err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "mailqueue.Search")
	start := time.Now()
	res, err := s.store.Search(ctx, q)
	count := 0
	if res != nil {
		count = len(res.Data)
	}
	s.otel.recordSearch(ctx, time.Since(start), count, err)
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return res, nil
}
