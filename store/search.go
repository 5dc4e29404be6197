package store

import (
	"regexp"
	"strings"
	"time"
)

// Reporting query defaults.
const (
	MaxSearchPageSize = 10
	DefaultSearchPage = 1
	PreviewLength     = 80
)

// SearchQuery selects delivered messages visible to a user within a company.
// Only "to" and "cc" recipients grant visibility.
type SearchQuery struct {
	CompanyID int64
	UserID    int64

	// Admin drops the recipient user filter.
	Admin bool

	// From and To bound the sent_at date, inclusive. Both must be set to apply.
	From *time.Time
	To   *time.Time

	// Term is matched case-insensitively against the subject. Whitespace in
	// the term matches any run of characters.
	Term string

	PageSize int
	Page     int
}

// Offset returns the row offset of the requested page.
func (q SearchQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// HasDateRange reports whether both date bounds are set.
func (q SearchQuery) HasDateRange() bool {
	return q.From != nil && q.To != nil
}

var whitespace = regexp.MustCompile(`\s`)

// LikePattern converts Term into an ILIKE pattern: %term% with each
// whitespace rune replaced by %.
func (q SearchQuery) LikePattern() string {
	if q.Term == "" {
		return ""
	}
	return whitespace.ReplaceAllString("%"+q.Term+"%", "%")
}

// MatchSubject applies the LikePattern semantics in memory.
func (q SearchQuery) MatchSubject(subject string) bool {
	if q.Term == "" {
		return true
	}
	parts := whitespace.Split(strings.ToLower(q.Term), -1)
	rest := strings.ToLower(subject)
	for _, p := range parts {
		if p == "" {
			continue
		}
		i := strings.Index(rest, p)
		if i < 0 {
			return false
		}
		rest = rest[i+len(p):]
	}
	return true
}

// InDateRange reports whether sentAt falls inside the query's date bounds.
// A message without sent_at never matches an active range.
func (q SearchQuery) InDateRange(sentAt *time.Time) bool {
	if !q.HasDateRange() {
		return true
	}
	if sentAt == nil {
		return false
	}
	day := truncateDay(*sentAt)
	return !day.Before(truncateDay(*q.From)) && !day.After(truncateDay(*q.To))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Digest is one row of a search result: message fields merged with its
// visible recipients.
type Digest struct {
	ID      string     `json:"id"`
	Subject string     `json:"subject"`
	SentAt  *time.Time `json:"sent_at"`
	Text    string     `json:"text"`
	HTML    *string    `json:"html"`
	To      *Address   `json:"to,omitempty"`
	Cc      []Address  `json:"cc,omitempty"`
}

// Preview truncates text to PreviewLength runes.
func Preview(text *string) string {
	if text == nil {
		return ""
	}
	r := []rune(*text)
	if len(r) > PreviewLength {
		r = r[:PreviewLength]
	}
	return string(r)
}

// SearchResult is one page of digests.
type SearchResult struct {
	Data        []Digest `json:"data"`
	Total       int      `json:"total"`
	NumPages    int      `json:"num_pages"`
	CurrentPage int      `json:"current_page"`
}

// NewSearchResult fills in paging fields. CurrentPage is 0 when data is empty.
func NewSearchResult(q SearchQuery, data []Digest, total int) *SearchResult {
	if data == nil {
		data = []Digest{}
	}
	res := &SearchResult{Data: data, Total: total}
	if len(data) == 0 {
		res.Total = 0
		return res
	}
	if q.PageSize > 0 {
		res.NumPages = total / q.PageSize
		if total%q.PageSize != 0 {
			res.NumPages++
		}
	}
	res.CurrentPage = q.Page
	return res
}
