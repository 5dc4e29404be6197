package mongo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rbaliyan/mailqueue/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// regexMetaChars matches regex metacharacters that need escaping.
var regexMetaChars = regexp.MustCompile(`[\\^$.|?*+()[\]{}]`)

// escapeRegex escapes regex metacharacters in a string to prevent regex injection.
func escapeRegex(s string) string {
	return regexMetaChars.ReplaceAllString(s, `\$0`)
}

// subjectPattern turns a search term into a regex where each whitespace
// separated part must appear in order.
func subjectPattern(term string) string {
	parts := strings.Fields(term)
	for i, p := range parts {
		parts[i] = escapeRegex(p)
	}
	return strings.Join(parts, ".*")
}

// Search implements the reporting query.
func (s *Store) Search(ctx context.Context, q store.SearchQuery) (*store.SearchResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if q.PageSize <= 0 || q.Page <= 0 {
		return nil, store.ErrInvalidQuery
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	visible := bson.M{"type": bson.M{"$in": bson.A{string(store.RecipientTo), string(store.RecipientCc)}}}
	if !q.Admin {
		visible["address.user_id"] = q.UserID
	}

	filter := bson.M{
		"company_id": q.CompanyID,
		"recipients": bson.M{"$elemMatch": visible},
	}
	if q.HasDateRange() {
		from := truncateDay(*q.From)
		to := truncateDay(*q.To).Add(24 * time.Hour)
		filter["sent_at"] = bson.M{"$gte": from, "$lt": to}
	}
	if pattern := subjectPattern(q.Term); pattern != "" {
		filter["subject"] = bson.M{"$regex": pattern, "$options": "i"}
	}

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count search results: %w", err)
	}
	if total == 0 {
		return store.NewSearchResult(q, nil, 0), nil
	}

	// Documents without sent_at sort last.
	opts := mongoopts.Find().
		SetProjection(bson.M{"subject": 1, "sent_at": 1, "text": 1, "html": 1, "recipients": 1}).
		SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(q.Offset())).
		SetLimit(int64(q.PageSize))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}

	data := make([]store.Digest, 0, len(docs))
	for i := range docs {
		data = append(data, docs[i].digest())
	}
	return store.NewSearchResult(q, data, int(total)), nil
}

func (d *messageDoc) digest() store.Digest {
	out := store.Digest{
		ID:      d.ID,
		Subject: d.Subject,
		SentAt:  d.SentAt,
		Text:    store.Preview(d.Text),
		HTML:    d.HTML,
	}
	for _, r := range d.Recipients {
		addr := r.Address.toAddress()
		switch store.RecipientType(r.Type) {
		case store.RecipientTo:
			out.To = &addr
		case store.RecipientCc:
			out.Cc = append(out.Cc, addr)
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
