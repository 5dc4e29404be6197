package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/mailqueue/store"
)

// messageRow is the joined message + from address row.
type messageRow struct {
	ID            string         `db:"id"`
	MsgID         string         `db:"msgid"`
	Subject       string         `db:"subject"`
	Provider      string         `db:"provider"`
	Sandbox       bool           `db:"sandbox"`
	Text          sql.NullString `db:"text"`
	HTML          sql.NullString `db:"html"`
	SentAt        sql.NullTime   `db:"sent_at"`
	Status        string         `db:"status"`
	LockedBy      sql.NullString `db:"locked_by"`
	LastError     string         `db:"last_error"`
	CompanyID     sql.NullInt64  `db:"company_id"`
	EntityID      sql.NullString `db:"entity_id"`
	EntityType    sql.NullString `db:"entity_type"`
	MigrationInfo sql.NullString `db:"migration_info"`
	IDOld         sql.NullInt64  `db:"id_old"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	FromID        int64          `db:"from_id"`
	FromEmail     string         `db:"from_addr"`
	FromName      string         `db:"from_name"`
	FromUserID    sql.NullInt64  `db:"from_user_id"`
}

type recipientRow struct {
	Type      string        `db:"type"`
	AddressID int64         `db:"address_id"`
	Email     string        `db:"email"`
	Name      string        `db:"name"`
	UserID    sql.NullInt64 `db:"user_id"`
}

// searchRow is one (message, visible recipient) pair of a search page.
type searchRow struct {
	ID        string         `db:"id"`
	Subject   string         `db:"subject"`
	SentAt    sql.NullTime   `db:"sent_at"`
	Text      sql.NullString `db:"text"`
	HTML      sql.NullString `db:"html"`
	Type      string         `db:"type"`
	AddressID int64          `db:"address_id"`
	Email     string         `db:"email"`
	Name      string         `db:"name"`
	UserID    sql.NullInt64  `db:"user_id"`
}

type attachmentRow struct {
	ID          string `db:"id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Disposition string `db:"content_disposition"`
	URI         string `db:"uri"`
	Hash        string `db:"hash"`
	Size        int64  `db:"size"`
}

// Get returns the full message.
func (s *Store) Get(ctx context.Context, id string) (*store.Message, error) {
	return s.get(ctx, id, true)
}

// GetSummary returns the message without text and html.
func (s *Store) GetSummary(ctx context.Context, id string) (*store.Message, error) {
	return s.get(ctx, id, false)
}

func (s *Store) get(ctx context.Context, id string, withContent bool) (*store.Message, error) {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cancel()

	content := "NULL::text AS text, NULL::text AS html"
	if withContent {
		content = "m.text, m.html"
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.msgid, m.subject, m.provider, m.sandbox, %s,
		       m.sent_at, m.status, m.locked_by, m.last_error, m.company_id,
		       m.entity_id, m.entity_type, m.migration_info, m.id_old,
		       m.created_at, m.updated_at,
		       a.address_id AS from_id, a.email AS from_addr, a.name AS from_name, a.user_id AS from_user_id
		FROM %s m
		JOIN %s a ON a.address_id = m.from_email
		WHERE m.id = $1
	`, content, s.messages, s.addresses)

	var row messageRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	msg, err := row.toMessage()
	if err != nil {
		return nil, err
	}

	var recipients []recipientRow
	recipientQuery := fmt.Sprintf(`
		SELECT r.type, a.address_id, a.email, a.name, a.user_id
		FROM %s r
		JOIN %s a ON a.address_id = r.address_id
		WHERE r.message_id = $1
		ORDER BY r.position
	`, s.recipients, s.addresses)
	if err := s.db.SelectContext(ctx, &recipients, recipientQuery, id); err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	for _, r := range recipients {
		t, err := store.ParseRecipientType(r.Type)
		if err != nil {
			return nil, err
		}
		msg.Recipients = append(msg.Recipients, store.Recipient{
			Type: t,
			Address: store.Address{
				ID: r.AddressID, Email: r.Email, Name: r.Name, UserID: nullInt(r.UserID),
			},
		})
	}

	var attachments []attachmentRow
	attachmentQuery := fmt.Sprintf(`
		SELECT id, filename, content_type, content_disposition, uri, hash, size
		FROM %s WHERE message_id = $1 ORDER BY position
	`, s.attachments)
	if err := s.db.SelectContext(ctx, &attachments, attachmentQuery, id); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	for _, a := range attachments {
		msg.Attachments = append(msg.Attachments, store.Attachment(a))
	}

	return msg, nil
}

func (r *messageRow) toMessage() (*store.Message, error) {
	status, err := store.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	provider, err := store.ParseProvider(r.Provider)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:            r.ID,
		MsgID:         r.MsgID,
		Subject:       r.Subject,
		Provider:      provider,
		Sandbox:       r.Sandbox,
		Status:        status,
		LockedBy:      r.LockedBy.String,
		LastError:     r.LastError,
		CompanyID:     nullInt(r.CompanyID),
		EntityID:      r.EntityID.String,
		EntityType:    r.EntityType.String,
		MigrationInfo: r.MigrationInfo.String,
		IDOld:         nullInt(r.IDOld),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		From: store.Address{
			ID: r.FromID, Email: r.FromEmail, Name: r.FromName, UserID: nullInt(r.FromUserID),
		},
	}
	if r.Text.Valid {
		msg.Text = store.String(r.Text.String)
	}
	if r.HTML.Valid {
		msg.HTML = store.String(r.HTML.String)
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time
		msg.SentAt = &t
	}
	return msg, nil
}

// ListClaimable returns claimable ids, oldest first.
func (s *Store) ListClaimable(ctx context.Context, limit int, staleBefore time.Time) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE (status = 'queued' AND (locked_by IS NULL OR updated_at < $1))
		   OR (status = 'processing' AND updated_at < $1)
		ORDER BY created_at, id
		LIMIT $2
	`, s.messages)

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("list claimable: %w", err)
	}
	return ids, nil
}

// Search runs the reporting query: a page of message ids visible to the user,
// then one bulk read of those messages with their to/cc recipients.
func (s *Store) Search(ctx context.Context, q store.SearchQuery) (*store.SearchResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if q.PageSize <= 0 || q.Page <= 0 {
		return nil, store.ErrInvalidQuery
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	args := []any{q.CompanyID}
	var where strings.Builder
	where.WriteString("m.company_id = $1")
	if !q.Admin {
		args = append(args, q.UserID)
		fmt.Fprintf(&where, " AND a.user_id = $%d", len(args))
	}
	if q.HasDateRange() {
		args = append(args, q.From.UTC().Format(time.DateOnly), q.To.UTC().Format(time.DateOnly))
		fmt.Fprintf(&where, " AND CAST(m.sent_at AS DATE) BETWEEN $%d::date AND $%d::date", len(args)-1, len(args))
	}
	if pattern := q.LikePattern(); pattern != "" {
		args = append(args, pattern)
		fmt.Fprintf(&where, " AND m.subject ILIKE $%d", len(args))
	}
	args = append(args, q.PageSize, q.Offset())

	pageQuery := fmt.Sprintf(`
		SELECT result.id, COUNT(*) OVER() AS total FROM (
			SELECT DISTINCT m.id, m.sent_at
			FROM %s m
			JOIN %s r ON r.message_id = m.id AND r.type IN ('to', 'cc')
			JOIN %s a ON a.address_id = r.address_id
			WHERE %s
		) AS result
		ORDER BY result.sent_at DESC NULLS LAST, result.id
		LIMIT $%d OFFSET $%d
	`, s.messages, s.recipients, s.addresses, where.String(), len(args)-1, len(args))

	var page []struct {
		ID    string `db:"id"`
		Total int    `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &page, pageQuery, args...); err != nil {
		return nil, fmt.Errorf("search page: %w", err)
	}
	if len(page) == 0 {
		return store.NewSearchResult(q, nil, 0), nil
	}

	ids := make([]string, len(page))
	for i, p := range page {
		ids[i] = p.ID
	}

	infoQuery := fmt.Sprintf(`
		SELECT m.id, m.subject, m.sent_at, m.text, m.html,
		       r.type, a.address_id, a.email, a.name, a.user_id
		FROM %s m
		JOIN %s r ON r.message_id = m.id AND r.type IN ('to', 'cc')
		JOIN %s a ON a.address_id = r.address_id
		WHERE m.id = ANY($1::uuid[])
		ORDER BY m.sent_at DESC NULLS LAST, m.id, r.position
	`, s.messages, s.recipients, s.addresses)

	var rows []searchRow
	if err := s.db.SelectContext(ctx, &rows, infoQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("search details: %w", err)
	}

	var data []store.Digest
	index := make(map[string]int)
	for _, row := range rows {
		i, ok := index[row.ID]
		if !ok {
			d := store.Digest{ID: row.ID, Subject: row.Subject}
			if row.SentAt.Valid {
				t := row.SentAt.Time
				d.SentAt = &t
			}
			if row.Text.Valid {
				d.Text = store.Preview(&row.Text.String)
			}
			if row.HTML.Valid {
				d.HTML = store.String(row.HTML.String)
			}
			data = append(data, d)
			i = len(data) - 1
			index[row.ID] = i
		}
		addr := store.Address{
			ID: row.AddressID, Email: row.Email, Name: row.Name, UserID: nullInt(row.UserID),
		}
		if row.Type == string(store.RecipientTo) {
			data[i].To = &addr
		} else {
			data[i].Cc = append(data[i].Cc, addr)
		}
	}

	return store.NewSearchResult(q, data, page[0].Total), nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
