package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailqueue/store"
)

// Create inserts the message, its addresses, recipients and attachment
// metadata in one transaction.
func (s *Store) Create(ctx context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fromID, err := s.upsertAddress(ctx, tx, msg.From)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, msgid, subject, provider, sandbox, text, html, from_email,
		                sent_at, status, last_error, company_id, entity_id, entity_type,
		                migration_info, id_old, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        COALESCE($17, NOW()), NOW())
		RETURNING created_at, updated_at
	`, s.messages)

	var createdAt sql.NullTime
	if !msg.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: msg.CreatedAt, Valid: true}
	}

	err = tx.QueryRowxContext(ctx, query,
		msg.ID, msg.MsgID, msg.Subject, string(msg.Provider), msg.Sandbox,
		nullString(msg.Text), nullString(msg.HTML), fromID,
		msg.SentAt, string(msg.Status), msg.LastError, msg.CompanyID,
		emptyNull(msg.EntityID), emptyNull(msg.EntityType), emptyNull(msg.MigrationInfo), msg.IDOld,
		createdAt,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("insert message: %w", err)
	}
	msg.From.ID = fromID

	recipientQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id, address_id, type, position) VALUES ($1, $2, $3, $4)
	`, s.recipients)
	for i := range msg.Recipients {
		r := &msg.Recipients[i]
		addrID, err := s.upsertAddress(ctx, tx, r.Address)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, recipientQuery, msg.ID, addrID, string(r.Type), i); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateRecipient
			}
			return fmt.Errorf("insert recipient: %w", err)
		}
		r.Address.ID = addrID
	}

	attachmentQuery := fmt.Sprintf(`
		INSERT INTO %s (id, message_id, filename, content_type, content_disposition, uri, hash, size, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.attachments)
	for i, a := range msg.Attachments {
		if _, err := tx.ExecContext(ctx, attachmentQuery,
			a.ID, msg.ID, a.Filename, a.ContentType, a.Disposition, a.URI, a.Hash, a.Size, i,
		); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// upsertAddress returns the id of the (email, name) address row, creating it
// if needed. A known user id is never overwritten with NULL.
func (s *Store) upsertAddress(ctx context.Context, tx *sqlx.Tx, a store.Address) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (email, name, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (email, name) DO UPDATE
		SET user_id = COALESCE(EXCLUDED.user_id, %s.user_id), updated_at = NOW()
		RETURNING address_id
	`, s.addresses, s.addresses)

	var id int64
	if err := tx.QueryRowxContext(ctx, query, a.Email, a.Name, a.UserID).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert address: %w", err)
	}
	return id, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func emptyNull(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
