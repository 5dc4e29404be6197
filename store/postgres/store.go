// Package postgres provides a PostgreSQL implementation of store.Store.
//
// The schema has four tables: message, recipient, address and attachment.
// Every lock operation is one parameterized UPDATE; see the store package
// documentation for the protocol.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailqueue/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger

	messages    string
	recipients  string
	addresses   string
	attachments string
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:          db,
		opts:        o,
		logger:      o.logger,
		messages:    o.prefix + "message",
		recipients:  o.prefix + "recipient",
		addresses:   o.prefix + "address",
		attachments: o.prefix + "attachment",
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect pings the database and initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "message_table", s.messages)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			address_id BIGSERIAL PRIMARY KEY,
			email VARCHAR(320) NOT NULL,
			name VARCHAR(256) NOT NULL DEFAULT '',
			user_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (email, name)
		)`, s.addresses),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			msgid VARCHAR(128) NOT NULL UNIQUE,
			subject VARCHAR(200) NOT NULL,
			provider VARCHAR(32) NOT NULL CHECK (provider IN ('sendgrid', 'smtp', 'ses')),
			sandbox BOOLEAN NOT NULL DEFAULT FALSE,
			text TEXT,
			html TEXT,
			from_email BIGINT NOT NULL REFERENCES %s(address_id),
			sent_at TIMESTAMPTZ,
			status VARCHAR(16) NOT NULL CHECK (status IN ('queued', 'processing', 'sent', 'failed')),
			locked_by UUID,
			last_error TEXT NOT NULL DEFAULT '',
			company_id BIGINT,
			entity_id VARCHAR(256),
			entity_type VARCHAR(256),
			migration_info VARCHAR(100),
			id_old BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.messages, s.addresses),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			message_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			address_id BIGINT NOT NULL REFERENCES %s(address_id),
			type VARCHAR(8) NOT NULL CHECK (type IN ('to', 'cc', 'bcc')),
			position INT NOT NULL DEFAULT 0,
			PRIMARY KEY (message_id, type, address_id)
		)`, s.recipients, s.messages, s.addresses),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			message_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			filename VARCHAR(255) NOT NULL DEFAULT '',
			content_type VARCHAR(255) NOT NULL,
			content_disposition VARCHAR(512) NOT NULL DEFAULT '',
			uri TEXT NOT NULL,
			hash VARCHAR(64) NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			position INT NOT NULL DEFAULT 0
		)`, s.attachments, s.messages),
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_claimable ON %s(status, created_at) WHERE status IN ('queued', 'processing')`, s.messages, s.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_locked ON %s(updated_at) WHERE locked_by IS NOT NULL`, s.messages, s.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_company_sent ON %s(company_id, sent_at DESC)`, s.messages, s.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_address ON %s(address_id)`, s.recipients, s.recipients),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`, s.addresses, s.addresses),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s(message_id)`, s.attachments, s.attachments),
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// prepare validates the id and derives the operation context.
func (s *Store) prepare(ctx context.Context, id string) (context.Context, context.CancelFunc, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, store.ErrInvalidID
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return ctx, cancel, nil
}

// isUniqueViolation reports a 23505 error from lib/pq.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
