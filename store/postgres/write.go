package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
)

// Claim is a single compare-and-swap on locked_by.
func (s *Store) Claim(ctx context.Context, id, token string, staleBefore time.Time) (string, error) {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return "", err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET locked_by = $1, updated_at = NOW()
		WHERE id = $2 AND (locked_by IS NULL OR updated_at < $3)
		RETURNING locked_by
	`, s.messages)

	var holder string
	err = s.db.QueryRowContext(ctx, query, token, id, staleBefore).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		if exists, existsErr := s.exists(ctx, id); existsErr != nil {
			return "", existsErr
		} else if !exists {
			return "", store.ErrNotFound
		}
		return "", store.ErrClaimDenied
	}
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	return holder, nil
}

// Release clears locked_by when token holds it.
func (s *Store) Release(ctx context.Context, id, token string) error {
	return s.execHeld(ctx, "release", id, token, `
		UPDATE %s SET locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`)
}

// ForceRelease clears locked_by regardless of holder.
func (s *Store) ForceRelease(ctx context.Context, id string) error {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET locked_by = NULL, updated_at = NOW() WHERE id = $1`, s.messages)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("force release: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Touch refreshes updated_at under token.
func (s *Store) Touch(ctx context.Context, id, token string) error {
	return s.execHeld(ctx, "touch", id, token, `
		UPDATE %s SET updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`)
}

// ReclaimStale clears locks older than staleBefore and requeues stale
// processing rows.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_by = NULL,
		    status = CASE WHEN status = 'processing' THEN 'queued' ELSE status END,
		    updated_at = NOW()
		WHERE (locked_by IS NOT NULL OR status = 'processing') AND updated_at < $1
	`, s.messages)

	result, err := s.db.ExecContext(ctx, query, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// MarkProcessing moves a held queued message to processing.
func (s *Store) MarkProcessing(ctx context.Context, id, token string) error {
	return s.execHeld(ctx, "mark processing", id, token, `
		UPDATE %s SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status IN ('queued', 'processing')
	`)
}

// MarkSent records a successful send and releases the lock.
func (s *Store) MarkSent(ctx context.Context, id, token string, sentAt time.Time) error {
	return s.execHeld(ctx, "mark sent", id, token, `
		UPDATE %s SET status = 'sent', sent_at = $3, locked_by = NULL, last_error = '', updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'
	`, sentAt.UTC())
}

// MarkFailed records a failed attempt and releases the lock.
func (s *Store) MarkFailed(ctx context.Context, id, token, reason string) error {
	return s.execHeld(ctx, "mark failed", id, token, `
		UPDATE %s SET status = 'failed', locked_by = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = 'processing'
	`, reason)
}

// Requeue moves an unlocked failed message back to queued.
func (s *Store) Requeue(ctx context.Context, id string) error {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'queued', last_error = '', updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND locked_by IS NULL
	`, s.messages)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if exists, err := s.exists(ctx, id); err != nil {
			return err
		} else if !exists {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

// execHeld runs a token-guarded update. The query template receives the
// message table name; $1 is the id and $2 the token. A zero-row result is
// classified by reading the row back.
func (s *Store) execHeld(ctx context.Context, op, id, token, tmpl string, extra ...any) error {
	ctx, cancel, err := s.prepare(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()

	if _, err := uuid.Parse(token); err != nil {
		return store.ErrLockNotHeld
	}

	args := append([]any{id, token}, extra...)
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(tmpl, s.messages), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	return s.classifyMiss(ctx, id, token)
}

// classifyMiss explains why a token-guarded update touched no row.
func (s *Store) classifyMiss(ctx context.Context, id, token string) error {
	query := fmt.Sprintf(`SELECT locked_by FROM %s WHERE id = $1`, s.messages)
	var holder sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case err != nil:
		return fmt.Errorf("read lock holder: %w", err)
	case !holder.Valid || holder.String != token:
		return store.ErrLockNotHeld
	default:
		return store.ErrInvalidTransition
	}
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, s.messages)
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return ok, nil
}
