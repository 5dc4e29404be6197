package mailqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
)

// Enqueue validates msg and stores it as queued and unlocked. Missing ID and
// MsgID are generated; MsgID uses the configured domain.
func (s *Service) Enqueue(ctx context.Context, msg *store.Message) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.MsgID == "" {
		msg.MsgID = store.GenerateMsgID(s.opts.msgIDDomain)
	}
	msg.Status = store.StatusQueued
	msg.LockedBy = ""
	msg.SentAt = nil
	msg.LastError = ""

	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := s.store.Create(ctx, msg); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	s.logger.Debug("message enqueued",
		"message_id", msg.ID,
		"provider", msg.Provider,
		"recipients", len(msg.Recipients),
		"attachments", len(msg.Attachments))
	return nil
}

// Attach uploads content to the attachment store and appends its metadata
// to msg. Call it before Enqueue.
func (s *Service) Attach(ctx context.Context, msg *store.Message, filename, contentType string, content io.Reader) (store.Attachment, error) {
	if s.attachments == nil {
		return store.Attachment{}, ErrAttachmentStoreNotConfigured
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}

	uri, err := s.attachments.Upload(ctx, filename, contentType, bytes.NewReader(data))
	if err != nil {
		return store.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}

	a := store.Attachment{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: contentType,
		URI:         uri,
		Hash:        store.HashData(data),
		Size:        int64(len(data)),
	}
	msg.Attachments = append(msg.Attachments, a)
	return a, nil
}

// Get returns the full message.
func (s *Service) Get(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// GetSummary returns the message without text and html.
func (s *Service) GetSummary(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.store.GetSummary(ctx, id)
}

// Requeue moves a failed, unlocked message back to queued so a worker picks
// it up again. This is the hook for an external retry policy.
func (s *Service) Requeue(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := s.store.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	s.logger.Info("message requeued", "message_id", id)
	return nil
}

// ForceRelease clears the lock on id regardless of holder.
func (s *Service) ForceRelease(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	return s.locker.ForceRelease(ctx, id)
}

// ReclaimStale clears locks older than the staleness window and requeues
// their processing messages.
func (s *Service) ReclaimStale(ctx context.Context) (int, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	staleBefore := s.locker.StaleBefore()
	n, err := s.locker.ReclaimStale(ctx)
	if err != nil {
		return 0, err
	}
	s.otel.recordReclaim(ctx, n)
	if n == 0 {
		return 0, nil
	}

	if err := publish(ctx, s, "LockReclaimed", s.events.LockReclaimed, LockReclaimedEvent{
		Count:       n,
		StaleBefore: staleBefore,
		ReclaimedAt: s.opts.clock(),
	}); err != nil {
		return n, err
	}
	return n, nil
}
