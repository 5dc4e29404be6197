package mailqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for delivery events.
const (
	EventNameMessageSent   = "mailqueue.message.sent"
	EventNameMessageFailed = "mailqueue.message.failed"
	EventNameLockReclaimed = "mailqueue.lock.reclaimed"
)

// MessageSentEvent is published after a message is recorded as sent,
// sandboxed deliveries included.
type MessageSentEvent struct {
	MessageID string    `json:"message_id"`
	MsgID     string    `json:"msgid"`
	Provider  string    `json:"provider"`
	Sandbox   bool      `json:"sandbox"`
	Size      int       `json:"size"`
	SentAt    time.Time `json:"sent_at"`
}

// MessageFailedEvent is published after a message is recorded as failed.
type MessageFailedEvent struct {
	MessageID string    `json:"message_id"`
	MsgID     string    `json:"msgid"`
	Provider  string    `json:"provider"`
	Reason    string    `json:"reason"`
	Permanent bool      `json:"permanent"`
	FailedAt  time.Time `json:"failed_at"`
}

// LockReclaimedEvent is published when a reclaim pass cleared stale locks.
type LockReclaimedEvent struct {
	Count       int       `json:"count"`
	StaleBefore time.Time `json:"stale_before"`
	ReclaimedAt time.Time `json:"reclaimed_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus.
//
// Subscribe to events:
//
//	svc.Events().MessageFailed.Subscribe(ctx, handler)
type ServiceEvents struct {
	MessageSent   event.Event[MessageSentEvent]
	MessageFailed event.Event[MessageFailedEvent]
	LockReclaimed event.Event[LockReclaimedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageSent:   event.New[MessageSentEvent](namePrefix + "." + EventNameMessageSent),
		MessageFailed: event.New[MessageFailedEvent](namePrefix + "." + EventNameMessageFailed),
		LockReclaimed: event.New[LockReclaimedEvent](namePrefix + "." + EventNameLockReclaimed),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageSent); err != nil {
		return fmt.Errorf("register MessageSent: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageFailed); err != nil {
		return fmt.Errorf("register MessageFailed: %w", err)
	}
	if err := event.Register(ctx, bus, events.LockReclaimed); err != nil {
		return fmt.Errorf("register LockReclaimed: %w", err)
	}
	return nil
}

// publish sends an event and applies the failure policy. A returned error
// means eventErrorsFatal is set.
func publish[T any](ctx context.Context, s *Service, name string, ev event.Event[T], payload T) error {
	if s.events == nil {
		return nil
	}
	if err := ev.Publish(ctx, payload); err != nil {
		if s.opts.eventErrorsFatal {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		s.opts.safeEventPublishFailure(name, err)
	}
	return nil
}
