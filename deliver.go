package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/retry"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/transport"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome is how a Deliver call ended.
type Outcome string

// Delivery outcomes.
const (
	// OutcomeSkipped means another worker holds the message.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSent means the transport accepted the payload.
	OutcomeSent Outcome = "sent"
	// OutcomeSandboxed means the message was marked sent without a transport call.
	OutcomeSandboxed Outcome = "sandboxed"
	// OutcomeFailed means the message was recorded as failed; Result.Err says why.
	OutcomeFailed Outcome = "failed"
)

// Result describes a completed Deliver call.
type Result struct {
	MessageID string
	Outcome   Outcome
	Provider  store.Provider

	// Size is the assembled payload length, zero if assembly did not run.
	Size int

	SentAt *time.Time

	// Err is the *payload.AssemblyError, *TransportError or *PluginError
	// that failed the message. Nil unless Outcome is OutcomeFailed.
	Err error
}

// Deliver runs one delivery attempt for id.
//
// A message held by another worker is skipped. Otherwise the message moves
// to processing, is assembled and sent (or only marked sent in sandbox
// mode), and ends as sent or failed with the lock cleared. Assembly and
// transport failures are recorded on the message and reported in Result;
// the returned error is reserved for conditions the caller must act on:
// lock invariant violations, store failures, ErrAlreadySent and
// ErrTerminalState.
func (s *Service) Deliver(ctx context.Context, id string) (*Result, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := s.deliverSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.deliverSem.Release(1)

	ctx, endSpan := s.otel.startSpan(ctx, "mailqueue.Deliver", attribute.String("message_id", id))
	start := time.Now()
	res := &Result{MessageID: id}

	err := s.locker.WithLock(ctx, id, func(ctx context.Context, lease *Lease) error {
		return s.deliverLocked(ctx, lease, res)
	})
	if errors.Is(err, ErrClaimDenied) {
		res.Outcome = OutcomeSkipped
		err = nil
		s.logger.Debug("message held by another worker", "message_id", id)
	}

	s.otel.recordDeliver(ctx, time.Since(start), string(res.Provider), res.Outcome, res.Size, err)
	endSpan(err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) deliverLocked(ctx context.Context, lease *Lease, res *Result) error {
	msg, err := s.store.Get(ctx, lease.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	res.Provider = msg.Provider

	switch msg.Status {
	case store.StatusSent:
		return fmt.Errorf("deliver %s: %w", msg.ID, ErrAlreadySent)
	case store.StatusFailed:
		return fmt.Errorf("deliver %s: %w", msg.ID, ErrTerminalState)
	}

	if err := s.store.MarkProcessing(ctx, msg.ID, lease.Token); err != nil {
		return s.heldErr(ctx, "mark processing", lease, err)
	}
	msg.Status = store.StatusProcessing

	work, stopHeartbeat := s.keepAlive(ctx, lease)
	a, err := s.attempt(work, msg)
	stopHeartbeat()
	switch {
	case lease.Lost():
		return fmt.Errorf("deliver %s: %w", msg.ID, ErrStaleLock)
	case err != nil:
		// Not the message's fault; leave it processing for reclaim.
		return err
	}

	if a.payload != nil {
		res.Size = a.payload.Size()
	}
	switch {
	case a.cause != nil:
		return s.fail(ctx, lease, msg, res, a.cause)
	case msg.Sandbox:
		return s.succeed(ctx, lease, msg, res, OutcomeSandboxed)
	default:
		return s.succeed(ctx, lease, msg, res, OutcomeSent)
	}
}

// attemptResult is what a processing pass produced. A non-nil cause fails
// the message.
type attemptResult struct {
	payload *payload.Payload
	cause   error
}

// attempt assembles msg, runs the plugin hooks and hands the payload to the
// transport, or skips the transport in sandbox mode. The returned error is
// an infrastructure failure that leaves the message processing.
func (s *Service) attempt(ctx context.Context, msg *store.Message) (attemptResult, error) {
	p, err := payload.Assemble(ctx, msg, s.loader())
	if err != nil {
		if !payload.IsAssemblyError(err) {
			return attemptResult{}, fmt.Errorf("assemble %s: %w", msg.ID, err)
		}
		return attemptResult{cause: err}, nil
	}
	a := attemptResult{payload: p}

	if err := s.plugins.beforeDeliver(ctx, msg, p); err != nil {
		a.cause = err
		return a, nil
	}

	if msg.Sandbox {
		s.logger.Info("sandbox delivery, transport skipped",
			"message_id", msg.ID,
			"provider", msg.Provider,
			"sandbox", true,
			"size", p.Size())
		s.otel.recordSandboxed(ctx, string(msg.Provider))
		return a, nil
	}

	t, err := s.router.For(msg.Provider)
	if err != nil {
		a.cause = &TransportError{Provider: msg.Provider, Cause: transport.Permanent(err)}
		return a, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.transportTimeout)
	defer cancel()
	if err := t.Send(sendCtx, p); err != nil {
		a.cause = &TransportError{Provider: msg.Provider, Cause: err}
	}
	return a, nil
}

// keepAlive touches the lease every heartbeat interval from processing
// until the returned stop func runs, so slow attachment loads and slow
// transports both keep the lock fresh. A lost lease cancels the returned
// context.
func (s *Service) keepAlive(ctx context.Context, lease *Lease) (context.Context, func()) {
	work, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(work, lease, stop, cancel)
	}()
	return work, func() {
		close(stop)
		wg.Wait()
		cancel()
	}
}

func (s *Service) heartbeat(ctx context.Context, lease *Lease, stop <-chan struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.locker.Touch(ctx, lease)
			switch {
			case err == nil:
			case errors.Is(err, ErrStaleLock):
				s.logger.Error("lease lost during delivery", "message_id", lease.MessageID)
				cancel()
				return
			default:
				s.logger.Warn("heartbeat failed", "message_id", lease.MessageID, "error", err)
			}
		}
	}
}

// succeed records sent. The write survives cancellation of ctx: the
// provider has already accepted the message.
func (s *Service) succeed(ctx context.Context, lease *Lease, msg *store.Message, res *Result, outcome Outcome) error {
	wctx := context.WithoutCancel(ctx)
	sentAt := s.opts.clock()

	err := s.writeTerminal(wctx, "mark sent", lease, func(ctx context.Context) error {
		return s.store.MarkSent(ctx, msg.ID, lease.Token, sentAt)
	}, func(cur *store.Message) bool {
		return cur.Status == store.StatusSent && cur.SentAt != nil && sameInstant(*cur.SentAt, sentAt)
	})
	if err != nil {
		return err
	}
	lease.released.Store(true)

	msg.Status = store.StatusSent
	msg.SentAt = &sentAt
	msg.LockedBy = ""
	res.Outcome = outcome
	res.SentAt = &sentAt

	s.logger.Info("message delivered",
		"message_id", msg.ID,
		"provider", msg.Provider,
		"sandbox", msg.Sandbox,
		"size", res.Size)

	s.plugins.afterDeliver(wctx, msg)

	return publish(wctx, s, "MessageSent", s.events.MessageSent, MessageSentEvent{
		MessageID: msg.ID,
		MsgID:     msg.MsgID,
		Provider:  string(msg.Provider),
		Sandbox:   msg.Sandbox,
		Size:      res.Size,
		SentAt:    sentAt,
	})
}

// fail records failed with cause as the reason, then runs the failure hook.
func (s *Service) fail(ctx context.Context, lease *Lease, msg *store.Message, res *Result, cause error) error {
	wctx := context.WithoutCancel(ctx)
	reason := truncate(cause.Error(), MaxFailureReasonLength)

	err := s.writeTerminal(wctx, "mark failed", lease, func(ctx context.Context) error {
		return s.store.MarkFailed(ctx, msg.ID, lease.Token, reason)
	}, func(cur *store.Message) bool {
		return cur.Status == store.StatusFailed && cur.LastError == reason
	})
	if err != nil {
		return err
	}
	lease.released.Store(true)

	msg.Status = store.StatusFailed
	msg.LockedBy = ""
	msg.LastError = reason
	res.Outcome = OutcomeFailed
	res.Err = cause

	permanent := !isRetryableCause(cause)
	s.logger.Warn("delivery failed",
		"message_id", msg.ID,
		"provider", msg.Provider,
		"permanent", permanent,
		"error", cause)

	if err := publish(wctx, s, "MessageFailed", s.events.MessageFailed, MessageFailedEvent{
		MessageID: msg.ID,
		MsgID:     msg.MsgID,
		Provider:  string(msg.Provider),
		Reason:    reason,
		Permanent: permanent,
		FailedAt:  s.opts.clock(),
	}); err != nil {
		return err
	}

	s.opts.safeFailureHook(wctx, msg, cause)
	return nil
}

// writeTerminal runs a terminal token-guarded write under the write retry
// policy. When an attempt fails after an earlier one may have committed, the
// retry finds the lock already cleared; the row is then re-read and the
// write counts as done if applied reports the target state.
func (s *Service) writeTerminal(ctx context.Context, op string, lease *Lease, write retry.Func, applied func(*store.Message) bool) error {
	attempts := 0
	err := retry.Do(ctx, s.opts.writeRetry, func(ctx context.Context) error {
		attempts++
		return write(ctx)
	})
	if err == nil {
		return nil
	}
	if attempts > 1 && errors.Is(err, store.ErrLockNotHeld) {
		cur, getErr := s.store.GetSummary(ctx, lease.MessageID)
		if getErr == nil && cur.LockedBy == "" && applied(cur) {
			s.logger.Info("terminal write already applied",
				"message_id", lease.MessageID, "op", op, "attempts", attempts)
			return nil
		}
	}
	return s.heldErr(ctx, op, lease, err)
}

// sameInstant compares timestamps at millisecond precision, the coarsest
// precision of the store backends.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}

// heldErr maps a failed token-guarded write. A write that found a foreign
// holder is a lock invariant violation unless a heartbeat already saw the
// lease go stale.
func (s *Service) heldErr(ctx context.Context, op string, lease *Lease, err error) error {
	if errors.Is(err, store.ErrLockNotHeld) {
		if lease.Lost() {
			lease.released.Store(true)
			return fmt.Errorf("%s %s: %w", op, lease.MessageID, ErrStaleLock)
		}
		return s.locker.invariant(ctx, op, lease)
	}
	return fmt.Errorf("%s %s: %w", op, lease.MessageID, err)
}

// isRetryableCause reports whether resending might succeed. Assembly
// failures depend only on message state and never are.
func isRetryableCause(err error) bool {
	if payload.IsAssemblyError(err) {
		return false
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return false
	}
	return !transport.IsPermanent(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
