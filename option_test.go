package mailqueue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rbaliyan/mailqueue/retry"
	"github.com/rbaliyan/mailqueue/store"
)

func TestNewOptions(t *testing.T) {
	t.Run("returns defaults without options", func(t *testing.T) {
		opts := newOptions()

		if opts.staleAfter != DefaultStaleAfter {
			t.Errorf("expected staleAfter %v, got %v", DefaultStaleAfter, opts.staleAfter)
		}
		if opts.heartbeatInterval != DefaultStaleAfter/3 {
			t.Errorf("expected heartbeatInterval %v, got %v", DefaultStaleAfter/3, opts.heartbeatInterval)
		}
		if opts.transportTimeout != DefaultTransportTimeout {
			t.Errorf("expected transportTimeout %v, got %v", DefaultTransportTimeout, opts.transportTimeout)
		}
		if opts.maxConcurrentDeliveries != DefaultMaxConcurrentDeliveries {
			t.Errorf("expected maxConcurrentDeliveries %v, got %v", DefaultMaxConcurrentDeliveries, opts.maxConcurrentDeliveries)
		}
		if opts.msgIDDomain != store.DefaultMsgIDDomain {
			t.Errorf("expected msgIDDomain %q, got %q", store.DefaultMsgIDDomain, opts.msgIDDomain)
		}
		if opts.writeRetry.IsRetryable == nil {
			t.Error("expected a default write retry predicate")
		}
		if opts.onEventPublishFailure == nil {
			t.Error("expected a default publish failure handler")
		}
	})
}

func TestWithLogger(t *testing.T) {
	t.Run("sets custom logger", func(t *testing.T) {
		customLogger := slog.New(slog.DiscardHandler)
		opts := newOptions(WithLogger(customLogger))
		if opts.logger != customLogger {
			t.Error("expected custom logger to be set")
		}
	})

	t.Run("ignores nil logger", func(t *testing.T) {
		opts := newOptions(WithLogger(nil))
		if opts.logger == nil {
			t.Error("expected default logger to remain")
		}
	})
}

func TestWithStaleAfter(t *testing.T) {
	tests := []struct {
		name      string
		in        time.Duration
		want      time.Duration
		heartbeat time.Duration
	}{
		{"custom", 3 * time.Minute, 3 * time.Minute, time.Minute},
		{"below minimum", 10 * time.Millisecond, DefaultStaleAfter, DefaultStaleAfter / 3},
		{"zero", 0, DefaultStaleAfter, DefaultStaleAfter / 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := newOptions(WithStaleAfter(tc.in))
			if opts.staleAfter != tc.want {
				t.Errorf("staleAfter = %v, want %v", opts.staleAfter, tc.want)
			}
			if opts.heartbeatInterval != tc.heartbeat {
				t.Errorf("heartbeatInterval = %v, want %v", opts.heartbeatInterval, tc.heartbeat)
			}
		})
	}
}

func TestWithHeartbeatInterval(t *testing.T) {
	t.Run("kept below stale window", func(t *testing.T) {
		opts := newOptions(WithStaleAfter(time.Minute), WithHeartbeatInterval(10*time.Second))
		if opts.heartbeatInterval != 10*time.Second {
			t.Errorf("heartbeatInterval = %v", opts.heartbeatInterval)
		}
	})

	t.Run("reset when not below stale window", func(t *testing.T) {
		opts := newOptions(WithStaleAfter(time.Minute), WithHeartbeatInterval(time.Minute))
		if opts.heartbeatInterval != 20*time.Second {
			t.Errorf("heartbeatInterval = %v, want 20s", opts.heartbeatInterval)
		}
	})
}

func TestWithWriteRetry(t *testing.T) {
	t.Run("fills in predicate", func(t *testing.T) {
		opts := newOptions(WithWriteRetry(retry.Config{MaxRetries: 2}))
		if opts.writeRetry.MaxRetries != 2 {
			t.Errorf("MaxRetries = %d", opts.writeRetry.MaxRetries)
		}
		if opts.writeRetry.IsRetryable(store.ErrLockNotHeld) {
			t.Error("default predicate should not retry lock conflicts")
		}
	})

	t.Run("keeps custom predicate", func(t *testing.T) {
		opts := newOptions(WithWriteRetry(retry.Config{IsRetryable: func(error) bool { return true }}))
		if !opts.writeRetry.IsRetryable(store.ErrLockNotHeld) {
			t.Error("custom predicate should be kept")
		}
	})
}

func TestSafeHooks(t *testing.T) {
	t.Run("failure hook panic is recovered", func(t *testing.T) {
		opts := newOptions(WithFailureHook(func(context.Context, *store.Message, error) {
			panic("hook")
		}))
		opts.safeFailureHook(context.Background(), &store.Message{ID: "m1"}, errors.New("x"))
	})

	t.Run("publish failure panic is recovered", func(t *testing.T) {
		opts := newOptions(WithEventPublishFailureHandler(func(string, error) {
			panic("handler")
		}))
		opts.safeEventPublishFailure("MessageSent", errors.New("x"))
	})
}
