package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/storetest"
)

// testDB connects to MAILQUEUE_TEST_POSTGRES_DSN or skips the test.
func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("MAILQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping postgres test: MAILQUEUE_TEST_POSTGRES_DSN not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// openTemp returns a connected store on freshly prefixed tables that are
// dropped when the test ends.
func openTemp(t *testing.T, db *sqlx.DB) *Store {
	t.Helper()
	prefix := "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
	s := New(db, WithTablePrefix(prefix))
	if s.messages != prefix+"message" {
		t.Fatalf("prefix %q was not applied", prefix)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		for _, table := range []string{s.attachments, s.recipients, s.messages, s.addresses} {
			if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
				t.Logf("drop %s: %v", table, err)
			}
		}
	})
	return s
}

func TestConformance(t *testing.T) {
	db := testDB(t)
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t, db) })
}

func TestHeldWriteRejectsMalformedToken(t *testing.T) {
	db := testDB(t)
	s := openTemp(t, db)
	m := storetest.Create(t, s)

	if err := s.Touch(context.Background(), m.ID, "not-a-token"); err != store.ErrLockNotHeld {
		t.Fatalf("expected ErrLockNotHeld, got %v", err)
	}
}

func TestWithTablePrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"mq_", "mq_message"},
		{"_tenant1_", "_tenant1_message"},
		{"", "message"},
		{"Bad", "message"},
		{"mq; DROP TABLE message; --", "message"},
		{"1mq_", "message"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			s := New(nil, WithTablePrefix(tt.prefix))
			if s.messages != tt.want {
				t.Fatalf("messages table = %q, want %q", s.messages, tt.want)
			}
		})
	}
}
