package mongo

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/storetest"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// testClient connects to MAILQUEUE_TEST_MONGO_URI or skips the test.
func testClient(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("MAILQUEUE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("Skipping mongo test: MAILQUEUE_TEST_MONGO_URI not set")
	}
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

// openTemp returns a connected store on a fresh collection that is dropped
// when the test ends.
func openTemp(t *testing.T, client *mongo.Client) *Store {
	t.Helper()
	name := "messages_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s := New(client, WithDatabase("mailqueue_test"), WithCollection(name))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		if err := s.collection.Drop(context.Background()); err != nil {
			t.Logf("drop %s: %v", name, err)
		}
	})
	return s
}

func TestConformance(t *testing.T) {
	client := testClient(t)
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t, client) })
}

func TestEscapeRegex(t *testing.T) {
	tests := []struct {
		term string
		want string
	}{
		{"invoice", "invoice"},
		{"a.b*c", `a\.b\*c`},
		{"(re) [1]", `\(re\) \[1\]`},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			if got := escapeRegex(tt.term); got != tt.want {
				t.Fatalf("escapeRegex(%q) = %q, want %q", tt.term, got, tt.want)
			}
		})
	}
}

func TestSubjectPattern(t *testing.T) {
	if got := subjectPattern("  quarterly   report.v2 "); got != `quarterly.*report\.v2` {
		t.Fatalf("subjectPattern = %q", got)
	}
}
