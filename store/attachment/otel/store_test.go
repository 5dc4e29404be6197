package otel

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailqueue/store/attachment/memory"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestStorePassesThrough(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	s, err := New(backend,
		WithBackendName("memory"),
		WithTracerProvider(tracenoop.NewTracerProvider()),
		WithMeterProvider(metricnoop.NewMeterProvider()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	uri, err := s.Upload(ctx, "a.txt", "text/plain", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	rc, err := s.Load(ctx, uri)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("got %q", data)
	}

	if err := s.Delete(ctx, uri); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(ctx, uri); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestStoreDisabled(t *testing.T) {
	s, err := New(memory.New(), WithTracing(false), WithMetrics(false))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := s.Upload(context.Background(), "b", "text/plain", strings.NewReader("x")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
}
