// Package otel wraps an attachment store with OpenTelemetry spans and
// metrics. Every operation records one duration sample and one count,
// labelled with the operation, the backend name and whether it failed.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mailqueue/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailqueue/store/attachment/otel"

// Store wraps an AttachmentFileStore with OpenTelemetry instrumentation.
type Store struct {
	backend store.AttachmentFileStore
	opts    *options

	tracer   trace.Tracer
	duration metric.Float64Histogram
	ops      metric.Int64Counter
	bytes    metric.Int64Counter
}

var _ store.AttachmentFileStore = (*Store)(nil)

// New wraps backend. Providers default to the otel globals.
func New(backend store.AttachmentFileStore, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		backendName:    "unknown",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider.Meter(instrumentationName)); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(meter metric.Meter) error {
	var err error

	s.duration, err = meter.Float64Histogram(
		"mailqueue.attachment.duration",
		metric.WithDescription("Duration of attachment store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.ops, err = meter.Int64Counter(
		"mailqueue.attachment.operations",
		metric.WithDescription("Number of attachment store operations"),
	)
	if err != nil {
		return err
	}

	s.bytes, err = meter.Int64Counter(
		"mailqueue.attachment.bytes",
		metric.WithDescription("Bytes moved through the attachment store"),
		metric.WithUnit("By"),
	)
	return err
}

// Upload records the bytes read from content.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	ctx, end := s.start(ctx, "upload",
		attribute.String("attachment.filename", filename),
		attribute.String("attachment.content_type", contentType),
	)

	counted := &countingReader{r: content}
	uri, err := s.backend.Upload(ctx, filename, contentType, counted)
	end(err, counted.n)
	return uri, err
}

// Load records bytes when the returned reader is closed.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, end := s.start(ctx, "load", attribute.String("attachment.uri", uri))

	rc, err := s.backend.Load(ctx, uri)
	if err != nil {
		end(err, 0)
		return nil, err
	}
	return &countingReadCloser{countingReader: countingReader{r: rc}, closer: rc, end: end}, nil
}

// Delete removes the attachment.
func (s *Store) Delete(ctx context.Context, uri string) error {
	ctx, end := s.start(ctx, "delete", attribute.String("attachment.uri", uri))
	err := s.backend.Delete(ctx, uri)
	end(err, 0)
	return err
}

// start opens a span and returns the function that closes it and records
// metrics.
func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error, int64)) {
	began := time.Now()

	var span trace.Span
	if s.tracer != nil {
		attrs = append(attrs, attribute.String("attachment.backend", s.opts.backendName))
		ctx, span = s.tracer.Start(ctx, "attachment."+op, trace.WithAttributes(attrs...))
	}

	return ctx, func(err error, n int64) {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.Int64("attachment.bytes", n))
			span.End()
		}
		if s.ops == nil {
			return
		}
		set := metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("backend", s.opts.backendName),
			attribute.Bool("error", err != nil),
		)
		s.duration.Record(ctx, time.Since(began).Seconds(), set)
		s.ops.Add(ctx, 1, set)
		if n > 0 {
			s.bytes.Add(ctx, n, set)
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	countingReader
	closer io.Closer
	end    func(error, int64)
	closed bool
}

func (c *countingReadCloser) Close() error {
	err := c.closer.Close()
	if !c.closed {
		c.closed = true
		c.end(err, c.n)
	}
	return err
}
