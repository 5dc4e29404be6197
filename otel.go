package mailqueue

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailqueue"

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Delivery
	deliverLatency metric.Float64Histogram
	deliverCount   metric.Int64Counter
	deliverErrors  metric.Int64Counter
	sandboxed      metric.Int64Counter
	payloadSize    metric.Int64Histogram

	// Locking
	claimDenied metric.Int64Counter
	reclaimed   metric.Int64Counter

	// Reporting
	searchLatency metric.Float64Histogram
	searchCount   metric.Int64Counter
	searchErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics creates the instruments. Names are prefixed with
// "mailqueue.".
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&o.deliverLatency, "mailqueue.deliver.duration", "Duration of deliver operations"},
		{&o.searchLatency, "mailqueue.search.duration", "Duration of search operations"},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("create %s: %w", h.name, err)
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.deliverCount, "mailqueue.deliver.count", "Deliver operations by outcome"},
		{&o.deliverErrors, "mailqueue.deliver.errors", "Deliver operations that returned an error"},
		{&o.sandboxed, "mailqueue.deliver.sandboxed", "Sandbox deliveries that skipped the transport"},
		{&o.claimDenied, "mailqueue.lock.claim_denied", "Claims lost to another holder"},
		{&o.reclaimed, "mailqueue.lock.reclaimed", "Stale locks reclaimed"},
		{&o.searchCount, "mailqueue.search.count", "Search operations"},
		{&o.searchErrors, "mailqueue.search.errors", "Search operations that failed"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	o.payloadSize, err = meter.Int64Histogram("mailqueue.payload.size",
		metric.WithDescription("Size of assembled payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("create mailqueue.payload.size: %w", err)
	}
	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller should call the returned function with the final error when done.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordDeliver records deliver operation metrics.
func (o *otelInstrumentation) recordDeliver(ctx context.Context, duration time.Duration, provider string, outcome Outcome, size int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", string(outcome)),
	)

	o.deliverLatency.Record(ctx, duration.Seconds(), attrs)
	o.deliverCount.Add(ctx, 1, attrs)
	if err != nil {
		o.deliverErrors.Add(ctx, 1, attrs)
	}
	if size > 0 {
		o.payloadSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("provider", provider)))
	}
	if outcome == OutcomeSkipped {
		o.claimDenied.Add(ctx, 1)
	}
}

// recordSandboxed counts a sandbox delivery.
func (o *otelInstrumentation) recordSandboxed(ctx context.Context, provider string) {
	if !o.metricsEnabled {
		return
	}
	o.sandboxed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// recordReclaim records a reclaim pass.
func (o *otelInstrumentation) recordReclaim(ctx context.Context, n int) {
	if !o.metricsEnabled || n == 0 {
		return
	}
	o.reclaimed.Add(ctx, int64(n))
}

// recordSearch records search operation metrics.
func (o *otelInstrumentation) recordSearch(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("result_count", resultCount),
	)

	o.searchLatency.Record(ctx, duration.Seconds(), attrs)
	o.searchCount.Add(ctx, 1, attrs)
	if err != nil {
		o.searchErrors.Add(ctx, 1, attrs)
	}
}
