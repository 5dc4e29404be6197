package mailqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mailqueue/retry"
	"github.com/rbaliyan/mailqueue/store"
	mqtransport "github.com/rbaliyan/mailqueue/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultStaleAfter       = 10 * time.Minute // lock staleness window
	MinStaleAfter           = 1 * time.Second
	DefaultTransportTimeout = 30 * time.Second // bound on a single provider call
	DefaultShutdownTimeout  = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout      = 1 * time.Second  // minimum shutdown timeout

	// Concurrency limits
	DefaultMaxConcurrentDeliveries = 10 // max concurrent deliveries per service

	// Reporting search
	MaxSearchPerPage = store.MaxSearchPageSize

	// Reasons longer than this are truncated before they are stored.
	MaxFailureReasonLength = 1024
)

// options holds service configuration.
type options struct {
	store       store.Store
	attachments store.AttachmentFileStore
	router      *mqtransport.Router
	transports  map[store.Provider]mqtransport.Transport
	logger      *slog.Logger

	plugins []Plugin

	// Locking
	staleAfter        time.Duration
	heartbeatInterval time.Duration
	clock             func() time.Time

	// Delivery
	transportTimeout        time.Duration
	maxConcurrentDeliveries int
	writeRetry              retry.Config
	msgIDDomain             string
	onFailure               FailureHook

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures are returned by Deliver
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// FailureHook is called after a message has been recorded as failed. cause
// is the *payload.AssemblyError or *TransportError that failed it. Use it to
// drive an external retry policy with Service.Requeue.
type FailureHook func(ctx context.Context, msg *store.Message, cause error)

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "MessageSent"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// safeFailureHook runs the failure hook with panic recovery.
func (o *options) safeFailureHook(ctx context.Context, msg *store.Message, cause error) {
	if o.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in failure hook", "message_id", msg.ID, "panic", r)
		}
	}()
	o.onFailure(ctx, msg, cause)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                  slog.Default(),
		staleAfter:              DefaultStaleAfter,
		clock:                   func() time.Time { return time.Now().UTC() },
		transportTimeout:        DefaultTransportTimeout,
		maxConcurrentDeliveries: DefaultMaxConcurrentDeliveries,
		writeRetry:              retry.DefaultConfig(),
		msgIDDomain:             store.DefaultMsgIDDomain,
		shutdownTimeout:         DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.heartbeatInterval <= 0 || o.heartbeatInterval >= o.staleAfter {
		o.heartbeatInterval = o.staleAfter / 3
	}
	if o.writeRetry.IsRetryable == nil {
		o.writeRetry.IsRetryable = storeRetryable
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a Service or a Locker.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithAttachmentStore sets where attachment bytes live. Required for
// messages with attachments and for Attach.
func WithAttachmentStore(a store.AttachmentFileStore) Option {
	return func(o *options) {
		if a != nil {
			o.attachments = a
		}
	}
}

// WithRouter sets the provider to transport routing table.
func WithRouter(r *mqtransport.Router) Option {
	return func(o *options) {
		if r != nil {
			o.router = r
		}
	}
}

// WithTransport binds one provider to a transport. It is applied on top of
// WithRouter when both are given.
func WithTransport(p store.Provider, t mqtransport.Transport) Option {
	return func(o *options) {
		if t == nil {
			return
		}
		if o.transports == nil {
			o.transports = make(map[store.Provider]mqtransport.Transport)
		}
		o.transports[p] = t
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPlugin registers a plugin with the service.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// --- Lock Options ---

// WithStaleAfter sets how long a lock may go untouched before another
// worker can take it over. Default is 10 minutes.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		if d >= MinStaleAfter {
			o.staleAfter = d
		}
	}
}

// WithHeartbeatInterval sets how often a held lease is touched during a
// transport call. Default is a third of the staleness window; values at or
// above the window are ignored.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithClock overrides the time source used for staleness and sent_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// --- Delivery Options ---

// WithTransportTimeout bounds each transport call. Default is 30 seconds.
func WithTransportTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.transportTimeout = d
		}
	}
}

// WithMaxConcurrentDeliveries sets the maximum number of concurrent
// Deliver calls per service. Default is 10.
func WithMaxConcurrentDeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentDeliveries = n
		}
	}
}

// WithWriteRetry sets the retry policy for terminal status writes.
// IsRetryable defaults to skipping lock and state conflicts.
func WithWriteRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.writeRetry = cfg
	}
}

// WithMsgIDDomain sets the domain used for generated Message-IDs.
func WithMsgIDDomain(domain string) Option {
	return func(o *options) {
		if domain != "" {
			o.msgIDDomain = domain
		}
	}
}

// WithFailureHook sets a callback run after a message is recorded as failed.
func WithFailureHook(fn FailureHook) Option {
	return func(o *options) {
		o.onFailure = fn
	}
}

// WithShutdownTimeout sets the maximum time Close waits for in-flight
// deliveries. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for telemetry and the event
// bus. Default is "mailqueue".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures are
// returned from Deliver. The status transition has already been recorded
// either way.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
