package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/transport"
	"golang.org/x/sync/semaphore"
)

// Service state constants.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// Service owns the delivery pipeline: it claims messages, assembles their
// payloads, hands them to transports and records the outcome.
type Service struct {
	store       store.Store
	attachments store.AttachmentFileStore
	router      *transport.Router
	locker      *Locker
	logger      *slog.Logger
	opts        *options
	state       int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins     *pluginRegistry
	otel        *otelInstrumentation
	deliverSem  *semaphore.Weighted // Limits concurrent deliveries
	eventBus    *event.Bus
	events      *ServiceEvents
}

// New creates a new service. Call Connect before use.
func New(opts ...Option) (*Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	router := o.router
	if router == nil {
		router = transport.NewRouter()
	}
	for p, t := range o.transports {
		if err := router.Register(p, t); err != nil {
			return nil, err
		}
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &Service{
		store:       o.store,
		attachments: o.attachments,
		router:      router,
		locker: &Locker{
			store:      o.store,
			reader:     o.store,
			staleAfter: o.staleAfter,
			now:        o.clock,
			logger:     o.logger,
		},
		logger:     o.logger,
		opts:       o,
		plugins:    plugins,
		otel:       otelInstr,
		deliverSem: semaphore.NewWeighted(int64(o.maxConcurrentDeliveries)),
	}, nil
}

// Events returns per-service event instances for subscribing.
// Nil until Connect succeeds.
func (s *Service) Events() *ServiceEvents {
	return s.events
}

// Locker returns the service's lock manager.
func (s *Service) Locker() *Locker {
	return s.locker
}

// Router returns the provider routing table.
func (s *Service) Router() *transport.Router {
	return s.router
}

// IsConnected returns true if the service is connected and ready.
func (s *Service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

func (s *Service) checkConnected() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect connects the store, the event bus and plugins.
func (s *Service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		_ = s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := s.plugins.initAll(ctx); err != nil {
		s.closeEventBus(ctx)
		_ = s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("mailqueue service connected", "providers", s.router.Providers())
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's bus and registers its events.
func (s *Service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "mailqueue"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	events := newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, events); err != nil {
		_ = bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	s.events = events
	return nil
}

// closeEventBus closes the bus when it owns a real transport.
func (s *Service) closeEventBus(ctx context.Context) error {
	if s.eventBus == nil || (s.opts.eventTransport == nil && s.opts.redisClient == nil) {
		return nil
	}
	return s.eventBus.Close(ctx)
}

// Close waits for in-flight deliveries, then closes plugins, the event bus
// and the store.
func (s *Service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// No new delivery can start now; taking every slot waits for the rest.
	s.logger.Info("waiting for in-flight deliveries to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.deliverSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentDeliveries)); err != nil {
		s.logger.Warn("timeout waiting for in-flight deliveries, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.deliverSem.Release(int64(s.opts.maxConcurrentDeliveries))
		s.logger.Info("all in-flight deliveries completed")
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if err := s.closeEventBus(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// loader returns the attachment loader, or nil when none is configured.
func (s *Service) loader() store.AttachmentLoader {
	if s.attachments == nil {
		return nil
	}
	return s.attachments
}
