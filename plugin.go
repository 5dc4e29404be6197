package mailqueue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/mailqueue/payload"
	"github.com/rbaliyan/mailqueue/store"
)

// Plugin defines the interface for service extensions.
//
// For observing outcomes without affecting them, use the event system
// instead (Events().MessageSent, Events().MessageFailed).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when service connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when service closes.
	Close(ctx context.Context) error
}

// DeliveryHook is called around the transport step of a delivery.
type DeliveryHook interface {
	Plugin
	// BeforeDeliver runs after the payload is assembled and before the
	// transport is called. An error fails the message with that reason.
	// Use this for suppression lists, rate limits or content checks.
	BeforeDeliver(ctx context.Context, msg *store.Message, p *payload.Payload) error
	// AfterDeliver runs after the message was recorded as sent. Errors are
	// logged; the message stays sent.
	AfterDeliver(ctx context.Context, msg *store.Message) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all      []Plugin
	delivery []DeliveryHook
	logger   *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(DeliveryHook); ok {
		r.delivery = append(r.delivery, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Hook execution helpers

func (r *pluginRegistry) beforeDeliver(ctx context.Context, msg *store.Message, p *payload.Payload) error {
	for _, h := range r.delivery {
		if err := h.BeforeDeliver(ctx, msg, p); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeDeliver", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterDeliver(ctx context.Context, msg *store.Message) {
	for _, h := range r.delivery {
		if err := h.AfterDeliver(ctx, msg); err != nil {
			r.logger.Warn("after deliver hook failed",
				"plugin", h.Name(), "message_id", msg.ID, "error", err)
		}
	}
}
