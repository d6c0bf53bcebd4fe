package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"paygate/event"
	"paygate/metrics"
	"paygate/tracing"
)

// Dispatcher charges a provider and parses its callbacks.
// This interface is implemented by provider.Dispatcher.
type Dispatcher interface {
	// Charge runs one charge attempt. Errors marked transient may be retried.
	Charge(ctx context.Context, req *PaymentRequest, key string) (*ChargeResult, error)

	// ParseWebhook turns a provider callback into a WebhookEvent.
	ParseWebhook(provider Provider, payload []byte, headers http.Header) (*WebhookEvent, error)
}

// Engine admits payment requests under an idempotency key, dispatches them
// to a provider at most once per processing cycle and reconciles the outcome,
// including outcomes delivered later by webhook.
//
// The engine holds no lock across the provider call. Correctness relies on
// the store's unique key and versioned updates only.
type Engine struct {
	// Dependencies
	store      RecordStore
	dispatcher Dispatcher
	events     event.EventBus
	metrics    metrics.Metrics
	tracer     tracing.Tracer
	logger     *zap.Logger
	clock      func() time.Time

	// Configuration
	config Config
}

// EngineOption is a function that configures the Engine.
type EngineOption func(*Engine)

// WithEngineStore sets the record store for the engine.
func WithEngineStore(s RecordStore) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithEngineDispatcher sets the provider dispatcher for the engine.
func WithEngineDispatcher(d Dispatcher) EngineOption {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithEngineEventBus sets the event bus for the engine.
func WithEngineEventBus(eb event.EventBus) EngineOption {
	return func(e *Engine) {
		e.events = eb
	}
}

// WithEngineMetrics sets the metrics collector for the engine.
func WithEngineMetrics(m metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithEngineTracer sets the tracer for the engine.
func WithEngineTracer(t tracing.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithEngineClock sets the time source used for expiry and timestamps.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithEngineConfig sets the configuration for the engine.
func WithEngineConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.config = cfg
	}
}

// NewEngine creates a new Engine with the given options.
// A store and a dispatcher are required.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		events:  event.NewNoOpEventBus(),
		metrics: &metrics.NoopMetrics{},
		tracer:  &tracing.NoopTracer{},
		logger:  zap.NewNop(),
		clock:   time.Now,
		config:  DefaultConfig(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrInvalidConfig)
	}
	if e.dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is required", ErrInvalidConfig)
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// publishEvent publishes an event if an event bus is configured.
func (e *Engine) publishEvent(ctx context.Context, evt event.Event) {
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("event", evt.Type.String()),
			zap.Error(err))
	}
}

func isVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
