package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EventHandler handles one published event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes payment events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// MemoryEventBus delivers events synchronously, in subscription order, to
// in-process handlers. A handler that fails or panics is logged and skipped.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

// subscription with an empty eventType receives every event.
type subscription struct {
	eventType EventType
	handle    EventHandler
}

func (s subscription) wants(t EventType) bool {
	return s.eventType == "" || s.eventType == t
}

type MemoryEventBusOption func(*MemoryEventBus)

// WithLogger sets the logger that reports handler failures.
func WithLogger(logger *zap.Logger) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewMemoryEventBus(opts ...MemoryEventBusOption) *MemoryEventBus {
	b := &MemoryEventBus{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish always returns nil. Handlers run on the caller's goroutine after
// the subscription list has been snapshotted, so a handler may subscribe.
func (b *MemoryEventBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e.Type) {
			b.deliver(ctx, s.handle, e)
		}
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, h EventHandler, e Event) {
	log := b.logger.With(
		zap.String("event", e.Type.String()),
		zap.String("idempotency_key", e.IdempotencyKey),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panic", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := h(ctx, e); err != nil {
		log.Warn("event handler failed", zap.Error(err))
	}
}

func (b *MemoryEventBus) add(s subscription) {
	b.mu.Lock()
	// Copy on write: Publish reads b.subs without holding the lock.
	subs := make([]subscription, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, s)
	b.mu.Unlock()
}

// Subscribe registers handler for one event type.
func (b *MemoryEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	if eventType == "" {
		return errors.New("event: empty event type")
	}
	b.add(subscription{eventType: eventType, handle: handler})
	return nil
}

// SubscribeAll registers handler for every event type.
func (b *MemoryEventBus) SubscribeAll(handler EventHandler) error {
	b.add(subscription{handle: handler})
	return nil
}

// HandlerCount reports the handlers registered for exactly eventType,
// excluding SubscribeAll handlers.
func (b *MemoryEventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.eventType == eventType {
			n++
		}
	}
	return n
}

// NoOpEventBus discards every event.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new no-op event bus.
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Publish does nothing.
func (b *NoOpEventBus) Publish(_ context.Context, _ Event) error {
	return nil
}

// Subscribe does nothing.
func (b *NoOpEventBus) Subscribe(_ EventType, _ EventHandler) error {
	return nil
}

// SubscribeAll does nothing.
func (b *NoOpEventBus) SubscribeAll(_ EventHandler) error {
	return nil
}

// Recorder is an EventBus that keeps every published event. It is meant for
// tests and local debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Subscribe(_ EventType, _ EventHandler) error { return nil }
func (r *Recorder) SubscribeAll(_ EventHandler) error           { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
