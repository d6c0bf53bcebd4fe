package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ============================================================================
// Unit Tests - Event builders
// ============================================================================

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventPaymentAdmitted).
		WithKey("11111111-1111-4111-1111-111111111111").
		WithProvider("SYNCSIM").
		WithProviderTxID("PTX123").
		WithData("version", 1)

	if e.Type != EventPaymentAdmitted {
		t.Errorf("Type: expected %s, got %s", EventPaymentAdmitted, e.Type)
	}
	if e.IdempotencyKey != "11111111-1111-4111-1111-111111111111" {
		t.Errorf("IdempotencyKey not set: %q", e.IdempotencyKey)
	}
	if e.Provider != "SYNCSIM" || e.ProviderTransactionID != "PTX123" {
		t.Errorf("provider fields not set: %+v", e)
	}
	if e.Data["version"] != 1 {
		t.Errorf("Data not set: %v", e.Data)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestEvent_BuildersDoNotMutateReceiver(t *testing.T) {
	base := NewEvent(EventPaymentFailed)
	_ = base.WithKey("k").WithError(errors.New("boom"))

	if base.IdempotencyKey != "" || base.Error != nil {
		t.Error("builder methods must return copies")
	}
}

func TestEvent_WithDataDoesNotShareMap(t *testing.T) {
	base := NewEvent(EventAlertWarning).WithData("count", 1)
	a := base.WithData("key", "a")
	_ = base.WithData("key", "b")

	if _, ok := base.Data["key"]; ok {
		t.Error("WithData must not write into the receiver's map")
	}
	if a.Data["key"] != "a" || a.Data["count"] != 1 {
		t.Errorf("unexpected data %v", a.Data)
	}
}

func TestEvent_WithDataOnZeroValue(t *testing.T) {
	var e Event
	e = e.WithData("k", "v")
	if e.Data["k"] != "v" {
		t.Error("WithData should initialize the map")
	}
}

// ============================================================================
// Unit Tests - MemoryEventBus
// ============================================================================

func TestMemoryEventBus_PublishToTypeAndAllSubscribers(t *testing.T) {
	bus := NewMemoryEventBus()

	var typed, all int32
	_ = bus.Subscribe(EventPaymentCompleted, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&typed, 1)
		return nil
	})
	_ = bus.SubscribeAll(func(ctx context.Context, e Event) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	_ = bus.Publish(context.Background(), NewEvent(EventPaymentCompleted))
	_ = bus.Publish(context.Background(), NewEvent(EventPaymentFailed))

	if typed != 1 {
		t.Errorf("expected typed handler called once, got %d", typed)
	}
	if all != 2 {
		t.Errorf("expected all-handler called twice, got %d", all)
	}
	if bus.HandlerCount(EventPaymentCompleted) != 1 {
		t.Errorf("expected 1 handler, got %d", bus.HandlerCount(EventPaymentCompleted))
	}
}

func TestMemoryEventBus_HandlerErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewMemoryEventBus(WithLogger(zap.New(core)))

	_ = bus.Subscribe(EventWebhookApplied, func(ctx context.Context, e Event) error {
		return errors.New("sink unavailable")
	})

	if err := bus.Publish(context.Background(), NewEvent(EventWebhookApplied).WithKey("k1")); err != nil {
		t.Fatalf("handler errors must not reach the publisher: %v", err)
	}

	entries := logs.FilterMessage("event handler failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["idempotency_key"] != "k1" {
		t.Errorf("expected idempotency_key field, got %v", entries[0].ContextMap())
	}
}

func TestMemoryEventBus_HandlerPanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	bus := NewMemoryEventBus(WithLogger(zap.New(core)))

	called := false
	_ = bus.Subscribe(EventAlertWarning, func(ctx context.Context, e Event) error {
		panic("handler bug")
	})
	_ = bus.Subscribe(EventAlertWarning, func(ctx context.Context, e Event) error {
		called = true
		return nil
	})

	_ = bus.Publish(context.Background(), NewEvent(EventAlertWarning))

	if !called {
		t.Error("a panicking handler must not stop later handlers")
	}
	if logs.FilterMessage("event handler panic").Len() != 1 {
		t.Error("expected the panic to be logged")
	}
}

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewMemoryEventBus()
	var count int64
	_ = bus.SubscribeAll(func(ctx context.Context, e Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), NewEvent(EventPaymentAdmitted))
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("expected 50 deliveries, got %d", count)
	}
}

func TestNoOpEventBus(t *testing.T) {
	var bus EventBus = NewNoOpEventBus()
	if err := bus.Publish(context.Background(), NewEvent(EventPaymentAdmitted)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := bus.Subscribe(EventPaymentAdmitted, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	_ = rec.Publish(context.Background(), NewEvent(EventPaymentPending))
	_ = rec.Publish(context.Background(), NewEvent(EventPaymentPending))
	_ = rec.Publish(context.Background(), NewEvent(EventWebhookApplied))

	if rec.Count(EventPaymentPending) != 2 {
		t.Errorf("expected 2 pending events, got %d", rec.Count(EventPaymentPending))
	}
	if len(rec.Events()) != 3 {
		t.Errorf("expected 3 events, got %d", len(rec.Events()))
	}
}
