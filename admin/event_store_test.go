package admin

import (
	"context"
	"errors"
	"testing"

	"paygate/event"
)

func TestEventStore_StoreAndList(t *testing.T) {
	s := NewEventStore(10)
	s.Store(event.NewEvent(event.EventPaymentAdmitted).WithKey("k1").WithProvider("SYNCSIM"))
	s.Store(event.NewEvent(event.EventPaymentCompleted).WithKey("k1"))
	s.Store(event.NewEvent(event.EventPaymentFailed).WithKey("k2").WithError(errors.New("declined")))

	all := s.List(EventFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != "payment.failed" || all[0].Error != "declined" {
		t.Errorf("expected newest first with error text, got %+v", all[0])
	}
	if all[2].ID != 1 || all[2].Provider != "SYNCSIM" {
		t.Errorf("expected oldest last, got %+v", all[2])
	}

	byKey := s.List(EventFilter{Key: "k1"})
	if len(byKey) != 2 || s.Count(EventFilter{Key: "k1"}) != 2 {
		t.Errorf("expected 2 events for k1, got %d", len(byKey))
	}
	byType := s.List(EventFilter{Type: "payment.completed"})
	if len(byType) != 1 || byType[0].IdempotencyKey != "k1" {
		t.Errorf("unexpected type filter result %+v", byType)
	}
}

func TestEventStore_Pagination(t *testing.T) {
	s := NewEventStore(10)
	for i := 0; i < 5; i++ {
		s.Store(event.NewEvent(event.EventPaymentAdmitted))
	}

	page := s.List(EventFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != 4 || page[1].ID != 3 {
		t.Errorf("unexpected page %+v", page)
	}
	if got := s.List(EventFilter{Offset: 5}); len(got) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(got))
	}
}

func TestEventStore_DropsOldest(t *testing.T) {
	s := NewEventStore(3)
	for i := 0; i < 5; i++ {
		s.Store(event.NewEvent(event.EventPaymentAdmitted))
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", s.Len())
	}
	if oldest := s.List(EventFilter{})[2]; oldest.ID != 3 {
		t.Errorf("expected oldest kept id 3, got %d", oldest.ID)
	}
}

func TestEventStore_DefaultCapacity(t *testing.T) {
	if s := NewEventStore(0); len(s.ring) != 1000 {
		t.Errorf("expected default 1000, got %d", len(s.ring))
	}
}

func TestEventStore_SubscribedToBus(t *testing.T) {
	s := NewEventStore(10)
	bus := event.NewMemoryEventBus()
	if err := bus.SubscribeAll(s.EventHandler()); err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	_ = bus.Publish(context.Background(), event.NewEvent(event.EventWebhookApplied).WithProviderTxID("PTX1"))
	_ = bus.Publish(context.Background(), event.NewEvent(event.EventWebhookDuplicate).WithProviderTxID("PTX1"))
	_ = bus.Publish(context.Background(), event.NewEvent(event.EventWebhookDuplicate).WithProviderTxID("PTX1"))

	counts := s.CountByType()
	if counts["webhook.applied"] != 1 || counts["webhook.duplicate"] != 2 {
		t.Errorf("unexpected counts %v", counts)
	}
	types := s.EventTypes()
	if len(types) != 2 || types[0] != "webhook.applied" || types[1] != "webhook.duplicate" {
		t.Errorf("unexpected types %v", types)
	}
}
