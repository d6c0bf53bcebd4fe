// Package admin provides operator endpoints for the payment engine.
package admin

import (
	"context"
	"sort"
	"sync"
	"time"

	"paygate/event"
)

// EventStore is a fixed-size ring of recent events backing the event log.
// When full, each new event overwrites the oldest.
type EventStore struct {
	mu     sync.RWMutex
	ring   []StoredEvent
	next   int // slot for the next event
	size   int
	nextID int64
}

// StoredEvent is an event as shown by the event log.
type StoredEvent struct {
	ID                    int64          `json:"id"`
	Type                  string         `json:"type"`
	IdempotencyKey        string         `json:"idempotency_key,omitempty"`
	Provider              string         `json:"provider,omitempty"`
	ProviderTransactionID string         `json:"provider_transaction_id,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
	Data                  map[string]any `json:"data,omitempty"`
	Error                 string         `json:"error,omitempty"`
}

// EventFilter narrows List and Count.
type EventFilter struct {
	Type   string
	Key    string
	Limit  int
	Offset int
}

func (f EventFilter) match(e StoredEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Key != "" && e.IdempotencyKey != f.Key {
		return false
	}
	return true
}

// NewEventStore holds up to capacity events, 1000 if capacity is not positive.
func NewEventStore(capacity int) *EventStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventStore{ring: make([]StoredEvent, capacity)}
}

// Store assigns e the next sequence number and records it.
func (s *EventStore) Store(e event.Event) {
	stored := StoredEvent{
		Type:                  e.Type.String(),
		IdempotencyKey:        e.IdempotencyKey,
		Provider:              e.Provider,
		ProviderTransactionID: e.ProviderTransactionID,
		Timestamp:             e.Timestamp,
		Data:                  e.Data,
	}
	if e.Error != nil {
		stored.Error = e.Error.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored.ID = s.nextID
	s.ring[s.next] = stored
	s.next = (s.next + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

// newestFirst calls fn for each stored event from newest to oldest until fn
// returns false. Caller holds mu.
func (s *EventStore) newestFirst(fn func(StoredEvent) bool) {
	for i := 1; i <= s.size; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		if !fn(s.ring[idx]) {
			return
		}
	}
}

// List returns one page of matching events, newest first. Limit defaults
// to 100.
func (s *EventStore) List(filter EventFilter) []StoredEvent {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	skip := filter.Offset

	s.mu.RLock()
	defer s.mu.RUnlock()
	page := []StoredEvent{}
	s.newestFirst(func(e StoredEvent) bool {
		if !filter.match(e) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		page = append(page, e)
		return len(page) < limit
	})
	return page
}

// Count ignores Limit and Offset.
func (s *EventStore) Count(filter EventFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	s.newestFirst(func(e StoredEvent) bool {
		if filter.match(e) {
			n++
		}
		return true
	})
	return n
}

func (s *EventStore) CountByType() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	s.newestFirst(func(e StoredEvent) bool {
		counts[e.Type]++
		return true
	})
	return counts
}

// EventTypes lists the distinct stored types, sorted.
func (s *EventStore) EventTypes() []string {
	counts := s.CountByType()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// EventHandler adapts the store for EventBus.SubscribeAll.
func (s *EventStore) EventHandler() event.EventHandler {
	return func(_ context.Context, e event.Event) error {
		s.Store(e)
		return nil
	}
}

func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
