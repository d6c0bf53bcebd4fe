// Package event provides payment lifecycle events and an in-process event bus.
package event

import (
	"time"
)

// EventType identifies what happened to a payment record.
type EventType string

const (
	// Admission events
	EventPaymentAdmitted EventType = "payment.admitted"
	EventPaymentCached   EventType = "payment.cached"
	EventPaymentReset    EventType = "payment.reset"

	// Outcome events
	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentPending   EventType = "payment.pending"
	EventPaymentFailed    EventType = "payment.failed"

	// Webhook events
	EventWebhookApplied   EventType = "webhook.applied"
	EventWebhookDuplicate EventType = "webhook.duplicate"

	// provider breakers
	EventCircuitOpened EventType = "circuit.opened"
	EventCircuitClosed EventType = "circuit.closed"

	// recovery worker
	EventRecoveryStart EventType = "recovery.start"

	// operator alerts
	EventAlertWarning EventType = "alert.warning"
)

// Event describes one change to a payment record.
type Event struct {
	Type                  EventType
	IdempotencyKey        string
	Provider              string
	ProviderTransactionID string
	Timestamp             time.Time
	Data                  map[string]any
	Error                 error // failure events only
}

// NewEvent stamps a new event of type eventType with the current time.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithKey sets the idempotency key on the event.
func (e Event) WithKey(key string) Event {
	e.IdempotencyKey = key
	return e
}

// WithProvider sets the provider name on the event.
func (e Event) WithProvider(provider string) Event {
	e.Provider = provider
	return e
}

// WithProviderTxID sets the provider transaction id on the event.
func (e Event) WithProviderTxID(id string) Event {
	e.ProviderTransactionID = id
	return e
}

func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData copies the data map before adding key, so events built from a
// shared base do not alias.
func (e Event) WithData(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

func (t EventType) String() string {
	return string(t)
}
