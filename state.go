package paygate

import "fmt"

// ProcessingStatus represents the state of a payment record
type ProcessingStatus string

const (
	// StatusProcessing indicates an attempt owns the key and has not reached a terminal outcome
	StatusProcessing ProcessingStatus = "PROCESSING"
	// StatusCompleted indicates the charge succeeded; the stored response is replayed
	StatusCompleted ProcessingStatus = "COMPLETED"
	// StatusFailed indicates the charge failed; a new admission may reopen the record
	StatusFailed ProcessingStatus = "FAILED"
)

// PaymentStatus is the outcome reported by a provider for one charge
type PaymentStatus string

const (
	// PaymentCompleted indicates the provider settled the charge
	PaymentCompleted PaymentStatus = "COMPLETED"
	// PaymentFailed indicates the provider rejected the charge
	PaymentFailed PaymentStatus = "FAILED"
	// PaymentPending indicates the provider accepted the charge and will confirm by webhook
	PaymentPending PaymentStatus = "PENDING"
)

// validTransitions defines valid state transitions for payment records.
// Moves back to PROCESSING only happen through Reset.
var validTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusProcessing: {
		StatusCompleted,
		StatusFailed,
	},
	StatusCompleted: {
		StatusProcessing,
	},
	StatusFailed: {
		StatusProcessing,
	},
}

// ValidateTransition checks if a processing status transition is valid
func ValidateTransition(from, to ProcessingStatus) bool {
	validTargets, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no webhook or reconciliation may change the status
func IsTerminal(status ProcessingStatus) bool {
	switch status {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsReopenable returns true if a fresh admission may reset the record without expiry
func IsReopenable(status ProcessingStatus) bool {
	return status == StatusFailed
}

// transitionTo moves r to status to if the transition table allows it.
func (r *PaymentRecord) transitionTo(to ProcessingStatus) error {
	if !ValidateTransition(r.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidStateTransition, r.IdempotencyKey, r.Status, to)
	}
	r.Status = to
	return nil
}

// IsValid returns true for the known processing statuses
func (s ProcessingStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsValid returns true for the known payment statuses
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentPending:
		return true
	default:
		return false
	}
}
