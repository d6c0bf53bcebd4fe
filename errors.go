package paygate

import (
	"errors"
	"fmt"
)

// Admission errors
var (
	// ErrInvalidKeyFormat indicates the idempotency key is not a UUID v4
	ErrInvalidKeyFormat = errors.New("invalid idempotency key format")

	// ErrIdempotencyKeyConflict indicates the key was already used with a different payload
	ErrIdempotencyKeyConflict = errors.New("idempotency key already used with different request body")

	// ErrRequestInProgress indicates another attempt currently owns the key
	ErrRequestInProgress = errors.New("payment is being processed, retry later")

	// ErrContention indicates optimistic-lock retries were exhausted.
	// It wraps ErrRequestInProgress so callers can treat both as retryable.
	ErrContention = fmt.Errorf("%w: processing unavailable due to contention", ErrRequestInProgress)

	// ErrInvalidRequest indicates the payment request failed validation
	ErrInvalidRequest = errors.New("invalid payment request")
)

// Charge errors
var (
	// ErrChargeFailed indicates the provider rejected or could not complete the charge
	ErrChargeFailed = errors.New("charge failed")

	// ErrUnsupportedProvider indicates no strategy is registered for the provider
	ErrUnsupportedProvider = errors.New("unsupported payment provider")

	// ErrCircuitOpen indicates the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Webhook errors
var (
	// ErrUnknownProviderTransaction indicates no record carries the provider transaction id
	ErrUnknownProviderTransaction = errors.New("unknown provider transaction")

	// ErrWebhookNotSupported indicates the provider does not deliver webhooks
	ErrWebhookNotSupported = errors.New("provider does not support webhooks")

	// ErrInvalidWebhook indicates the webhook payload could not be parsed
	ErrInvalidWebhook = errors.New("invalid webhook payload")
)

// Store errors
var (
	// ErrRecordNotFound indicates the record does not exist
	ErrRecordNotFound = errors.New("payment record not found")

	// ErrDuplicateKey indicates the idempotency key already has a record
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrVersionConflict indicates optimistic lock version conflict
	ErrVersionConflict = errors.New("version conflict")

	// ErrStoreOperationFailed indicates a store operation failed
	ErrStoreOperationFailed = errors.New("store operation failed")
)

// State errors
var (
	// ErrInvalidStateTransition indicates a forbidden processing status change
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Config errors
var (
	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorCode is the machine-readable code carried in error envelopes and failure snapshots.
type ErrorCode string

const (
	ErrorCodeRequestInProgress      ErrorCode = "REQUEST_IN_PROGRESS"
	ErrorCodeIdempotencyKeyConflict ErrorCode = "IDEMPOTENCY_KEY_CONFLICT"
	ErrorCodePaymentFailed          ErrorCode = "PAYMENT_FAILED"
	ErrorCodeBadRequest             ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	ErrorCodePayloadTooLarge        ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorCodeNotFound               ErrorCode = "NOT_FOUND"
)

// ChargeError is returned by provider strategies when a charge does not succeed.
// Retryable marks failures worth retrying (timeouts, provider 5xx); business
// rejections such as an amount over limit are not transient.
type ChargeError struct {
	Reason    string
	Retryable bool
	Err       error
}

// NewChargeError creates a non-transient charge error.
func NewChargeError(reason string) *ChargeError {
	return &ChargeError{Reason: reason}
}

// NewTransientChargeError creates a charge error that the retry helper may retry.
func NewTransientChargeError(reason string, cause error) *ChargeError {
	return &ChargeError{Reason: reason, Retryable: true, Err: cause}
}

func (e *ChargeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// Transient reports whether the failure may succeed on retry.
func (e *ChargeError) Transient() bool {
	return e.Retryable
}

// Unwrap lets errors.Is match both ErrChargeFailed and the underlying cause.
func (e *ChargeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrChargeFailed, e.Err}
	}
	return []error{ErrChargeFailed}
}
