package paygate

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paygate/fingerprint"
)

// Provider identifies an external charge service
type Provider string

const (
	// ProviderSyncSim settles charges inline
	ProviderSyncSim Provider = "SYNCSIM"
	// ProviderAsyncSim accepts charges inline and confirms them by webhook
	ProviderAsyncSim Provider = "ASYNCSIM"
)

// ParseProvider matches a provider name case-insensitively.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToUpper(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: %q (supported: %s, %s)", ErrUnsupportedProvider, s, ProviderSyncSim, ProviderAsyncSim)
	}
	return p, nil
}

// IsValid returns true for the known providers
func (p Provider) IsValid() bool {
	switch p {
	case ProviderSyncSim, ProviderAsyncSim:
		return true
	default:
		return false
	}
}

func (p Provider) String() string {
	return string(p)
}

const (
	maxMethodLength      = 50
	maxDescriptionLength = 255
)

// PaymentRequest is the normalized inbound charge request.
type PaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"payment_method"`
	Description string          `json:"description,omitempty"`
	Provider    Provider        `json:"payment_provider"`
}

// Validate checks the business constraints of the request.
func (r *PaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		return fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	}
	if len(method) > maxMethodLength {
		return fmt.Errorf("%w: payment method exceeds %d characters", ErrInvalidRequest, maxMethodLength)
	}
	if len(r.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidRequest, maxDescriptionLength)
	}
	if !r.Provider.IsValid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRequest, ErrUnsupportedProvider, r.Provider)
	}
	return nil
}

// canonicalRequest is the hashed form of a request. Field order is fixed by
// the struct and the amount is rendered without trailing zeros.
type canonicalRequest struct {
	Amount      string   `json:"amount"`
	Method      string   `json:"payment_method"`
	Description string   `json:"description"`
	Provider    Provider `json:"payment_provider"`
}

// Canonical returns the normalized copy of the request used for fingerprinting.
func (r *PaymentRequest) Canonical() canonicalRequest {
	return canonicalRequest{
		Amount:      r.Amount.String(),
		Method:      strings.TrimSpace(r.Method),
		Description: strings.TrimSpace(r.Description),
		Provider:    Provider(strings.ToUpper(string(r.Provider))),
	}
}

// Fingerprint returns the SHA-256 hash of the canonical request.
func (r *PaymentRequest) Fingerprint() (string, error) {
	return fingerprint.JSON(r.Canonical())
}

// PaymentResponse is the outcome stored on the record and replayed on cache hits.
type PaymentResponse struct {
	TransactionNo         string          `json:"transaction_no,omitempty"`
	Status                PaymentStatus   `json:"status"`
	Amount                decimal.Decimal `json:"amount"`
	Method                string          `json:"payment_method"`
	Description           string          `json:"description,omitempty"`
	Provider              Provider        `json:"payment_provider"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	Error                 ErrorCode       `json:"error,omitempty"`
	Message               string          `json:"message,omitempty"`
}

func newResponse(req *PaymentRequest, status PaymentStatus, now time.Time) *PaymentResponse {
	return &PaymentResponse{
		Status:      status,
		Amount:      req.Amount,
		Method:      req.Method,
		Description: req.Description,
		Provider:    req.Provider,
		CreatedAt:   now,
	}
}

// newChargeResponse builds the response for a successful or pending charge.
func newChargeResponse(req *PaymentRequest, charge *ChargeResult, now time.Time) *PaymentResponse {
	resp := newResponse(req, charge.Status, now)
	resp.TransactionNo = charge.TransactionNo
	resp.ProviderTransactionID = charge.ProviderTransactionID
	return resp
}

// newFailedResponse builds the cacheable response for a failed charge.
func newFailedResponse(req *PaymentRequest, message string, now time.Time) *PaymentResponse {
	resp := newResponse(req, PaymentFailed, now)
	resp.Error = ErrorCodePaymentFailed
	resp.Message = message
	return resp
}

// ChargeResult is what a provider strategy reports for one charge.
type ChargeResult struct {
	Status                PaymentStatus
	TransactionNo         string
	ProviderTransactionID string
	Provider              Provider
}

// WebhookEvent is a provider callback normalized by a webhook parser.
type WebhookEvent struct {
	ProviderTransactionID string
	TransactionNo         string
	Status                PaymentStatus
	Payload               []byte
}

// Validate checks that the event can be applied to a record.
func (e *WebhookEvent) Validate() error {
	if strings.TrimSpace(e.ProviderTransactionID) == "" {
		return fmt.Errorf("%w: missing provider transaction id", ErrInvalidWebhook)
	}
	if e.Status != PaymentCompleted && e.Status != PaymentFailed {
		return fmt.Errorf("%w: status must be %s or %s, got %q", ErrInvalidWebhook, PaymentCompleted, PaymentFailed, e.Status)
	}
	return nil
}

// Result is returned by ProcessPayment.
type Result struct {
	IdempotencyKey string
	Response       *PaymentResponse
	// Cached is true when the response was replayed from a completed record.
	Cached bool
}
