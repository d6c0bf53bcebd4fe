package paygate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RecordStore defines the storage interface for idempotent payment records.
// This interface is implemented by store/sqlstore and store/memory.
//
// Every mutation is a single-row write. Updates are conditional on the
// version the caller read; a stale version is rejected with
// ErrVersionConflict and never silently applied.
type RecordStore interface {
	// Insert creates a record. A second record with the same idempotency key
	// fails with ErrDuplicateKey.
	Insert(ctx context.Context, rec *PaymentRecord) error

	// FindByKey returns the record for an idempotency key or ErrRecordNotFound.
	FindByKey(ctx context.Context, key string) (*PaymentRecord, error)

	// FindByProviderTxID returns the record carrying a provider transaction id
	// or ErrRecordNotFound.
	FindByProviderTxID(ctx context.Context, providerTxID string) (*PaymentRecord, error)

	// UpdateIfVersionMatches writes rec only if the stored version still equals
	// expectedVersion. On success rec.Version is expectedVersion+1.
	UpdateIfVersionMatches(ctx context.Context, rec *PaymentRecord, expectedVersion int) error

	// Recovery queries
	FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*PaymentRecord, error)
	FindAwaitingWebhook(ctx context.Context, olderThan time.Duration, limit int) ([]*PaymentRecord, error)
}

// PaymentRecord is one row per idempotency key.
type PaymentRecord struct {
	ID                    int64
	IdempotencyKey        string
	Version               int
	Status                ProcessingStatus
	RequestFingerprint    string
	RequestSnapshot       []byte
	ResponseSnapshot      []byte
	ResponseStatus        int // 200 once terminal, 202 while awaiting a webhook, 0 before dispatch
	TransactionNo         string
	ProviderTransactionID string
	Amount                decimal.Decimal
	Method                string
	Description           string
	Provider              Provider
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ExpiresAt             time.Time
}

// NewPaymentRecord creates a PROCESSING record for the first admission of key.
func NewPaymentRecord(key, fp string, req *PaymentRequest, now time.Time, ttl time.Duration) (*PaymentRecord, error) {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request snapshot: %w", err)
	}
	return &PaymentRecord{
		IdempotencyKey:     key,
		Version:            0,
		Status:             StatusProcessing,
		RequestFingerprint: fp,
		RequestSnapshot:    snapshot,
		Amount:             req.Amount,
		Method:             req.Method,
		Description:        req.Description,
		Provider:           req.Provider,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}, nil
}

// IsExpired returns true once now is strictly after ExpiresAt.
func (r *PaymentRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsTerminal returns true if the record is COMPLETED or FAILED.
func (r *PaymentRecord) IsTerminal() bool {
	return IsTerminal(r.Status)
}

// AwaitingWebhook returns true if the record was accepted by an asynchronous
// provider and waits for its callback.
func (r *PaymentRecord) AwaitingWebhook() bool {
	return r.Status == StatusProcessing && r.ProviderTransactionID != ""
}

// Reset starts a new processing cycle in place. The fingerprint, request
// snapshot and business fields are replaced and every outcome field is
// cleared. The version is advanced by the store when the write commits.
func (r *PaymentRecord) Reset(fp string, req *PaymentRequest, now time.Time, ttl time.Duration) error {
	snapshot, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request snapshot: %w", err)
	}
	r.Status = StatusProcessing
	r.RequestFingerprint = fp
	r.RequestSnapshot = snapshot
	r.ResponseSnapshot = nil
	r.ResponseStatus = 0
	r.TransactionNo = ""
	r.ProviderTransactionID = ""
	r.Amount = req.Amount
	r.Method = req.Method
	r.Description = req.Description
	r.Provider = req.Provider
	r.UpdatedAt = now
	r.ExpiresAt = now.Add(ttl)
	return nil
}

// Response decodes the stored outcome.
func (r *PaymentRecord) Response() (*PaymentResponse, error) {
	if len(r.ResponseSnapshot) == 0 {
		return nil, nil
	}
	var resp PaymentResponse
	if err := json.Unmarshal(r.ResponseSnapshot, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response snapshot: %w", err)
	}
	return &resp, nil
}

// SetResponse stores resp as the outcome snapshot.
func (r *PaymentRecord) SetResponse(resp *PaymentResponse, status int) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response snapshot: %w", err)
	}
	r.ResponseSnapshot = data
	r.ResponseStatus = status
	return nil
}

// Clone returns a deep copy of the record.
func (r *PaymentRecord) Clone() *PaymentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.RequestSnapshot != nil {
		c.RequestSnapshot = append([]byte(nil), r.RequestSnapshot...)
	}
	if r.ResponseSnapshot != nil {
		c.ResponseSnapshot = append([]byte(nil), r.ResponseSnapshot...)
	}
	return &c
}
