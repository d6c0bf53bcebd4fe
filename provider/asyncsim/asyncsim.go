// Package asyncsim simulates a wallet provider that accepts charges
// immediately and confirms them later through a webhook.
package asyncsim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate"
	"paygate/provider"
)

// DefaultLimit is the largest amount the simulator accepts.
var DefaultLimit = decimal.NewFromInt(10000)

// Simulator is an asynchronous provider strategy.
type Simulator struct {
	limit  decimal.Decimal
	newID  func() string
	logger *zap.Logger
}

var (
	_ provider.Strategy      = (*Simulator)(nil)
	_ provider.WebhookParser = (*Simulator)(nil)
)

// Option configures a Simulator.
type Option func(*Simulator)

// WithLimit sets the maximum accepted amount.
func WithLimit(limit decimal.Decimal) Option {
	return func(s *Simulator) {
		s.limit = limit
	}
}

// WithIDGenerator replaces the provider transaction id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Simulator) {
		s.newID = gen
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// New creates a Simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		limit:  DefaultLimit,
		newID:  defaultID,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultID() string {
	return "ASYNC_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (s *Simulator) Provider() paygate.Provider {
	return paygate.ProviderAsyncSim
}

func (s *Simulator) Synchronous() bool {
	return false
}

// Initiate accepts the charge and returns PENDING with the provider's
// transaction id. The transaction number arrives with the webhook.
func (s *Simulator) Initiate(ctx context.Context, req *paygate.PaymentRequest, key string) (*paygate.ChargeResult, error) {
	if req.Amount.GreaterThan(s.limit) {
		return nil, paygate.NewChargeError("Payment amount exceeds limit")
	}
	if err := ctx.Err(); err != nil {
		return nil, paygate.NewTransientChargeError("charge interrupted", err)
	}

	id := s.newID()
	s.logger.Info("charge accepted, awaiting webhook",
		zap.String("idempotency_key", key),
		zap.String("provider_transaction_id", id))

	return &paygate.ChargeResult{
		Status:                paygate.PaymentPending,
		ProviderTransactionID: id,
		Provider:              paygate.ProviderAsyncSim,
	}, nil
}

type webhookPayload struct {
	TransactionID string `json:"transaction_id"`
	TransactionNo string `json:"transaction_no"`
	Status        string `json:"status"`
}

// ParseWebhook decodes a callback. SUCCEED maps to COMPLETED; any other
// status is treated as FAILED.
func (s *Simulator) ParseWebhook(payload []byte, _ http.Header) (*paygate.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrInvalidWebhook, err)
	}
	if p.TransactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction_id", paygate.ErrInvalidWebhook)
	}

	status := paygate.PaymentFailed
	switch strings.ToUpper(p.Status) {
	case "SUCCEED":
		status = paygate.PaymentCompleted
	case "FAILED":
	default:
		s.logger.Warn("unknown webhook status, treating as failed",
			zap.String("provider_transaction_id", p.TransactionID),
			zap.String("status", p.Status))
	}

	return &paygate.WebhookEvent{
		ProviderTransactionID: p.TransactionID,
		TransactionNo:         p.TransactionNo,
		Status:                status,
		Payload:               payload,
	}, nil
}
