// Package syncsim simulates a card provider that settles charges inline.
package syncsim

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate"
	"paygate/provider"
)

// DefaultLimit is the largest amount the simulator accepts.
var DefaultLimit = decimal.NewFromInt(10000)

// Simulator is a synchronous provider strategy.
type Simulator struct {
	limit   decimal.Decimal
	latency time.Duration
	logger  *zap.Logger
}

var _ provider.Strategy = (*Simulator)(nil)

// Option configures a Simulator.
type Option func(*Simulator)

// WithLimit sets the maximum accepted amount.
func WithLimit(limit decimal.Decimal) Option {
	return func(s *Simulator) {
		s.limit = limit
	}
}

// WithLatency makes every charge wait before answering.
func WithLatency(d time.Duration) Option {
	return func(s *Simulator) {
		s.latency = d
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
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Provider() paygate.Provider {
	return paygate.ProviderSyncSim
}

func (s *Simulator) Synchronous() bool {
	return true
}

// Initiate settles the charge. Amounts above the limit are declined.
func (s *Simulator) Initiate(ctx context.Context, req *paygate.PaymentRequest, key string) (*paygate.ChargeResult, error) {
	s.logger.Info("charging",
		zap.String("idempotency_key", key),
		zap.String("provider", string(paygate.ProviderSyncSim)),
		zap.String("amount", req.Amount.String()))

	if req.Amount.GreaterThan(s.limit) {
		return nil, paygate.NewChargeError("Payment amount exceeds limit")
	}

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, paygate.NewTransientChargeError("charge interrupted", ctx.Err())
		}
	}

	return &paygate.ChargeResult{
		Status:        paygate.PaymentCompleted,
		TransactionNo: "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Provider:      paygate.ProviderSyncSim,
	}, nil
}
