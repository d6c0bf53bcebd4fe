package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paygate"
	"paygate/circuit"
	"paygate/recovery"
)

// ErrNotStuck is returned by ForceFail when a PROCESSING record has been
// updated more recently than the stuck threshold.
var ErrNotStuck = errors.New("record is not stuck")

// Sweeper fails a stuck PROCESSING record. *paygate.Engine implements it.
type Sweeper interface {
	FailStuck(ctx context.Context, rec *paygate.PaymentRecord) error
}

// BreakerSource exposes the per-provider circuit breakers.
// *provider.Dispatcher implements it.
type BreakerSource interface {
	Providers() []paygate.Provider
	Breaker(p paygate.Provider) (circuit.CircuitBreaker, bool)
	Synchronous(p paygate.Provider) bool
}

// RecoveryStats reports and clears sweeper counters. *recovery.Worker
// implements it.
type RecoveryStats interface {
	Stats() recovery.Stats
	ResetStats()
}

// BreakerInfo describes one provider circuit.
type BreakerInfo struct {
	Provider    string                `json:"provider"`
	Synchronous bool                  `json:"synchronous"`
	State       string                `json:"state"`
	Counts      circuit.BreakerCounts `json:"counts"`
}

// RecoverySummary mirrors recovery.Stats for the admin API.
type RecoverySummary struct {
	IsRunning bool  `json:"is_running"`
	Scanned   int64 `json:"scanned"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Alerted   int64 `json:"alerted"`
	Errors    int64 `json:"errors"`
}

// Stats summarizes the engine for operators.
type Stats struct {
	Recovery        *RecoverySummary `json:"recovery,omitempty"`
	Stuck           int              `json:"stuck"`
	AwaitingWebhook int              `json:"awaiting_webhook"`
	Events          map[string]int   `json:"events,omitempty"`
}

// Admin implements the operator actions.
type Admin struct {
	store    paygate.RecordStore
	sweeper  Sweeper
	breakers BreakerSource
	recovery RecoveryStats
	events   *EventStore
	config   paygate.Config
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures an Admin.
type Option func(*Admin)

// WithStore sets the record store.
func WithStore(s paygate.RecordStore) Option {
	return func(a *Admin) {
		a.store = s
	}
}

// WithSweeper sets the component that fails stuck records.
func WithSweeper(s Sweeper) Option {
	return func(a *Admin) {
		a.sweeper = s
	}
}

// WithBreakers sets the circuit breaker source.
func WithBreakers(b BreakerSource) Option {
	return func(a *Admin) {
		a.breakers = b
	}
}

// WithRecovery sets the recovery stats source.
func WithRecovery(r RecoveryStats) Option {
	return func(a *Admin) {
		a.recovery = r
	}
}

// WithEventStore sets the event log.
func WithEventStore(es *EventStore) Option {
	return func(a *Admin) {
		a.events = es
	}
}

// WithConfig sets the engine configuration used for thresholds.
func WithConfig(cfg paygate.Config) Option {
	return func(a *Admin) {
		a.config = cfg
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Admin) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Admin) {
		a.logger = l
	}
}

// NewAdmin creates an Admin. A store and a sweeper are required.
func NewAdmin(opts ...Option) (*Admin, error) {
	a := &Admin{
		config: paygate.DefaultConfig(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.store == nil || a.sweeper == nil {
		return nil, fmt.Errorf("%w: admin requires a store and a sweeper", paygate.ErrInvalidConfig)
	}
	return a, nil
}

// ListStuck returns PROCESSING records with no provider transaction id that
// have not moved for the stuck threshold.
func (a *Admin) ListStuck(ctx context.Context, limit int) ([]*paygate.PaymentRecord, error) {
	return a.store.FindStuck(ctx, a.config.StuckThreshold, a.limit(limit))
}

// ListAwaitingWebhook returns records still waiting for a provider callback
// past the stuck threshold.
func (a *Admin) ListAwaitingWebhook(ctx context.Context, limit int) ([]*paygate.PaymentRecord, error) {
	return a.store.FindAwaitingWebhook(ctx, a.config.StuckThreshold, a.limit(limit))
}

func (a *Admin) limit(n int) int {
	if n <= 0 || n > a.config.RecoveryBatchSize {
		return a.config.RecoveryBatchSize
	}
	return n
}

// GetRecord returns the record for key.
func (a *Admin) GetRecord(ctx context.Context, key string) (*paygate.PaymentRecord, error) {
	return a.store.FindByKey(ctx, key)
}

// ForceFail marks a stuck record FAILED so its key can be retried. Records
// awaiting a webhook or already terminal are rejected with
// ErrInvalidStateTransition, recent ones with ErrNotStuck.
func (a *Admin) ForceFail(ctx context.Context, key, reason string) (*paygate.PaymentRecord, error) {
	rec, err := a.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status == paygate.StatusProcessing && !rec.AwaitingWebhook() {
		if age := a.now().Sub(rec.UpdatedAt); age < a.config.StuckThreshold {
			return nil, fmt.Errorf("%w: %s last updated %s ago", ErrNotStuck, key, age.Truncate(time.Second))
		}
	}
	if err := a.sweeper.FailStuck(ctx, rec); err != nil {
		return nil, err
	}

	a.logger.Warn("payment force failed by operator",
		zap.String("idempotency_key", key),
		zap.String("reason", reason),
		zap.Int("version", rec.Version))
	return rec, nil
}

// CircuitBreakers reports every provider circuit.
func (a *Admin) CircuitBreakers() []BreakerInfo {
	if a.breakers == nil {
		return []BreakerInfo{}
	}
	infos := make([]BreakerInfo, 0)
	for _, p := range a.breakers.Providers() {
		cb, ok := a.breakers.Breaker(p)
		if !ok {
			continue
		}
		infos = append(infos, BreakerInfo{
			Provider:    string(p),
			Synchronous: a.breakers.Synchronous(p),
			State:       cb.State().String(),
			Counts:      cb.Counts(),
		})
	}
	return infos
}

// ResetCircuitBreaker closes the circuit for the named provider.
func (a *Admin) ResetCircuitBreaker(name string) error {
	p, err := paygate.ParseProvider(name)
	if err != nil {
		return err
	}
	if a.breakers == nil {
		return fmt.Errorf("%w: no circuit breakers configured", paygate.ErrInvalidConfig)
	}
	cb, ok := a.breakers.Breaker(p)
	if !ok {
		return fmt.Errorf("%w: no circuit breakers configured", paygate.ErrInvalidConfig)
	}
	cb.Reset()
	a.logger.Info("circuit breaker reset by operator", zap.String("provider", string(p)))
	return nil
}

// ResetRecoveryStats zeroes the recovery worker counters.
func (a *Admin) ResetRecoveryStats() error {
	if a.recovery == nil {
		return fmt.Errorf("%w: no recovery worker configured", paygate.ErrInvalidConfig)
	}
	a.recovery.ResetStats()
	a.logger.Info("recovery stats reset by operator")
	return nil
}

// GetStats collects recovery counters, backlog sizes and event counts.
func (a *Admin) GetStats(ctx context.Context) (*Stats, error) {
	stuck, err := a.ListStuck(ctx, 0)
	if err != nil {
		return nil, err
	}
	awaiting, err := a.ListAwaitingWebhook(ctx, 0)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Stuck: len(stuck), AwaitingWebhook: len(awaiting)}
	if a.recovery != nil {
		rs := a.recovery.Stats()
		stats.Recovery = &RecoverySummary{
			IsRunning: rs.IsRunning,
			Scanned:   rs.Scanned,
			Failed:    rs.Failed,
			Skipped:   rs.Skipped,
			Alerted:   rs.Alerted,
			Errors:    rs.Errors,
		}
	}
	if a.events != nil {
		stats.Events = a.events.CountByType()
	}
	return stats, nil
}
