// Package recovery provides the sweeper for payment records that never
// reached an outcome.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"paygate"
	"paygate/event"
	"paygate/lock"
	"paygate/metrics"
)

// Sweeper fails a stuck record with a versioned write.
// This interface is implemented by paygate.Engine.
type Sweeper interface {
	FailStuck(ctx context.Context, rec *paygate.PaymentRecord) error
}

// RecordFinder lists candidate records. paygate.RecordStore satisfies it.
type RecordFinder interface {
	FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*paygate.PaymentRecord, error)
	FindAwaitingWebhook(ctx context.Context, olderThan time.Duration, limit int) ([]*paygate.PaymentRecord, error)
}

// Config holds the configuration for the recovery worker.
type Config struct {
	// RecoveryInterval is the interval between scans.
	RecoveryInterval time.Duration
	// StuckThreshold is how long a PROCESSING record may stay untouched.
	StuckThreshold time.Duration
	// BatchSize caps the records examined per query.
	BatchSize int
	// LockKey names the leader lock shared by all instances.
	LockKey string
	// LockTTL is the TTL of the leader lock.
	LockTTL time.Duration
}

// DefaultConfig returns the default configuration for the recovery worker.
func DefaultConfig() Config {
	return Config{
		RecoveryInterval: 5 * time.Minute,
		StuckThreshold:   5 * time.Minute,
		BatchSize:        100,
		LockKey:          "paygate:recovery",
		LockTTL:          time.Minute,
	}
}

// ConfigFromEngine takes the sweeper settings from the engine configuration.
func ConfigFromEngine(cfg paygate.Config) Config {
	c := DefaultConfig()
	c.RecoveryInterval = cfg.RecoveryInterval
	c.StuckThreshold = cfg.StuckThreshold
	c.BatchSize = cfg.RecoveryBatchSize
	return c
}

// Worker periodically fails stuck records and raises alerts for records
// whose webhook is overdue. Only the instance holding the leader lock scans.
type Worker struct {
	store   RecordFinder
	sweeper Sweeper
	locker  lock.Locker
	events  event.EventBus
	metrics metrics.Metrics
	logger  *zap.Logger
	config  Config

	// State
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// WorkerOption is a function that configures the Worker.
type WorkerOption func(*Worker)

// WithStore sets the record source for the worker.
func WithStore(s RecordFinder) WorkerOption {
	return func(w *Worker) {
		w.store = s
	}
}

// WithSweeper sets what fails stuck records, normally the engine.
func WithSweeper(s Sweeper) WorkerOption {
	return func(w *Worker) {
		w.sweeper = s
	}
}

// WithLocker sets the locker for the worker.
func WithLocker(l lock.Locker) WorkerOption {
	return func(w *Worker) {
		w.locker = l
	}
}

// WithEventBus sets the event bus for the worker.
func WithEventBus(e event.EventBus) WorkerOption {
	return func(w *Worker) {
		w.events = e
	}
}

// WithMetrics sets the metrics collector for the worker.
func WithMetrics(m metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithConfig sets the configuration for the worker.
func WithConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		w.config = cfg
	}
}

// WithLogger sets the logger for the worker.
func WithLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// NewWorker creates a new recovery worker. A store and a sweeper are
// required; without a locker every instance scans.
func NewWorker(opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		events:  event.NewNoOpEventBus(),
		metrics: &metrics.NoopMetrics{},
		logger:  zap.NewNop(),
		config:  DefaultConfig(),
		stopCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.store == nil || w.sweeper == nil {
		return nil, fmt.Errorf("%w: recovery worker needs a store and a sweeper", paygate.ErrInvalidConfig)
	}
	if w.config.RecoveryInterval <= 0 || w.config.StuckThreshold <= 0 || w.config.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: recovery interval, stuck threshold and batch size must be positive", paygate.ErrInvalidConfig)
	}
	return w, nil
}

// Start runs the worker in the background until Stop is called or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("recovery worker already running")
	}
	w.running = true
	stopCh := make(chan struct{})
	w.stopCh = stopCh
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx, stopCh)

	w.logger.Info("recovery worker started",
		zap.Duration("interval", w.config.RecoveryInterval),
		zap.Duration("stuck_threshold", w.config.StuckThreshold))
	return nil
}

// Stop stops the recovery worker gracefully.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("recovery worker stopped")
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context, stopCh chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.RecoveryInterval)
	defer ticker.Stop()

	w.ScanOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.ScanOnce(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			w.mu.Lock()
			if w.stopCh == stopCh {
				w.running = false
			}
			w.mu.Unlock()
			w.logger.Info("recovery worker stopped", zap.Error(ctx.Err()))
			return
		}
	}
}

// ScanOnce performs a single scan synchronously. It returns false when
// another instance holds the leader lock.
func (w *Worker) ScanOnce(ctx context.Context) bool {
	if w.locker != nil {
		start := time.Now()
		handle, err := w.locker.Acquire(ctx, w.config.LockKey, w.config.LockTTL)
		if err != nil {
			reason := "error"
			if errors.Is(err, lock.ErrLockHeld) {
				reason = "held"
			}
			w.metrics.LockFailed(reason)
			w.logger.Debug("recovery scan skipped, lock not acquired",
				zap.String("reason", reason),
				zap.Error(err))
			return false
		}
		w.metrics.LockAcquired(time.Since(start))
		defer func() {
			if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warn("failed to release recovery lock", zap.Error(err))
			}
		}()
	}

	w.publishEvent(ctx, event.NewEvent(event.EventRecoveryStart))
	w.sweepStuck(ctx)
	w.checkAwaitingWebhook(ctx)
	return true
}

// sweepStuck fails PROCESSING records that were never dispatched or whose
// dispatch outcome was never written.
func (w *Worker) sweepStuck(ctx context.Context) {
	stuck, err := w.store.FindStuck(ctx, w.config.StuckThreshold, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list stuck payments", zap.Error(err))
		w.bump(func(s *Stats) { s.Errors++ })
		return
	}
	w.metrics.RecoveryScanned(len(stuck))
	w.bump(func(s *Stats) { s.Scanned += int64(len(stuck)) })

	for _, rec := range stuck {
		err := w.sweeper.FailStuck(ctx, rec)
		switch {
		case err == nil:
			w.metrics.RecoveryProcessed(metrics.OutcomeSuccess)
			w.bump(func(s *Stats) { s.Failed++ })
		case errors.Is(err, paygate.ErrVersionConflict), errors.Is(err, paygate.ErrInvalidStateTransition):
			// Someone else moved the record on since it was listed.
			w.metrics.RecoveryProcessed(metrics.OutcomeSkipped)
			w.bump(func(s *Stats) { s.Skipped++ })
			w.logger.Debug("stuck payment progressed meanwhile, skipped",
				zap.String("idempotency_key", rec.IdempotencyKey))
		default:
			w.metrics.RecoveryProcessed(metrics.OutcomeFailure)
			w.bump(func(s *Stats) { s.Errors++ })
			w.logger.Error("failed to fail stuck payment",
				zap.String("idempotency_key", rec.IdempotencyKey),
				zap.Error(err))
		}
	}
}

// checkAwaitingWebhook only alerts. The provider owns the outcome of an
// accepted charge, so the record is left for its webhook.
func (w *Worker) checkAwaitingWebhook(ctx context.Context) {
	waiting, err := w.store.FindAwaitingWebhook(ctx, w.config.StuckThreshold, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list payments awaiting webhook", zap.Error(err))
		w.bump(func(s *Stats) { s.Errors++ })
		return
	}
	w.metrics.RecoveryScanned(len(waiting))
	w.bump(func(s *Stats) { s.Scanned += int64(len(waiting)) })

	for _, rec := range waiting {
		w.metrics.RecoveryProcessed(metrics.OutcomeAwaiting)
		w.bump(func(s *Stats) { s.Alerted++ })
		w.publishEvent(ctx, event.NewEvent(event.EventAlertWarning).
			WithKey(rec.IdempotencyKey).
			WithProvider(string(rec.Provider)).
			WithProviderTxID(rec.ProviderTransactionID).
			WithData("reason", "webhook overdue").
			WithData("last_update", rec.UpdatedAt))
		w.logger.Warn("payment still awaiting webhook",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("provider_transaction_id", rec.ProviderTransactionID),
			zap.Time("last_update", rec.UpdatedAt))
	}
}

func (w *Worker) publishEvent(ctx context.Context, e event.Event) {
	if err := w.events.Publish(ctx, e); err != nil {
		w.logger.Warn("failed to publish event",
			zap.String("event", e.Type.String()),
			zap.Error(err))
	}
}

// Stats holds the worker's counters since start or the last ResetStats.
type Stats struct {
	Scanned   int64 // records listed by either query
	Failed    int64 // stuck records marked FAILED
	Skipped   int64 // stuck records that moved on before the write
	Alerted   int64 // overdue webhook alerts raised
	Errors    int64
	IsRunning bool
}

func (w *Worker) bump(f func(*Stats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	f(&w.stats)
}

// Stats returns the current statistics of the recovery worker.
func (w *Worker) Stats() Stats {
	w.statsMu.RLock()
	s := w.stats
	w.statsMu.RUnlock()
	s.IsRunning = w.IsRunning()
	return s
}

// ResetStats resets the statistics counters.
func (w *Worker) ResetStats() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats = Stats{}
}
