// Package prometheus exports payment engine metrics as Prometheus collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"paygate/circuit"
	"paygate/metrics"
)

// PrometheusMetrics registers every collector up front; a second New on the
// same registry panics.
type PrometheusMetrics struct {
	// Payment metrics
	paymentStartedTotal   *prometheus.CounterVec
	paymentCompletedTotal *prometheus.CounterVec
	paymentPendingTotal   *prometheus.CounterVec
	paymentFailedTotal    *prometheus.CounterVec
	paymentCachedTotal    *prometheus.CounterVec
	paymentResetTotal     *prometheus.CounterVec
	paymentDuration       *prometheus.HistogramVec

	// Admission metrics
	keyConflictTotal       prometheus.Counter
	requestInProgressTotal *prometheus.CounterVec
	versionConflictTotal   *prometheus.CounterVec

	// Charge metrics
	chargeAttemptsTotal *prometheus.CounterVec
	chargeDuration      *prometheus.HistogramVec

	// Webhook metrics
	webhooksTotal *prometheus.CounterVec

	// Circuit breaker metrics
	circuitState *prometheus.GaugeVec

	// Recovery metrics
	recoveryScannedTotal   prometheus.Counter
	recoveryProcessedTotal *prometheus.CounterVec

	// Lock metrics
	lockAcquiredTotal   prometheus.Counter
	lockFailedTotal     *prometheus.CounterVec
	lockAcquireDuration prometheus.Histogram
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config names the collectors.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "paygate")
	Namespace string
	Subsystem string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		Namespace: "paygate",
		Registry:  prometheus.DefaultRegisterer,
	}
}

func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &PrometheusMetrics{
		paymentStartedTotal:   counter("payment_started_total", "Total number of payments admitted for a charge", "provider"),
		paymentCompletedTotal: counter("payment_completed_total", "Total number of payments completed", "provider"),
		paymentPendingTotal:   counter("payment_pending_total", "Total number of payments accepted and awaiting a webhook", "provider"),
		paymentFailedTotal:    counter("payment_failed_total", "Total number of payments recorded as failed", "provider", "reason"),
		paymentCachedTotal:    counter("payment_cached_total", "Total number of requests answered from a stored outcome", "provider"),
		paymentResetTotal:     counter("payment_reset_total", "Total number of records reset for a new processing cycle", "reason"),

		paymentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "payment_duration_seconds",
			Help:      "Time from admission to a stored outcome in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		}, []string{"provider"}),

		keyConflictTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "idempotency_key_conflict_total",
			Help:      "Total number of keys replayed with a different payload",
		}),
		requestInProgressTotal: counter("request_in_progress_total", "Total number of requests rejected because the key is being processed", "reason"),
		versionConflictTotal:   counter("version_conflict_total", "Total number of optimistic lock conflicts", "operation"),

		chargeAttemptsTotal: counter("charge_attempts_total", "Total number of provider charge attempts", "provider", "outcome"),
		chargeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "charge_duration_seconds",
			Help:      "Provider charge call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"provider"}),

		webhooksTotal: counter("webhooks_total", "Total number of webhooks received by outcome", "provider", "outcome"),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Provider breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"provider"}),

		recoveryScannedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "recovery_scanned_total",
			Help:      "Total number of records examined by the stuck-record sweeper",
		}),
		recoveryProcessedTotal: counter("recovery_processed_total", "Total number of records handled by the sweeper", "outcome"),

		lockAcquiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquired_total",
			Help:      "Recovery leader locks taken",
		}),
		lockFailedTotal: counter("lock_failed_total", "Total number of lock acquisition failures", "reason"),
		lockAcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lock_acquire_duration_seconds",
			Help:      "Seconds spent taking the recovery leader lock",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), 
		}),
	}
}

// Payment metrics

func (p *PrometheusMetrics) PaymentStarted(provider string) {
	p.paymentStartedTotal.WithLabelValues(provider).Inc()
}

func (p *PrometheusMetrics) PaymentCompleted(provider string, duration time.Duration) {
	p.paymentCompletedTotal.WithLabelValues(provider).Inc()
	p.paymentDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) PaymentPending(provider string) {
	p.paymentPendingTotal.WithLabelValues(provider).Inc()
}

func (p *PrometheusMetrics) PaymentFailed(provider string, reason string) {
	p.paymentFailedTotal.WithLabelValues(provider, reason).Inc()
}

func (p *PrometheusMetrics) PaymentCached(provider string) {
	p.paymentCachedTotal.WithLabelValues(provider).Inc()
}

func (p *PrometheusMetrics) PaymentReset(reason string) {
	p.paymentResetTotal.WithLabelValues(reason).Inc()
}

// Admission metrics

func (p *PrometheusMetrics) KeyConflict() {
	p.keyConflictTotal.Inc()
}

func (p *PrometheusMetrics) RequestInProgress(reason string) {
	p.requestInProgressTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusMetrics) VersionConflict(operation string) {
	p.versionConflictTotal.WithLabelValues(operation).Inc()
}

// Charge metrics

func (p *PrometheusMetrics) ChargeAttempt(provider string, outcome string, duration time.Duration) {
	p.chargeAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	p.chargeDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// Webhook metrics

func (p *PrometheusMetrics) WebhookReceived(provider string, outcome string) {
	p.webhooksTotal.WithLabelValues(provider, outcome).Inc()
}

// Circuit breaker metrics

func (p *PrometheusMetrics) CircuitStateChanged(provider string, state circuit.State) {
	p.circuitState.WithLabelValues(provider).Set(float64(state))
}

// Recovery metrics

func (p *PrometheusMetrics) RecoveryScanned(count int) {
	p.recoveryScannedTotal.Add(float64(count))
}

func (p *PrometheusMetrics) RecoveryProcessed(outcome string) {
	p.recoveryProcessedTotal.WithLabelValues(outcome).Inc()
}

// Lock metrics

func (p *PrometheusMetrics) LockAcquired(duration time.Duration) {
	p.lockAcquiredTotal.Inc()
	p.lockAcquireDuration.Observe(duration.Seconds())
}

func (p *PrometheusMetrics) LockFailed(reason string) {
	p.lockFailedTotal.WithLabelValues(reason).Inc()
}
