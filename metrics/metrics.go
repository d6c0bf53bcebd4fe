// Package metrics provides the metrics interface for the payment engine.
package metrics

import (
	"time"

	"paygate/circuit"
)

// Outcome labels shared by the engine and its backends.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePending   = "pending"
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeUnknown   = "unknown"
	OutcomeInvalid   = "invalid"
	OutcomeSkipped   = "skipped"
	OutcomeAwaiting  = "awaiting_webhook"
)

// Metrics defines the interface for collecting observability metrics.
type Metrics interface {
	// Payment metrics
	PaymentStarted(provider string)
	PaymentCompleted(provider string, duration time.Duration)
	PaymentPending(provider string)
	PaymentFailed(provider string, reason string)
	PaymentCached(provider string)
	PaymentReset(reason string)

	// Admission rejections and optimistic-lock conflicts
	KeyConflict()
	RequestInProgress(reason string)
	VersionConflict(operation string)

	// Charge metrics
	ChargeAttempt(provider string, outcome string, duration time.Duration)

	// Webhook metrics
	WebhookReceived(provider string, outcome string)

	// Circuit breaker metrics
	CircuitStateChanged(provider string, state circuit.State)

	// Recovery metrics
	RecoveryScanned(count int)
	RecoveryProcessed(outcome string)

	// Lock metrics
	LockAcquired(duration time.Duration)
	LockFailed(reason string)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) PaymentStarted(provider string)                                 {}
func (n *NoopMetrics) PaymentCompleted(provider string, duration time.Duration)       {}
func (n *NoopMetrics) PaymentPending(provider string)                                 {}
func (n *NoopMetrics) PaymentFailed(provider string, reason string)                   {}
func (n *NoopMetrics) PaymentCached(provider string)                                  {}
func (n *NoopMetrics) PaymentReset(reason string)                                     {}
func (n *NoopMetrics) KeyConflict()                                                   {}
func (n *NoopMetrics) RequestInProgress(reason string)                                {}
func (n *NoopMetrics) VersionConflict(operation string)                               {}
func (n *NoopMetrics) ChargeAttempt(provider string, outcome string, d time.Duration) {}
func (n *NoopMetrics) WebhookReceived(provider string, outcome string)                {}
func (n *NoopMetrics) CircuitStateChanged(provider string, state circuit.State)       {}
func (n *NoopMetrics) RecoveryScanned(count int)                                      {}
func (n *NoopMetrics) RecoveryProcessed(outcome string)                               {}
func (n *NoopMetrics) LockAcquired(duration time.Duration)                            {}
func (n *NoopMetrics) LockFailed(reason string)                                       {}
