// Package circuit guards calls to external payment providers.
package circuit

import (
	"context"
	"time"
)

// State is where a provider's breaker currently sits.
type State int

const (
	// StateClosed lets charges through.
	StateClosed State = iota
	// StateOpen fails charges fast with paygate.ErrCircuitOpen.
	StateOpen
	// StateHalfOpen admits a bounded number of probe charges.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeFunc is called after a breaker moves between states.
type StateChangeFunc func(name string, from, to State)

// BreakerConfig is shared by every provider breaker of one dispatcher.
type BreakerConfig struct {
	// Threshold consecutive provider failures open the breaker.
	Threshold int
	// Timeout is how long an open breaker waits before probing.
	Timeout time.Duration
	// HalfOpenMaxReqs caps concurrent probes; that many successes close it.
	HalfOpenMaxReqs int
	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every error.
	IsFailure func(err error) bool
	// OnStateChange is notified of every transition. Optional.
	OnStateChange StateChangeFunc
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:       5,
		Timeout:         30 * time.Second,
		HalfOpenMaxReqs: 3,
	}
}

// BreakerCounts is a snapshot exposed through the admin API.
type BreakerCounts struct {
	Requests             int64
	TotalSuccesses       int64
	TotalFailures        int64
	ConsecutiveSuccesses int64
	ConsecutiveFailures  int64
	// Rejected counts calls refused while open
	Rejected int64
}

// Breaker hands out one circuit breaker per provider.
type Breaker interface {
	Get(name string) CircuitBreaker
	// GetWithConfig applies config only when the breaker is first created.
	GetWithConfig(name string, config BreakerConfig) CircuitBreaker
}

// CircuitBreaker guards one provider.
type CircuitBreaker interface {
	// Execute returns paygate.ErrCircuitOpen without calling fn while open.
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	State() State
	// Reset closes the breaker and clears its counts.
	Reset()
	Counts() BreakerCounts
}
