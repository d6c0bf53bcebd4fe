// Package memory provides an in-process circuit breaker, one per provider.
package memory

import (
	"context"
	"sync"
	"time"

	"paygate"
	"paygate/circuit"
)

// MemoryBreaker is an in-memory implementation of the Breaker interface
type MemoryBreaker struct {
	mu            sync.RWMutex
	breakers      map[string]*memoryCircuitBreaker
	defaultConfig circuit.BreakerConfig
	now           func() time.Time
}

// Option configures a MemoryBreaker.
type Option func(*MemoryBreaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryBreaker) {
		m.now = now
	}
}

// NewMemoryBreaker creates a new MemoryBreaker with default configuration
func NewMemoryBreaker(opts ...Option) *MemoryBreaker {
	return NewMemoryBreakerWithConfig(circuit.DefaultBreakerConfig(), opts...)
}

// NewMemoryBreakerWithConfig creates a new MemoryBreaker with custom default configuration
func NewMemoryBreakerWithConfig(config circuit.BreakerConfig, opts ...Option) *MemoryBreaker {
	m := &MemoryBreaker{
		breakers:      make(map[string]*memoryCircuitBreaker),
		defaultConfig: config,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the circuit breaker for the named provider with default config
func (m *MemoryBreaker) Get(name string) circuit.CircuitBreaker {
	return m.GetWithConfig(name, m.defaultConfig)
}

// GetWithConfig returns the circuit breaker for the named provider. The config
// only applies when the breaker is created.
func (m *MemoryBreaker) GetWithConfig(name string, config circuit.BreakerConfig) circuit.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb = &memoryCircuitBreaker{
		name:   name,
		config: config,
		state:  circuit.StateClosed,
		now:    m.now,
	}
	m.breakers[name] = cb
	return cb
}

type transition struct {
	from, to circuit.State
}

type memoryCircuitBreaker struct {
	mu     sync.Mutex
	name   string
	config circuit.BreakerConfig
	state  circuit.State
	counts circuit.BreakerCounts
	now    func() time.Time

	openedAt         time.Time
	halfOpenRequests int
}

// Execute runs fn unless the circuit is open
func (cb *memoryCircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.afterRequest(err)
	return err
}

func (cb *memoryCircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	switch cb.state {
	case circuit.StateClosed:
		cb.counts.Requests++
		return nil

	case circuit.StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			changed = cb.setState(circuit.StateHalfOpen)
			cb.counts.Requests++
			cb.halfOpenRequests++
			return nil
		}
		cb.counts.Rejected++
		return paygate.ErrCircuitOpen

	case circuit.StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxReqs {
			cb.counts.Rejected++
			return paygate.ErrCircuitOpen
		}
		cb.counts.Requests++
		cb.halfOpenRequests++
		return nil

	default:
		return paygate.ErrCircuitOpen
	}
}

func (cb *memoryCircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	if err == nil || (cb.config.IsFailure != nil && !cb.config.IsFailure(err)) {
		changed = cb.onSuccess()
	} else {
		changed = cb.onFailure()
	}
}

func (cb *memoryCircuitBreaker) onSuccess() *transition {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if cb.state == circuit.StateHalfOpen && cb.counts.ConsecutiveSuccesses >= int64(cb.config.HalfOpenMaxReqs) {
		return cb.setState(circuit.StateClosed)
	}
	return nil
}

func (cb *memoryCircuitBreaker) onFailure() *transition {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch cb.state {
	case circuit.StateClosed:
		if cb.counts.ConsecutiveFailures >= int64(cb.config.Threshold) {
			return cb.setState(circuit.StateOpen)
		}
	case circuit.StateHalfOpen:
		// any failed probe reopens
		return cb.setState(circuit.StateOpen)
	}
	return nil
}

// setState must be called with mu held.
func (cb *memoryCircuitBreaker) setState(to circuit.State) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.halfOpenRequests = 0
	if to == circuit.StateOpen {
		cb.openedAt = cb.now()
	}
	if to == circuit.StateHalfOpen {
		cb.counts.ConsecutiveSuccesses = 0
	}
	return &transition{from: from, to: to}
}

func (cb *memoryCircuitBreaker) notify(t *transition) {
	if t == nil || cb.config.OnStateChange == nil {
		return
	}
	cb.config.OnStateChange(cb.name, t.from, t.to)
}

// State returns the current state. An open breaker whose timeout elapsed is
// reported as HALF_OPEN; the transition itself happens on the next request.
func (cb *memoryCircuitBreaker) State() circuit.State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuit.StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return circuit.StateHalfOpen
	}
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *memoryCircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(circuit.StateClosed)
	cb.counts = circuit.BreakerCounts{}
	cb.halfOpenRequests = 0
	cb.mu.Unlock()
	cb.notify(changed)
}

// Counts returns the current statistics
func (cb *memoryCircuitBreaker) Counts() circuit.BreakerCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
