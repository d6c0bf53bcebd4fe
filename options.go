package paygate

import (
	"fmt"
	"time"

	"paygate/circuit"
	"paygate/retry"
)

// Config tunes admission, charging and recovery. Zero values are invalid;
// start from DefaultConfig or ApplyOptions.
type Config struct {
	// Idempotency configuration
	IdempotencyTTL time.Duration // Record lifetime before a key may be reused, default 24h

	// Charge retry configuration
	ChargeMaxAttempts   int           // Total charge attempts, default 3
	ChargeRetryInterval time.Duration // Base wait between charge attempts, default 1s
	ChargeMaxInterval   time.Duration // Cap for the charge backoff, default 10s
	ChargeMultiplier    float64       // Multiplier for exponential backoff, default 2.0
	ChargeJitter        float64       // Jitter factor (0-1), default 0
	ChargeTimeout       time.Duration // Single charge call timeout, default 30s

	// Optimistic-lock conflict retry configuration
	ConflictMaxAttempts   int           // Attempts before falling back to a read, default 3
	ConflictRetryInterval time.Duration // Base wait after a version conflict, default 100ms
	ConflictMultiplier    float64       // Multiplier for exponential backoff, default 2.0

	// Circuit breaker configuration
	CircuitThreshold    int           // Circuit breaker threshold, default 5
	CircuitTimeout      time.Duration // Circuit breaker recovery time, default 30s
	CircuitHalfOpenReqs int           // Half-open state max requests, default 3

	// Recovery configuration
	RecoveryInterval  time.Duration // Stuck record scan interval, default 5m
	StuckThreshold    time.Duration // Age after which a PROCESSING record is stuck, default 5m
	RecoveryBatchSize int           // Records examined per scan, default 100
}

func DefaultConfig() Config {
	return Config{
		IdempotencyTTL:        24 * time.Hour,
		ChargeMaxAttempts:     3,
		ChargeRetryInterval:   1 * time.Second,
		ChargeMaxInterval:     10 * time.Second,
		ChargeMultiplier:      2.0,
		ChargeJitter:          0,
		ChargeTimeout:         30 * time.Second,
		ConflictMaxAttempts:   3,
		ConflictRetryInterval: 100 * time.Millisecond,
		ConflictMultiplier:    2.0,
		CircuitThreshold:      5,
		CircuitTimeout:        30 * time.Second,
		CircuitHalfOpenReqs:   3,
		RecoveryInterval:      5 * time.Minute,
		StuckThreshold:        5 * time.Minute,
		RecoveryBatchSize:     100,
	}
}

// Option adjusts one Config field.
type Option func(*Config)

// WithIdempotencyTTL sets how long a key stays bound to its first request.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.IdempotencyTTL = ttl
	}
}

// WithChargeMaxAttempts counts the first call, so 1 disables retries.
func WithChargeMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.ChargeMaxAttempts = attempts
	}
}

func WithChargeRetryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ChargeRetryInterval = interval
	}
}

func WithChargeMaxInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ChargeMaxInterval = interval
	}
}

func WithChargeMultiplier(multiplier float64) Option {
	return func(c *Config) {
		c.ChargeMultiplier = multiplier
	}
}

// WithChargeJitter randomizes each charge backoff by up to jitter*delay.
func WithChargeJitter(jitter float64) Option {
	return func(c *Config) {
		c.ChargeJitter = jitter
	}
}

// WithChargeTimeout bounds one provider call, not the whole retry loop.
func WithChargeTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ChargeTimeout = timeout
	}
}

// WithConflictMaxAttempts bounds optimistic-lock retries before the engine
// re-reads the record and reports what another writer stored.
func WithConflictMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.ConflictMaxAttempts = attempts
	}
}

func WithConflictRetryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ConflictRetryInterval = interval
	}
}

func WithCircuitThreshold(threshold int) Option {
	return func(c *Config) {
		c.CircuitThreshold = threshold
	}
}

func WithCircuitTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CircuitTimeout = timeout
	}
}

func WithCircuitHalfOpenReqs(reqs int) Option {
	return func(c *Config) {
		c.CircuitHalfOpenReqs = reqs
	}
}

// WithRecoveryInterval sets how often the recovery worker scans.
func WithRecoveryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RecoveryInterval = interval
	}
}

// WithStuckThreshold sets how long a PROCESSING record without a provider
// transaction may sit untouched before recovery fails it.
func WithStuckThreshold(threshold time.Duration) Option {
	return func(c *Config) {
		c.StuckThreshold = threshold
	}
}

func WithRecoveryBatchSize(size int) Option {
	return func(c *Config) {
		c.RecoveryBatchSize = size
	}
}

// WithConfig replaces every field, including ones set by earlier options.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies opts over DefaultConfig.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ToBreakerConfig leaves IsFailure and OnStateChange for the caller to set.
func (c *Config) ToBreakerConfig() circuit.BreakerConfig {
	return circuit.BreakerConfig{
		Threshold:       c.CircuitThreshold,
		Timeout:         c.CircuitTimeout,
		HalfOpenMaxReqs: c.CircuitHalfOpenReqs,
	}
}

// ChargePolicy returns the retry policy applied around provider charges.
func (c *Config) ChargePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.ChargeMaxAttempts,
		BaseDelay:   c.ChargeRetryInterval,
		MaxDelay:    c.ChargeMaxInterval,
		Multiplier:  c.ChargeMultiplier,
		Jitter:      c.ChargeJitter,
	}
}

// ConflictPolicy returns the retry policy applied after version conflicts.
func (c *Config) ConflictPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.ConflictMaxAttempts,
		BaseDelay:   c.ConflictRetryInterval,
		Multiplier:  c.ConflictMultiplier,
	}
}

// Validate reports the first setting that cannot drive the engine, wrapped
// in ErrInvalidConfig.
func (c *Config) Validate() error {
	rules := []struct {
		bad   bool
		field string
	}{
		{c.IdempotencyTTL <= 0, "IdempotencyTTL"},
		{c.ChargeMaxAttempts < 1, "ChargeMaxAttempts"},
		{c.ChargeRetryInterval < 0, "ChargeRetryInterval"},
		{c.ChargeMaxInterval < 0, "ChargeMaxInterval"},
		{c.ChargeMultiplier < 1, "ChargeMultiplier"},
		{c.ChargeJitter < 0 || c.ChargeJitter > 1, "ChargeJitter"},
		{c.ChargeTimeout <= 0, "ChargeTimeout"},
		{c.ConflictMaxAttempts < 1, "ConflictMaxAttempts"},
		{c.ConflictRetryInterval < 0, "ConflictRetryInterval"},
		{c.ConflictMultiplier < 1, "ConflictMultiplier"},
		{c.CircuitThreshold <= 0, "CircuitThreshold"},
		{c.CircuitTimeout <= 0, "CircuitTimeout"},
		{c.CircuitHalfOpenReqs <= 0, "CircuitHalfOpenReqs"},
		{c.RecoveryInterval <= 0, "RecoveryInterval"},
		{c.StuckThreshold <= 0, "StuckThreshold"},
		{c.RecoveryBatchSize <= 0, "RecoveryBatchSize"},
	}
	for _, r := range rules {
		if r.bad {
			return fmt.Errorf("%w: %s out of range", ErrInvalidConfig, r.field)
		}
	}

	// Recovery must never fail a record whose charge can still be running.
	if worst := c.MaxChargeDuration(); c.StuckThreshold <= worst {
		return fmt.Errorf("%w: StuckThreshold %v must exceed worst-case charge time %v",
			ErrInvalidConfig, c.StuckThreshold, worst)
	}
	return nil
}

// MaxChargeDuration is the longest a charge can take: every attempt hitting
// ChargeTimeout plus the longest waits between them.
func (c *Config) MaxChargeDuration() time.Duration {
	return c.ChargePolicy().MaxElapsed(c.ChargeTimeout)
}
