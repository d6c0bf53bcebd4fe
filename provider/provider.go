// Package provider routes charges and webhooks to payment provider strategies.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"paygate"
	"paygate/circuit"
)

// Strategy charges one payment provider.
type Strategy interface {
	// Provider returns the provider this strategy serves.
	Provider() paygate.Provider

	// Synchronous reports whether Initiate returns a final outcome. An
	// asynchronous strategy returns PENDING and confirms through a webhook.
	Synchronous() bool

	// Initiate starts a charge. Failures are returned as *paygate.ChargeError;
	// mark them transient when a retry may succeed.
	Initiate(ctx context.Context, req *paygate.PaymentRequest, key string) (*paygate.ChargeResult, error)
}

// WebhookParser is implemented by strategies whose provider sends callbacks.
type WebhookParser interface {
	ParseWebhook(payload []byte, headers http.Header) (*paygate.WebhookEvent, error)
}

// Dispatcher routes a request to the strategy for its provider. Webhook
// capability is resolved once at construction.
type Dispatcher struct {
	strategies map[paygate.Provider]Strategy
	parsers    map[paygate.Provider]WebhookParser
	breakers   circuit.Breaker
	breakerCfg circuit.BreakerConfig
	timeout    time.Duration
	logger     *zap.Logger
}

var _ paygate.Dispatcher = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBreaker guards every provider with its own circuit breaker from b.
// When cfg.IsFailure is nil, business rejections (non-transient charge
// errors) do not count as failures.
func WithBreaker(b circuit.Breaker, cfg circuit.BreakerConfig) Option {
	return func(d *Dispatcher) {
		d.breakers = b
		d.breakerCfg = cfg
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher registers strategies by provider. Registering two strategies
// for the same provider is an error.
func NewDispatcher(strategies []Strategy, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		strategies: make(map[paygate.Provider]Strategy, len(strategies)),
		parsers:    make(map[paygate.Provider]WebhookParser),
		timeout:    30 * time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breakers != nil && d.breakerCfg.IsFailure == nil {
		d.breakerCfg.IsFailure = countsAgainstBreaker
	}

	for _, s := range strategies {
		p := s.Provider()
		if _, dup := d.strategies[p]; dup {
			return nil, fmt.Errorf("duplicate strategy for provider %s", p)
		}
		d.strategies[p] = s
		if parser, ok := s.(WebhookParser); ok {
			d.parsers[p] = parser
		}
	}
	return d, nil
}

// Providers lists the registered providers in name order.
func (d *Dispatcher) Providers() []paygate.Provider {
	out := make([]paygate.Provider, 0, len(d.strategies))
	for p := range d.strategies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Breaker returns the circuit breaker guarding p. The second result is false
// when the dispatcher runs without breakers.
func (d *Dispatcher) Breaker(p paygate.Provider) (circuit.CircuitBreaker, bool) {
	if d.breakers == nil {
		return nil, false
	}
	return d.breakers.GetWithConfig(string(p), d.breakerCfg), true
}

// Charge runs one charge attempt against the request's provider.
func (d *Dispatcher) Charge(ctx context.Context, req *paygate.PaymentRequest, key string) (*paygate.ChargeResult, error) {
	s, ok := d.strategies[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", paygate.ErrUnsupportedProvider, req.Provider)
	}

	var result *paygate.ChargeResult
	call := func(ctx context.Context) error {
		r, err := d.initiateWithTimeout(ctx, s, req, key)
		result = r
		return err
	}

	var err error
	if d.breakers != nil {
		cb := d.breakers.GetWithConfig(string(req.Provider), d.breakerCfg)
		err = cb.Execute(ctx, call)
		if errors.Is(err, paygate.ErrCircuitOpen) {
			d.logger.Warn("provider circuit open, charge rejected",
				zap.String("idempotency_key", key),
				zap.String("provider", string(req.Provider)))
			return nil, &paygate.ChargeError{Reason: "provider temporarily unavailable", Err: err}
		}
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, paygate.NewChargeError("provider returned no result")
	}
	if result.Provider == "" {
		result.Provider = req.Provider
	}
	return result, nil
}

// initiateWithTimeout runs the strategy with the dispatcher timeout.
func (d *Dispatcher) initiateWithTimeout(ctx context.Context, s Strategy, req *paygate.PaymentRequest, key string) (*paygate.ChargeResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result *paygate.ChargeResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.Initiate(timeoutCtx, req, key)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, paygate.NewTransientChargeError("provider call timed out", context.DeadlineExceeded)
		}
		return nil, ctx.Err()
	}
}

// Synchronous reports whether the provider settles charges inline.
func (d *Dispatcher) Synchronous(p paygate.Provider) bool {
	s, ok := d.strategies[p]
	return ok && s.Synchronous()
}

// ParseWebhook routes a callback payload to the provider's parser.
func (d *Dispatcher) ParseWebhook(p paygate.Provider, payload []byte, headers http.Header) (*paygate.WebhookEvent, error) {
	parser, ok := d.parsers[p]
	if !ok {
		if _, known := d.strategies[p]; !known {
			return nil, fmt.Errorf("%w: %s", paygate.ErrUnsupportedProvider, p)
		}
		return nil, fmt.Errorf("%w: %s", paygate.ErrWebhookNotSupported, p)
	}
	return parser.ParseWebhook(payload, headers)
}

// countsAgainstBreaker ignores business rejections so a run of declined
// cards does not open the circuit.
func countsAgainstBreaker(err error) bool {
	var ce *paygate.ChargeError
	if errors.As(err, &ce) {
		return ce.Transient()
	}
	return true
}
