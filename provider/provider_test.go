package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paygate"
	"paygate/circuit"
	"paygate/circuit/memory"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeStrategy struct {
	provider paygate.Provider
	sync     bool
	calls    int
	delay    time.Duration
	err      error
	result   *paygate.ChargeResult
}

func (f *fakeStrategy) Provider() paygate.Provider { return f.provider }
func (f *fakeStrategy) Synchronous() bool          { return f.sync }

func (f *fakeStrategy) Initiate(ctx context.Context, _ *paygate.PaymentRequest, _ string) (*paygate.ChargeResult, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &paygate.ChargeResult{Status: paygate.PaymentCompleted, TransactionNo: "ch_1"}, nil
}

type fakeWebhookStrategy struct {
	fakeStrategy
}

func (f *fakeWebhookStrategy) ParseWebhook(payload []byte, _ http.Header) (*paygate.WebhookEvent, error) {
	return &paygate.WebhookEvent{ProviderTransactionID: string(payload), Status: paygate.PaymentCompleted}, nil
}

func testRequest(p paygate.Provider) *paygate.PaymentRequest {
	return &paygate.PaymentRequest{Amount: decimal.NewFromInt(10), Method: "card", Provider: p}
}

// ============================================================================
// Routing Tests
// ============================================================================

func TestNewDispatcher_DuplicateProvider(t *testing.T) {
	_, err := NewDispatcher([]Strategy{
		&fakeStrategy{provider: paygate.ProviderSyncSim},
		&fakeStrategy{provider: paygate.ProviderSyncSim},
	})
	if err == nil {
		t.Error("expected error for duplicate provider")
	}
}

func TestDispatcher_ChargeRoutesByProvider(t *testing.T) {
	syncS := &fakeStrategy{provider: paygate.ProviderSyncSim, sync: true}
	asyncS := &fakeWebhookStrategy{fakeStrategy{
		provider: paygate.ProviderAsyncSim,
		result:   &paygate.ChargeResult{Status: paygate.PaymentPending, ProviderTransactionID: "ASYNC_1"},
	}}
	d, err := NewDispatcher([]Strategy{syncS, asyncS})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	res, err := d.Charge(context.Background(), testRequest(paygate.ProviderAsyncSim), "k")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if res.Status != paygate.PaymentPending || res.ProviderTransactionID != "ASYNC_1" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Provider != paygate.ProviderAsyncSim {
		t.Errorf("expected provider filled in, got %s", res.Provider)
	}
	if syncS.calls != 0 || asyncS.calls != 1 {
		t.Errorf("unexpected call counts sync=%d async=%d", syncS.calls, asyncS.calls)
	}

	if !d.Synchronous(paygate.ProviderSyncSim) || d.Synchronous(paygate.ProviderAsyncSim) {
		t.Error("unexpected Synchronous answers")
	}
}

func TestDispatcher_UnsupportedProvider(t *testing.T) {
	d, _ := NewDispatcher([]Strategy{&fakeStrategy{provider: paygate.ProviderSyncSim}})

	_, err := d.Charge(context.Background(), testRequest(paygate.ProviderAsyncSim), "k")
	if !errors.Is(err, paygate.ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestDispatcher_ParseWebhook(t *testing.T) {
	d, _ := NewDispatcher([]Strategy{
		&fakeStrategy{provider: paygate.ProviderSyncSim},
		&fakeWebhookStrategy{fakeStrategy{provider: paygate.ProviderAsyncSim}},
	})

	ev, err := d.ParseWebhook(paygate.ProviderAsyncSim, []byte("ASYNC_9"), nil)
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if ev.ProviderTransactionID != "ASYNC_9" {
		t.Errorf("unexpected event %+v", ev)
	}

	if _, err := d.ParseWebhook(paygate.ProviderSyncSim, nil, nil); !errors.Is(err, paygate.ErrWebhookNotSupported) {
		t.Errorf("expected ErrWebhookNotSupported, got %v", err)
	}
	if _, err := d.ParseWebhook(paygate.Provider("OTHER"), nil, nil); !errors.Is(err, paygate.ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}

// ============================================================================
// Timeout Tests
// ============================================================================

func TestDispatcher_TimeoutIsTransient(t *testing.T) {
	s := &fakeStrategy{provider: paygate.ProviderSyncSim, delay: time.Second}
	d, _ := NewDispatcher([]Strategy{s}, WithTimeout(20*time.Millisecond))

	_, err := d.Charge(context.Background(), testRequest(paygate.ProviderSyncSim), "k")
	var ce *paygate.ChargeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChargeError, got %v", err)
	}
	if !ce.Transient() {
		t.Error("expected timeout to be transient")
	}
	if !errors.Is(err, paygate.ErrChargeFailed) {
		t.Error("expected error to match ErrChargeFailed")
	}
}

func TestDispatcher_ParentCancelIsNotTransient(t *testing.T) {
	s := &fakeStrategy{provider: paygate.ProviderSyncSim, delay: time.Second}
	d, _ := NewDispatcher([]Strategy{s})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Charge(ctx, testRequest(paygate.ProviderSyncSim), "k")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// ============================================================================
// Circuit Breaker Tests
// ============================================================================

func TestDispatcher_BreakerOpensOnTransientFailures(t *testing.T) {
	s := &fakeStrategy{
		provider: paygate.ProviderSyncSim,
		err:      paygate.NewTransientChargeError("provider 503", nil),
	}
	breakers := memory.NewMemoryBreaker()
	d, _ := NewDispatcher([]Strategy{s}, WithBreaker(breakers, circuit.BreakerConfig{
		Threshold:       2,
		Timeout:         time.Hour,
		HalfOpenMaxReqs: 1,
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := d.Charge(ctx, testRequest(paygate.ProviderSyncSim), "k"); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := d.Charge(ctx, testRequest(paygate.ProviderSyncSim), "k")
	var ce *paygate.ChargeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChargeError, got %v", err)
	}
	if ce.Transient() {
		t.Error("open circuit must not be retried")
	}
	if !errors.Is(err, paygate.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen in chain, got %v", err)
	}
	if s.calls != 2 {
		t.Errorf("expected provider not called while open, calls=%d", s.calls)
	}
}

func TestDispatcher_BusinessRejectionsDoNotOpenBreaker(t *testing.T) {
	s := &fakeStrategy{
		provider: paygate.ProviderSyncSim,
		err:      paygate.NewChargeError("Payment amount exceeds limit"),
	}
	breakers := memory.NewMemoryBreaker()
	d, _ := NewDispatcher([]Strategy{s}, WithBreaker(breakers, circuit.BreakerConfig{
		Threshold:       2,
		Timeout:         time.Hour,
		HalfOpenMaxReqs: 1,
	}))

	for i := 0; i < 5; i++ {
		_, _ = d.Charge(context.Background(), testRequest(paygate.ProviderSyncSim), "k")
	}
	if state := breakers.Get(string(paygate.ProviderSyncSim)).State(); state != circuit.StateClosed {
		t.Errorf("expected CLOSED, got %s", state)
	}
	if s.calls != 5 {
		t.Errorf("expected 5 provider calls, got %d", s.calls)
	}
}

func TestCountsAgainstBreaker(t *testing.T) {
	if countsAgainstBreaker(paygate.NewChargeError("declined")) {
		t.Error("business rejection counted")
	}
	if !countsAgainstBreaker(paygate.NewTransientChargeError("timeout", nil)) {
		t.Error("transient failure not counted")
	}
	if !countsAgainstBreaker(errors.New("boom")) {
		t.Error("unclassified error not counted")
	}
}

func TestDispatcher_ProvidersAndBreaker(t *testing.T) {
	d, _ := NewDispatcher([]Strategy{
		&fakeStrategy{provider: paygate.ProviderSyncSim},
		&fakeStrategy{provider: paygate.ProviderAsyncSim},
	})
	got := d.Providers()
	if len(got) != 2 || got[0] != paygate.ProviderAsyncSim || got[1] != paygate.ProviderSyncSim {
		t.Errorf("unexpected providers %v", got)
	}
	if _, ok := d.Breaker(paygate.ProviderSyncSim); ok {
		t.Error("expected no breaker without WithBreaker")
	}

	s := &fakeStrategy{
		provider: paygate.ProviderSyncSim,
		err:      paygate.NewTransientChargeError("provider 503", nil),
	}
	d, _ = NewDispatcher([]Strategy{s}, WithBreaker(memory.NewMemoryBreaker(), circuit.BreakerConfig{
		Threshold:       1,
		Timeout:         time.Hour,
		HalfOpenMaxReqs: 1,
	}))
	_, _ = d.Charge(context.Background(), testRequest(paygate.ProviderSyncSim), "k")

	cb, ok := d.Breaker(paygate.ProviderSyncSim)
	if !ok {
		t.Fatal("expected breaker")
	}
	if cb.State() != circuit.StateOpen {
		t.Errorf("expected the charging breaker to be returned, state=%s", cb.State())
	}
}
