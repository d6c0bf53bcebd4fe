package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zaptest"

	"paygate"
	prommetrics "paygate/metrics/prometheus"
	"paygate/provider"
	"paygate/provider/asyncsim"
	"paygate/provider/syncsim"
	"paygate/store/memory"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testAPIKey = "secret"
	testKey    = "11111111-1111-4111-1111-111111111111"
)

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	d, err := provider.NewDispatcher([]provider.Strategy{
		syncsim.New(),
		asyncsim.New(asyncsim.WithIDGenerator(func() string { return "PTX123" })),
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	engine, err := paygate.NewEngine(
		paygate.WithEngineStore(memory.New()),
		paygate.WithEngineDispatcher(d),
		paygate.WithEngineMetrics(prommetrics.New(prommetrics.Config{Namespace: "paygate", Registry: reg})),
	)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	srv := NewServer(engine, append([]Option{
		WithAPIKey(testAPIKey),
		WithLogger(zaptest.NewLogger(t)),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}, opts...)...)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, key, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, testAPIKey)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func pay(t *testing.T, ts *httptest.Server, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	return do(t, http.MethodPost, ts.URL+"/api/v1/payments", key, body, nil)
}

const syncBody = `{"amount": 50.00, "payment_method": "card", "description": "order", "payment_provider": "SYNCSIM"}`

// ============================================================================
// Payment Routes
// ============================================================================

func TestCreatePayment_CompletesThenReplays(t *testing.T) {
	ts := newTestServer(t)

	resp, body := pay(t, ts, testKey, syncBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "COMPLETED" || body["cached"] != false || body["idempotency_key"] != testKey {
		t.Errorf("unexpected body %v", body)
	}
	txn, _ := body["transaction_no"].(string)
	if !strings.HasPrefix(txn, "ch_") {
		t.Errorf("unexpected transaction no %q", txn)
	}

	resp, body = pay(t, ts, testKey, `{"amount": "50", "payment_method": "card", "description": "order", "payment_provider": "syncsim"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", resp.StatusCode)
	}
	if body["cached"] != true || body["transaction_no"] != txn {
		t.Errorf("expected cached replay of %s, got %v", txn, body)
	}
}

func TestCreatePayment_Conflict(t *testing.T) {
	ts := newTestServer(t)
	pay(t, ts, testKey, syncBody)

	resp, body := pay(t, ts, testKey, `{"amount": 75, "payment_method": "card", "description": "order", "payment_provider": "SYNCSIM"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if body["error"] != string(paygate.ErrorCodeIdempotencyKeyConflict) || body["idempotency_key"] != testKey {
		t.Errorf("unexpected envelope %v", body)
	}
}

func TestCreatePayment_AsyncPendingAndWebhook(t *testing.T) {
	ts := newTestServer(t)
	asyncBody := `{"amount": 20, "payment_method": "wallet", "payment_provider": "ASYNCSIM"}`

	resp, body := pay(t, ts, testKey, asyncBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "PENDING" || body["provider_transaction_id"] != "PTX123" {
		t.Errorf("unexpected body %v", body)
	}

	resp, body = pay(t, ts, testKey, asyncBody)
	if resp.StatusCode != http.StatusConflict || body["error"] != string(paygate.ErrorCodeRequestInProgress) {
		t.Errorf("expected 409 in progress, got %d %v", resp.StatusCode, body)
	}

	webhook := `{"transaction_id":"PTX123","transaction_no":"TXN1","status":"SUCCEED"}`
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/v1/webhooks/asyncsim", "", webhook, map[string]string{APIKeyHeader: ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for webhook, got %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/payments/"+testKey, "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["processing_status"] != "COMPLETED" {
		t.Errorf("unexpected lookup %v", body)
	}
	inner, _ := body["response"].(map[string]any)
	if inner["transaction_no"] != "TXN1" {
		t.Errorf("expected TXN1 in stored response, got %v", inner)
	}
}

func TestCreatePayment_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		key  string
		body string
	}{
		{"missing key", "", syncBody},
		{"bad key", "abc", syncBody},
		{"malformed json", testKey, `{"amount":`},
		{"missing amount", testKey, `{"payment_method": "card", "payment_provider": "SYNCSIM"}`},
		{"missing method", testKey, `{"amount": 10, "payment_provider": "SYNCSIM"}`},
		{"negative amount", testKey, `{"amount": -1, "payment_method": "card", "payment_provider": "SYNCSIM"}`},
		{"unknown provider", testKey, `{"amount": 10, "payment_method": "card", "payment_provider": "PAYPAL"}`},
		{"long method", testKey, `{"amount": 10, "payment_method": "` + strings.Repeat("m", 51) + `", "payment_provider": "SYNCSIM"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := pay(t, ts, tt.key, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
			if body["error"] != string(paygate.ErrorCodeBadRequest) {
				t.Errorf("unexpected envelope %v", body)
			}
		})
	}
}

func TestCreatePayment_ProviderDeclineIsCachedOutcome(t *testing.T) {
	ts := newTestServer(t)

	resp, body := pay(t, ts, testKey, `{"amount": 20000, "payment_method": "card", "payment_provider": "SYNCSIM"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "FAILED" || body["error"] != string(paygate.ErrorCodePaymentFailed) {
		t.Errorf("unexpected body %v", body)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/payments/"+testKey, "", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != string(paygate.ErrorCodeNotFound) {
		t.Errorf("expected 404 NOT_FOUND, got %d %v", resp.StatusCode, body)
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/payments", testKey, syncBody, map[string]string{APIKeyHeader: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != string(paygate.ErrorCodeUnauthorized) {
		t.Errorf("expected 401, got %d %v", resp.StatusCode, body)
	}

	unconfigured := newTestServer(t, WithAPIKey(""))
	resp, _ = pay(t, unconfigured, testKey, syncBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 without a configured key, got %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, WithMaxBodyBytes(64))
	big := `{"amount": 10, "payment_method": "card", "description": "` + strings.Repeat("x", 100) + `", "payment_provider": "SYNCSIM"}`

	resp, body := pay(t, ts, testKey, big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if body["error"] != string(paygate.ErrorCodePayloadTooLarge) {
		t.Errorf("unexpected envelope %v", body)
	}
}

func TestWebhook_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		provider string
		body     string
		want     int
	}{
		{"unknown provider", "paypal", `{}`, http.StatusBadRequest},
		{"sync provider", "SYNCSIM", `{}`, http.StatusBadRequest},
		{"invalid payload", "ASYNCSIM", `nope`, http.StatusBadRequest},
		{"unknown transaction", "ASYNCSIM", `{"transaction_id":"PTX404","status":"SUCCEED"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/webhooks/"+tt.provider, "", tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	pay(t, ts, testKey, syncBody)

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("unexpected health response %d %v", resp.StatusCode, body)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer mresp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, mresp.Body); err != nil {
		t.Fatalf("read metrics failed: %v", err)
	}
	if !strings.Contains(buf.String(), `paygate_payment_completed_total{provider="SYNCSIM"} 1`) {
		t.Error("expected the completed counter in /metrics output")
	}
}

// ============================================================================
// Error Mapping
// ============================================================================

type failingService struct{ err error }

func (f failingService) ProcessPayment(context.Context, string, *paygate.PaymentRequest) (*paygate.Result, error) {
	return nil, f.err
}

func (f failingService) GetPayment(context.Context, string) (*paygate.Lookup, error) {
	return nil, f.err
}

func (f failingService) HandleWebhook(context.Context, paygate.Provider, []byte, http.Header) error {
	return f.err
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	srv := NewServer(failingService{err: errors.New("dial tcp 10.0.0.1:3306: refused")},
		WithAPIKey(testAPIKey), WithLogger(zaptest.NewLogger(t)))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, body := pay(t, ts, testKey, syncBody)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if msg, _ := body["message"].(string); strings.Contains(msg, "10.0.0.1") {
		t.Errorf("internal error leaked: %q", msg)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{paygate.ErrInvalidKeyFormat, http.StatusBadRequest},
		{paygate.ErrIdempotencyKeyConflict, http.StatusConflict},
		{paygate.ErrContention, http.StatusConflict},
		{paygate.ErrUnknownProviderTransaction, http.StatusNotFound},
		{paygate.ErrStoreOperationFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
