package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate"
)

// APIKeyHeader carries the operator key.
const APIKeyHeader = "X-API-Key"

// AdminServer serves the operator JSON API on its own listener.
type AdminServer struct {
	addr   string
	admin  *Admin
	events *EventStore
	apiKey string
	logger *zap.Logger
	router chi.Router

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// AdminServerOption configures an AdminServer.
type AdminServerOption func(*AdminServer)

// WithAddr sets the listen address (default ":8081").
func WithAddr(addr string) AdminServerOption {
	return func(s *AdminServer) {
		s.addr = addr
	}
}

// WithServerEventStore exposes the event log.
func WithServerEventStore(es *EventStore) AdminServerOption {
	return func(s *AdminServer) {
		s.events = es
	}
}

// WithServerAPIKey requires X-API-Key on every request when key is not empty.
func WithServerAPIKey(key string) AdminServerOption {
	return func(s *AdminServer) {
		s.apiKey = key
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) AdminServerOption {
	return func(s *AdminServer) {
		s.logger = l
	}
}

// NewAdminServer builds the router around admin.
func NewAdminServer(admin *Admin, opts ...AdminServerOption) *AdminServer {
	s := &AdminServer{
		addr:   ":8081",
		admin:  admin,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requireAPIKey)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleGetStats)
		r.Post("/recovery/reset-stats", s.handleResetRecoveryStats)

		r.Get("/payments/stuck", s.handleListStuck)
		r.Get("/payments/awaiting-webhook", s.handleListAwaitingWebhook)
		r.Get("/payments/{key}", s.handleGetPayment)
		r.Post("/payments/{key}/force-fail", s.handleForceFail)

		r.Get("/circuit-breakers", s.handleGetCircuitBreakers)
		r.Post("/circuit-breakers/{provider}/reset", s.handleResetCircuitBreaker)

		r.Get("/events", s.handleListEvents)
	})
	s.router = r
}

// Start listens until Stop is called.
func (s *AdminServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("admin server listening", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// Stop shuts the listener down.
func (s *AdminServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

func (s *AdminServer) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// APIResponse is the envelope of every admin response.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError describes a failed admin call.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeRecordNotFound   = "RECORD_NOT_FOUND"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{Error: &APIError{Code: code, Message: message}})
}

// writeAdminError maps err to a status and code.
func (s *AdminServer) writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, paygate.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, ErrCodeRecordNotFound, err.Error())
	case errors.Is(err, paygate.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, ErrNotStuck),
		errors.Is(err, paygate.ErrInvalidStateTransition),
		errors.Is(err, paygate.ErrVersionConflict):
		writeError(w, http.StatusConflict, ErrCodeInvalidOperation, err.Error())
	default:
		s.logger.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// RecordSummary is the admin view of a payment record.
type RecordSummary struct {
	IdempotencyKey        string                   `json:"idempotency_key"`
	Status                paygate.ProcessingStatus `json:"processing_status"`
	Version               int                      `json:"version"`
	Provider              string                   `json:"provider"`
	ProviderTransactionID string                   `json:"provider_transaction_id,omitempty"`
	TransactionNo         string                   `json:"transaction_no,omitempty"`
	Amount                decimal.Decimal          `json:"amount"`
	ResponseStatus        int                      `json:"response_status,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	UpdatedAt             time.Time                `json:"updated_at"`
	ExpiresAt             time.Time                `json:"expires_at"`
}

func summarize(rec *paygate.PaymentRecord) RecordSummary {
	return RecordSummary{
		IdempotencyKey:        rec.IdempotencyKey,
		Status:                rec.Status,
		Version:               rec.Version,
		Provider:              string(rec.Provider),
		ProviderTransactionID: rec.ProviderTransactionID,
		TransactionNo:         rec.TransactionNo,
		Amount:                rec.Amount,
		ResponseStatus:        rec.ResponseStatus,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
		ExpiresAt:             rec.ExpiresAt,
	}
}

func summarizeAll(recs []*paygate.PaymentRecord) []RecordSummary {
	out := make([]RecordSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}
	return out
}

// RecordListResponse wraps a record list.
type RecordListResponse struct {
	Records []RecordSummary `json:"records"`
	Total   int             `json:"total"`
}

// ForceFailRequest is the optional body of a force-fail call.
type ForceFailRequest struct {
	Reason string `json:"reason"`
}

// EventsListResponse wraps an event log page.
type EventsListResponse struct {
	Events     []StoredEvent `json:"events"`
	Total      int           `json:"total"`
	EventTypes []string      `json:"event_types"`
}

// handleGetStats GET /api/stats
func (s *AdminServer) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.GetStats(r.Context())
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, stats)
}

// handleResetRecoveryStats POST /api/recovery/reset-stats
func (s *AdminServer) handleResetRecoveryStats(w http.ResponseWriter, _ *http.Request) {
	if err := s.admin.ResetRecoveryStats(); err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"message": "recovery stats reset"})
}

// handleListStuck GET /api/payments/stuck
func (s *AdminServer) handleListStuck(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	recs, err := s.admin.ListStuck(r.Context(), limit)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, RecordListResponse{Records: summarizeAll(recs), Total: len(recs)})
}

// handleListAwaitingWebhook GET /api/payments/awaiting-webhook
func (s *AdminServer) handleListAwaitingWebhook(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	recs, err := s.admin.ListAwaitingWebhook(r.Context(), limit)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, RecordListResponse{Records: summarizeAll(recs), Total: len(recs)})
}

// handleGetPayment GET /api/payments/{key}
func (s *AdminServer) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.admin.GetRecord(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, summarize(rec))
}

// handleForceFail POST /api/payments/{key}/force-fail
func (s *AdminServer) handleForceFail(w http.ResponseWriter, r *http.Request) {
	var req ForceFailRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Malformed JSON body")
			return
		}
	}

	rec, err := s.admin.ForceFail(r.Context(), chi.URLParam(r, "key"), req.Reason)
	if err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, summarize(rec))
}

// handleGetCircuitBreakers GET /api/circuit-breakers
func (s *AdminServer) handleGetCircuitBreakers(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, s.admin.CircuitBreakers())
}

// handleResetCircuitBreaker POST /api/circuit-breakers/{provider}/reset
func (s *AdminServer) handleResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if err := s.admin.ResetCircuitBreaker(name); err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"message": fmt.Sprintf("circuit breaker %s reset", name)})
}

// handleListEvents GET /api/events
func (s *AdminServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "event store not configured")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	if limit > 1000 {
		limit = 1000
	}

	filter := EventFilter{
		Type:   r.URL.Query().Get("type"),
		Key:    r.URL.Query().Get("key"),
		Limit:  limit,
		Offset: offset,
	}
	writeSuccess(w, EventsListResponse{
		Events:     s.events.List(filter),
		Total:      s.events.Count(filter),
		EventTypes: s.events.EventTypes(),
	})
}

// queryInt parses a non-negative integer query parameter; absent means 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
