// Package api exposes the payment engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"paygate"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// APIKeyHeader carries the shared secret for the payment routes.
const APIKeyHeader = "X-API-Key"

// DefaultMaxBodyBytes bounds JSON request bodies.
const DefaultMaxBodyBytes int64 = 10 << 10

// PaymentService is the part of paygate.Engine the handlers need.
type PaymentService interface {
	ProcessPayment(ctx context.Context, key string, req *paygate.PaymentRequest) (*paygate.Result, error)
	GetPayment(ctx context.Context, key string) (*paygate.Lookup, error)
	HandleWebhook(ctx context.Context, provider paygate.Provider, payload []byte, headers http.Header) error
}

var _ PaymentService = (*paygate.Engine)(nil)

// Server holds the HTTP handlers.
type Server struct {
	payments     PaymentService
	apiKey       string
	maxBodyBytes int64
	metrics      http.Handler
	logger       *zap.Logger
	validate     *validator.Validate
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey sets the key required on the payment routes.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithMaxBodyBytes sets the request body limit.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a Server backed by payments.
func NewServer(payments PaymentService, opts ...Option) *Server {
	s := &Server{
		payments:     payments,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       zap.NewNop(),
		validate:     validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limitBody)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/payments", s.createPayment)
			r.Get("/payments/{key}", s.getPayment)
		})

		// Providers authenticate their callbacks themselves.
		r.Post("/webhooks/{provider}", s.receiveWebhook)
	})
	return r
}
