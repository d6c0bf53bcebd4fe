package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate"
)

type paymentRequest struct {
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Method      string           `json:"payment_method" validate:"required,max=50"`
	Description string           `json:"description" validate:"max=255"`
	Provider    string           `json:"payment_provider" validate:"required"`
}

type paymentResponse struct {
	*paygate.PaymentResponse
	IdempotencyKey string `json:"idempotency_key"`
	Cached         bool   `json:"cached"`
}

type lookupResponse struct {
	IdempotencyKey string                   `json:"idempotency_key"`
	Status         paygate.ProcessingStatus `json:"processing_status"`
	Response       *paygate.PaymentResponse `json:"response,omitempty"`
	ExpiresAt      time.Time                `json:"expires_at"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, paygate.ErrorCodeBadRequest, IdempotencyKeyHeader+" header is required", "")
		return
	}

	var body paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		status, code := errorStatus(err)
		if code != paygate.ErrorCodePayloadTooLarge {
			status, code = http.StatusBadRequest, paygate.ErrorCodeBadRequest
		}
		writeError(w, status, code, "Malformed JSON body", key)
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, paygate.ErrorCodeBadRequest, validationMessage(err), key)
		return
	}
	provider, err := paygate.ParseProvider(body.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, paygate.ErrorCodeBadRequest, err.Error(), key)
		return
	}

	res, err := s.payments.ProcessPayment(r.Context(), key, &paygate.PaymentRequest{
		Amount:      *body.Amount,
		Method:      body.Method,
		Description: body.Description,
		Provider:    provider,
	})
	if err != nil {
		s.writeEngineError(w, err, key)
		return
	}

	status := http.StatusOK
	if res.Response.Status == paygate.PaymentPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, paymentResponse{
		PaymentResponse: res.Response,
		IdempotencyKey:  key,
		Cached:          res.Cached,
	})
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	lookup, err := s.payments.GetPayment(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, err, key)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		IdempotencyKey: lookup.IdempotencyKey,
		Status:         lookup.Status,
		Response:       lookup.Response,
		ExpiresAt:      lookup.ExpiresAt,
	})
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	provider, err := paygate.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, paygate.ErrorCodeBadRequest, "Invalid webhook: "+err.Error(), "")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, "Failed to read webhook body", "")
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), provider, payload, r.Header); err != nil {
		s.writeEngineError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, key string) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("idempotency_key", key),
			zap.Error(err))
		msg = "Payment processing error"
	}
	writeError(w, status, code, msg, key)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
